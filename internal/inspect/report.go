// Package inspect renders a diagnostic report for one workspace: its pool
// record, its archive, the jobs that targeted it and the files it holds.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/dexter/internal/archive"
	"github.com/mattjoyce/dexter/internal/pool"
	"github.com/mattjoyce/dexter/internal/workspace"
)

const (
	defaultJobLimit = 10
	maxFiles        = 200
	outputPreview   = 2048
)

// SessionSource resolves a workspace key to its pool record.
type SessionSource interface {
	Session(ctx context.Context, key string) (pool.SessionRecord, error)
}

// ArchiveSource reports archive metadata. A nil ArchiveSource means archival
// is disabled.
type ArchiveSource interface {
	Metadata(ctx context.Context, key string) (*archive.ObjectInfo, error)
}

// Options selects what goes into a report.
type Options struct {
	JobLimit int // most recent jobs to include; zero means 10
}

// Report is the structured JSON representation of a session report.
type Report struct {
	Key      string              `json:"key"`
	Present  bool                `json:"present"`
	Session  *pool.SessionRecord `json:"session,omitempty"`
	Archive  *archive.ObjectInfo `json:"archive,omitempty"`
	Archival bool                `json:"archival_enabled"`
	Jobs     []JobEntry          `json:"jobs"`
	Files    []string            `json:"files,omitempty"`
	Trimmed  bool                `json:"files_trimmed,omitempty"`
}

// JobEntry is one job that targeted the workspace, newest first.
type JobEntry struct {
	JobID       string     `json:"job_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	Deferrals   int        `json:"deferrals"`
	SubmittedBy string     `json:"submitted_by"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Output      string     `json:"output,omitempty"` // tail of the last logged attempt
}

// Builder gathers report data from the pool, the archive and the job store.
type Builder struct {
	db       *sql.DB
	sessions SessionSource
	archives ArchiveSource
}

// NewBuilder returns a Builder. archives may be nil.
func NewBuilder(db *sql.DB, sessions SessionSource, archives ArchiveSource) *Builder {
	return &Builder{db: db, sessions: sessions, archives: archives}
}

// BuildReport renders a terminal-friendly report for key.
func (b *Builder) BuildReport(ctx context.Context, key string, opts Options) (string, error) {
	report, err := b.Gather(ctx, key, opts)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Session Report\n")
	fmt.Fprintf(&out, "Key         : %s\n", report.Key)
	if s := report.Session; s != nil {
		fmt.Fprintf(&out, "Workspace   : %s\n", s.WorkspacePath)
		fmt.Fprintf(&out, "Created     : %s\n", s.CreatedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(&out, "Last used   : %s\n", s.LastUsedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(&out, "Session     : %t\n", s.HasActiveAgentSession)
		fmt.Fprintf(&out, "Size        : %d bytes\n", s.SizeBytes)
	} else {
		fmt.Fprintf(&out, "Workspace   : <none>\n")
	}

	switch {
	case !report.Archival:
		fmt.Fprintf(&out, "Archive     : <disabled>\n")
	case report.Archive == nil:
		fmt.Fprintf(&out, "Archive     : <none>\n")
	default:
		a := report.Archive
		fmt.Fprintf(&out, "Archive     : %s (%d bytes, modified %s)\n", a.ObjectKey, a.Size, a.LastModified.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Jobs) == 0 {
		fmt.Fprintf(&out, "Jobs        : <none>\n")
	}
	for i, job := range report.Jobs {
		fmt.Fprintf(&out, "[%d] %s %s (%s)\n", i+1, job.Kind, job.JobID, job.Status)
		fmt.Fprintf(&out, "    submitted : %s by %s\n", job.CreatedAt.UTC().Format(time.RFC3339), job.SubmittedBy)
		fmt.Fprintf(&out, "    attempt   : %d (deferred %d)\n", job.Attempt, job.Deferrals)
		if job.CompletedAt != nil {
			fmt.Fprintf(&out, "    completed : %s\n", job.CompletedAt.UTC().Format(time.RFC3339))
		}
		if job.LastError != "" {
			fmt.Fprintf(&out, "    error     : %s\n", job.LastError)
		}
		if job.Output != "" {
			fmt.Fprintf(&out, "    output    :\n")
			for _, line := range strings.Split(strings.TrimSpace(job.Output), "\n") {
				fmt.Fprintf(&out, "      %s\n", line)
			}
		}
	}

	if report.Session != nil {
		fmt.Fprintf(&out, "\n")
		if len(report.Files) == 0 {
			fmt.Fprintf(&out, "Files       : <none>\n")
		} else {
			fmt.Fprintf(&out, "Files       :\n")
			for _, f := range report.Files {
				fmt.Fprintf(&out, "  - %s\n", f)
			}
			if report.Trimmed {
				fmt.Fprintf(&out, "  ... (first %d shown)\n", maxFiles)
			}
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report for key.
func (b *Builder) BuildJSONReport(ctx context.Context, key string, opts Options) (string, error) {
	report, err := b.Gather(ctx, key, opts)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// Gather collects the report for key. A key with no workspace, no archive and
// no jobs yields pool.ErrNoWorkspace.
func (b *Builder) Gather(ctx context.Context, key string, opts Options) (*Report, error) {
	if err := workspace.ValidateKey(key); err != nil {
		return nil, err
	}
	limit := opts.JobLimit
	if limit <= 0 {
		limit = defaultJobLimit
	}

	report := &Report{Key: key, Archival: b.archives != nil, Jobs: make([]JobEntry, 0)}

	rec, err := b.sessions.Session(ctx, key)
	switch {
	case errors.Is(err, pool.ErrNoWorkspace):
	case err != nil:
		return nil, fmt.Errorf("load session: %w", err)
	default:
		report.Session = &rec
		report.Present = true
		report.Files, report.Trimmed = listFiles(rec.WorkspacePath)
	}

	if b.archives != nil {
		info, err := b.archives.Metadata(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load archive metadata: %w", err)
		}
		report.Archive = info
	}

	if b.db != nil {
		jobs, err := lookupJobs(ctx, b.db, key, limit)
		if err != nil {
			return nil, err
		}
		report.Jobs = jobs
	}

	if report.Session == nil && report.Archive == nil && len(report.Jobs) == 0 {
		return nil, fmt.Errorf("session %q: %w", key, pool.ErrNoWorkspace)
	}
	return report, nil
}

func lookupJobs(ctx context.Context, db *sql.DB, key string, limit int) ([]JobEntry, error) {
	rows, err := db.QueryContext(ctx, `
SELECT q.id, q.kind, q.status, q.attempt, q.deferrals, q.submitted_by, q.created_at, q.completed_at, q.last_error,
  (SELECT l.output FROM job_log l WHERE l.job_id = q.id ORDER BY l.completed_at DESC LIMIT 1)
FROM job_queue q
WHERE q.workspace_key = ?
ORDER BY q.created_at DESC, q.rowid DESC
LIMIT ?;
`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs for %q: %w", key, err)
	}
	defer rows.Close()

	out := make([]JobEntry, 0)
	for rows.Next() {
		var (
			e           JobEntry
			createdAt   string
			completedAt sql.NullString
			lastError   sql.NullString
			output      sql.NullString
		)
		if err := rows.Scan(&e.JobID, &e.Kind, &e.Status, &e.Attempt, &e.Deferrals, &e.SubmittedBy,
			&createdAt, &completedAt, &lastError, &output); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		if completedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
				e.CompletedAt = &t
			}
		}
		e.LastError = lastError.String
		e.Output = tail(output.String, outputPreview)
		out = append(out, e)
	}
	return out, rows.Err()
}

// listFiles returns workspace-relative paths of regular files, sorted, capped
// at maxFiles. The last-used marker is omitted.
func listFiles(dir string) ([]string, bool) {
	files := make([]string, 0)
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || d.Name() == workspace.MarkerName {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	sort.Strings(files)
	if len(files) > maxFiles {
		return files[:maxFiles], true
	}
	return files, false
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
