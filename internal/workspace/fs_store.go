package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MarkerName is the file inside every workspace that records its last use.
const MarkerName = ".last-used"

// FSOptions configures where the external agent keeps its own sessions.
type FSOptions struct {
	AgentHome   string // agent config directory, e.g. ~/.claude
	ProjectsDir string // subdirectory of AgentHome holding per-project sessions
	Logger      *slog.Logger
}

// FSStore manages per-key workspace directories on local disk.
type FSStore struct {
	root        string
	agentHome   string
	projectsDir string
	logger      *slog.Logger
	now         func() time.Time
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates a filesystem-backed workspace store rooted at root.
func NewFSStore(root string, opts FSOptions) (*FSStore, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	absRoot, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root %q: %w", root, err)
	}

	agentHome := strings.TrimSpace(opts.AgentHome)
	if agentHome == "" {
		return nil, fmt.Errorf("agent home is empty")
	}
	projectsDir := opts.ProjectsDir
	if projectsDir == "" {
		projectsDir = "projects"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FSStore{
		root:        filepath.Clean(absRoot),
		agentHome:   filepath.Clean(agentHome),
		projectsDir: projectsDir,
		logger:      logger.With("component", "workspace"),
		now:         time.Now,
	}, nil
}

// Root returns the absolute workspace root directory.
func (s *FSStore) Root() string { return s.root }

// GetOrCreate creates the workspace for key if needed and rewrites its
// last-used marker.
func (s *FSStore) GetOrCreate(ctx context.Context, key string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := s.workspacePath(key)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace %q: %w", key, err)
	}
	if err := s.writeMarker(path); err != nil {
		return Workspace{}, fmt.Errorf("touch workspace %q: %w", key, err)
	}

	return Workspace{Key: key, Dir: path}, nil
}

// Exists reports whether a workspace directory exists for key.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	path, err := s.workspacePath(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat workspace %q: %w", key, err)
	}
	return info.IsDir(), nil
}

// Cleanup removes the agent session directory and then the workspace directory.
// Each removal is attempted regardless of the other's outcome. A non-directory
// entry at the workspace path is left alone.
func (s *FSStore) Cleanup(ctx context.Context, key string) (CleanupReport, error) {
	path, err := s.workspacePath(key)
	if err != nil {
		return CleanupReport{}, err
	}

	report := CleanupReport{Key: key}
	logger := s.logger.With("workspace_key", key)

	sessionDir := s.AgentSessionDir(path)
	report.RemovedAgentSession, report.AgentSessionErr = removeTree(sessionDir)
	if report.AgentSessionErr != nil {
		logger.Warn("failed to remove agent session directory", "path", sessionDir, "error", report.AgentSessionErr)
	}

	report.RemovedWorkspace, report.WorkspaceErr = removeDir(path)
	if report.WorkspaceErr != nil {
		logger.Warn("failed to remove workspace directory", "path", path, "error", report.WorkspaceErr)
	}

	if report.RemovedWorkspace || report.RemovedAgentSession {
		logger.Info("workspace cleaned up",
			"removed_workspace", report.RemovedWorkspace,
			"removed_agent_session", report.RemovedAgentSession,
		)
	}
	return report, nil
}

// HasSession reports whether the agent session directory for workspacePath is
// a directory. A regular file at that path does not count.
func (s *FSStore) HasSession(workspacePath string) bool {
	info, err := os.Stat(s.AgentSessionDir(workspacePath))
	return err == nil && info.IsDir()
}

// AgentSessionDir maps a workspace path to the agent's session directory:
// <agent-home>/<projects>/<path with separators replaced by '-'>.
func (s *FSStore) AgentSessionDir(workspacePath string) string {
	return filepath.Join(s.agentHome, s.projectsDir, EncodePath(workspacePath))
}

// List returns every workspace under the root, ordered by key. Entries that
// are not directories or do not carry a valid key are skipped.
func (s *FSStore) List(ctx context.Context) ([]Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	out := make([]Workspace, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateKey(entry.Name()) != nil {
			continue
		}
		out = append(out, Workspace{Key: entry.Name(), Dir: filepath.Join(s.root, entry.Name())})
	}
	return out, nil
}

// Inspect derives metadata for the workspace of key.
func (s *FSStore) Inspect(ctx context.Context, key string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	path, err := s.workspacePath(key)
	if err != nil {
		return Info{}, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("inspect workspace %q: %w", key, err)
	}
	if !st.IsDir() {
		return Info{}, fmt.Errorf("workspace path for %q is not a directory", key)
	}

	return Info{
		Workspace:  Workspace{Key: key, Dir: path},
		CreatedAt:  birthTime(path, st.ModTime()),
		LastUsedAt: s.readMarker(path, st.ModTime()),
		HasSession: s.HasSession(path),
		SizeBytes:  treeSize(path),
	}, nil
}

func (s *FSStore) workspacePath(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, key), nil
}

// writeMarker replaces the marker through a rename so a reader never sees a
// half-written timestamp.
func (s *FSStore) writeMarker(dir string) error {
	stamp := s.now().UTC().Format(time.RFC3339Nano)
	tmp := filepath.Join(dir, MarkerName+".tmp")
	if err := os.WriteFile(tmp, []byte(stamp+"\n"), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, MarkerName)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// readMarker never fails: a missing or corrupt marker yields fallback.
func (s *FSStore) readMarker(dir string, fallback time.Time) time.Time {
	data, err := os.ReadFile(filepath.Join(dir, MarkerName))
	if err != nil {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		s.logger.Debug("ignoring corrupt last-used marker", "path", dir, "error", err)
		return fallback
	}
	return t
}

// EncodePath converts an absolute workspace path into the directory name the
// agent uses for its session store.
func EncodePath(workspacePath string) string {
	return strings.ReplaceAll(filepath.Clean(workspacePath), string(os.PathSeparator), "-")
}

func removeTree(path string) (bool, error) {
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return false, err
	}
	return true, nil
}

// removeDir is removeTree restricted to real directories. Files and symlinks
// under the root are not workspaces.
func removeDir(path string) (bool, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	return removeTree(path)
}

func treeSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can disappear while the agent is writing.
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
