package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxOutputBytes = 64 * 1024

// timeLayout is fixed width so timestamps compare correctly as text in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, kind, workspace_key, payload, status, attempt, max_attempts, deferrals, submitted_by,
  dedupe_key, created_at, started_at, completed_at, next_retry_at, last_error`

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// Enqueue inserts a queued job. When DedupeKey is set and a queued or running
// job already holds it, nothing is inserted and a *DedupeDropError is returned.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if !req.Kind.Valid() {
		return "", fmt.Errorf("unknown job kind %q", req.Kind)
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}

	id := uuid.NewString()
	now := q.now().UTC().Format(timeLayout)

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}
	var workspaceKey any
	if req.WorkspaceKey != "" {
		workspaceKey = req.WorkspaceKey
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.DedupeKey != nil {
		var existing string
		err := tx.QueryRowContext(ctx, `
SELECT id FROM job_queue
WHERE dedupe_key = ? AND status IN (?, ?)
ORDER BY created_at ASC
LIMIT 1;
`, *req.DedupeKey, StatusQueued, StatusRunning).Scan(&existing)
		switch {
		case err == nil:
			return "", &DedupeDropError{DedupeKey: *req.DedupeKey, ExistingJobID: existing}
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("check dedupe key: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO job_queue(
  id, kind, workspace_key, payload, status, attempt, max_attempts, deferrals, submitted_by, dedupe_key, created_at
)
VALUES(?, ?, ?, ?, ?, 1, ?, 0, ?, ?, ?);
`, id, req.Kind, workspaceKey, payload, StatusQueued, maxAttempts, req.SubmittedBy, req.DedupeKey, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest runnable queued job and marks it running. Returns
// (nil, nil) if nothing is runnable.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	nowS := q.now().UTC().Format(timeLayout)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM job_queue
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE job_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StatusQueued, nowS, StatusRunning, nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Complete marks a job terminal and appends a row to job_log.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, lastError, output *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if status != StatusSucceeded && status != StatusFailed && status != StatusTimedOut && status != StatusDead {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		kind         string
		workspaceKey sql.NullString
		attempt      int
		deferrals    int
		submittedBy  string
		createdAt    string
	)
	err = tx.QueryRowContext(ctx, `
SELECT kind, workspace_key, attempt, deferrals, submitted_by, created_at
FROM job_queue
WHERE id = ?;
`, jobID).Scan(&kind, &workspaceKey, &attempt, &deferrals, &submittedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job for completion: %w", err)
	}

	completedAt := q.now().UTC().Format(timeLayout)

	_, err = tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, completed_at = ?, last_error = ?, next_retry_at = NULL
WHERE id = ?;
`, status, completedAt, lastError, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}

	var outputVal any
	if output != nil {
		s := *output
		if len(s) > maxOutputBytes {
			s = s[len(s)-maxOutputBytes:]
		}
		outputVal = s
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO job_log(
  id, job_id, kind, workspace_key, status, attempt, deferrals, submitted_by, created_at, completed_at, last_error, output
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, fmt.Sprintf("%s-%d", jobID, attempt), jobID, kind, workspaceKey, status, attempt, deferrals, submittedBy,
		createdAt, completedAt, lastError, outputVal)
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Retry requeues a running job for another attempt at nextRetryAt.
func (q *Queue) Retry(ctx context.Context, jobID string, nextRetryAt time.Time, lastError string) error {
	return q.requeue(ctx, `
UPDATE job_queue
SET status = ?, attempt = attempt + 1, next_retry_at = ?, last_error = ?, started_at = NULL
WHERE id = ? AND status = ?;
`, StatusQueued, nextRetryAt.UTC().Format(timeLayout), lastError, jobID, StatusRunning)
}

// Defer requeues a running job that could not be admitted. The attempt
// counter is left alone; only the deferral counter grows.
func (q *Queue) Defer(ctx context.Context, jobID string, nextRetryAt time.Time, reason string) error {
	return q.requeue(ctx, `
UPDATE job_queue
SET status = ?, deferrals = deferrals + 1, next_retry_at = ?, last_error = ?, started_at = NULL
WHERE id = ? AND status = ?;
`, StatusQueued, nextRetryAt.UTC().Format(timeLayout), reason, jobID, StatusRunning)
}

func (q *Queue) requeue(ctx context.Context, stmt string, args ...any) error {
	res, err := q.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// GetJobByID returns a job by ID or ErrJobNotFound.
func (q *Queue) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = ?;`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// FindJobsByStatus returns all jobs in status, oldest first.
func (q *Queue) FindJobsByStatus(ctx context.Context, status Status) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM job_queue
WHERE status = ?
ORDER BY created_at ASC, rowid ASC;
`, status)
	if err != nil {
		return nil, fmt.Errorf("find jobs by status: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJobForRecovery rewrites a job orphaned by a crash.
func (q *Queue) UpdateJobForRecovery(ctx context.Context, jobID string, newStatus Status, newAttempt int, nextRetryAt *time.Time, lastError string) error {
	var nextRetry any
	if nextRetryAt != nil {
		nextRetry = nextRetryAt.UTC().Format(timeLayout)
	}
	var lastErr any
	if strings.TrimSpace(lastError) != "" {
		lastErr = lastError
	}
	var completedAt any
	if newStatus == StatusDead {
		completedAt = q.now().UTC().Format(timeLayout)
	}

	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, attempt = ?, next_retry_at = ?, last_error = ?, started_at = NULL, completed_at = ?
WHERE id = ?;
`, newStatus, newAttempt, nextRetry, lastErr, completedAt, jobID)
	if err != nil {
		return fmt.Errorf("update job for recovery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// PruneJobLogs deletes job_log rows older than retention.
func (q *Queue) PruneJobLogs(ctx context.Context, retention time.Duration) error {
	cutoff := q.now().UTC().Add(-retention).Format(timeLayout)
	if _, err := q.db.ExecContext(ctx, `DELETE FROM job_log WHERE completed_at < ?;`, cutoff); err != nil {
		return fmt.Errorf("prune job_log: %w", err)
	}
	return nil
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_queue WHERE status = ?;`, StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// LastRunAt returns the recorded time of a named periodic task, or nil.
func (q *Queue) LastRunAt(ctx context.Context, name string) (*time.Time, error) {
	var value string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM pool_state WHERE name = ?;`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pool state %q: %w", name, err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("parse pool state %q: %w", name, err)
	}
	return &t, nil
}

// RecordRun stores the time a named periodic task last ran.
func (q *Queue) RecordRun(ctx context.Context, name string, at time.Time) error {
	now := q.now().UTC().Format(timeLayout)
	_, err := q.db.ExecContext(ctx, `
INSERT INTO pool_state(name, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
`, name, at.UTC().Format(timeLayout), now)
	if err != nil {
		return fmt.Errorf("record pool state %q: %w", name, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		kind         string
		workspaceKey sql.NullString
		payload      sql.NullString
		statusS      string
		dedupeKey    sql.NullString
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		nextRetryAtS sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(
		&j.ID, &kind, &workspaceKey, &payload, &statusS, &j.Attempt, &j.MaxAttempts, &j.Deferrals, &j.SubmittedBy,
		&dedupeKey, &createdAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError,
	); err != nil {
		return nil, err
	}

	j.Kind = Kind(kind)
	j.WorkspaceKey = workspaceKey.String
	j.Status = Status(statusS)
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if dedupeKey.Valid {
		j.DedupeKey = &dedupeKey.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = parseNullTime(startedAtS)
	j.CompletedAt = parseNullTime(completedAtS)
	j.NextRetryAt = parseNullTime(nextRetryAtS)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
