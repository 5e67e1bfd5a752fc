package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/dexter/internal/agent"
	"github.com/mattjoyce/dexter/internal/config"
	"github.com/mattjoyce/dexter/internal/events"
	"github.com/mattjoyce/dexter/internal/log"
	"github.com/mattjoyce/dexter/internal/pool"
	"github.com/mattjoyce/dexter/internal/queue"
	"github.com/mattjoyce/dexter/internal/workspace"
)

// EvictDedupeKey keeps at most one capacity eviction queued at a time.
const EvictDedupeKey = "session.evict"

// AgentRunner runs the coding agent for one admitted workspace.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) (agent.Result, error)
}

// Dispatcher dequeues jobs and executes them against the session pool.
type Dispatcher struct {
	queue  *queue.Queue
	pool   *pool.Pool
	runner AgentRunner
	cfg    *config.Config
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new Dispatcher. pub may be nil.
func New(q *queue.Queue, p *pool.Pool, runner AgentRunner, cfg *config.Config, pub events.Publisher) *Dispatcher {
	if pub == nil {
		pub = events.Discard
	}
	return &Dispatcher{
		queue:  q,
		pool:   p,
		runner: runner,
		cfg:    cfg,
		events: pub,
		logger: log.WithComponent("dispatch"),
		now:    time.Now,
	}
}

// Start runs the main dispatch loop. It dequeues jobs serially and executes them one at a time.
// This is a blocking call that runs until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch loop started")
	defer d.logger.Info("dispatch loop stopped")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Drain what is runnable before waiting for the next tick.
			for {
				ran, err := d.processNextJob(ctx)
				if err != nil {
					d.logger.Error("failed to process job", "error", err)
				}
				if !ran || err != nil || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// processNextJob dequeues the next runnable job and executes it. It reports
// whether a job was found.
func (d *Dispatcher) processNextJob(ctx context.Context) (bool, error) {
	job, err := d.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}

	d.executeJob(ctx, job)
	return true, nil
}

// executeJob runs a single job and records its outcome in the queue.
func (d *Dispatcher) executeJob(ctx context.Context, job *queue.Job) {
	jobLogger := log.WithJob(job.ID).With("kind", job.Kind, "workspace_key", job.WorkspaceKey)
	jobLogger.Info("executing job", "attempt", job.Attempt, "deferrals", job.Deferrals)
	d.events.Publish(events.JobStarted, map[string]any{
		"job_id":        job.ID,
		"kind":          job.Kind,
		"workspace_key": job.WorkspaceKey,
		"attempt":       job.Attempt,
	})

	var (
		output string
		err    error
	)
	switch job.Kind {
	case queue.KindAgentRun:
		var deferred bool
		output, deferred, err = d.runAgent(ctx, job, jobLogger)
		if deferred {
			return
		}
	case queue.KindSessionDelete:
		output, err = d.deleteSession(ctx, job)
	case queue.KindSessionEvict:
		output, err = d.evictOldest(ctx)
	case queue.KindSessionPrune:
		output, err = d.prune(ctx, job)
	default:
		err = permanent(fmt.Errorf("unknown job kind %q", job.Kind))
	}

	if err == nil {
		jobLogger.Info("job succeeded")
		d.completeJob(ctx, job, queue.StatusSucceeded, nil, &output)
		d.events.Publish(events.JobCompleted, map[string]any{"job_id": job.ID, "kind": job.Kind, "workspace_key": job.WorkspaceKey})
		return
	}

	d.failJob(ctx, job, err, output, jobLogger)
}

// runAgent admits the job's workspace and runs the agent in it. deferred is
// true when the pool was full and the job went back on the queue.
func (d *Dispatcher) runAgent(ctx context.Context, job *queue.Job, logger *slog.Logger) (output string, deferred bool, err error) {
	var payload queue.AgentRunPayload
	if err := decodePayload(job, &payload); err != nil {
		return "", false, err
	}
	if payload.Prompt == "" {
		return "", false, permanent(errors.New("agent.run payload has no prompt"))
	}

	adm, err := d.pool.Admit(ctx, job.WorkspaceKey)
	if err != nil {
		return "", false, err
	}
	if adm.Outcome == pool.AtCapacity {
		d.deferJob(ctx, job, adm, logger)
		return "", true, nil
	}

	resume := adm.Reused || adm.Restored
	if rec, err := d.pool.Session(ctx, job.WorkspaceKey); err == nil {
		resume = rec.HasActiveAgentSession
	}

	res, runErr := d.runner.Run(ctx, agent.Request{
		WorkspaceKey: job.WorkspaceKey,
		Dir:          adm.Workspace.Dir,
		Prompt:       payload.Prompt,
		Resume:       resume,
	})

	// The agent may have worked for a long time; the marker reflects the end of the run.
	if err := d.pool.Touch(ctx, job.WorkspaceKey); err != nil {
		logger.Warn("failed to refresh last-used marker", "error", err)
	}

	if runErr != nil {
		return res.Output, false, runErr
	}

	if d.cfg.Archive.AfterRun {
		if _, err := d.pool.ArchiveSession(ctx, job.WorkspaceKey); err != nil {
			// The run itself succeeded; the next archive pass catches up.
			logger.Warn("post-run archive failed", "error", err)
		}
	}
	return res.Output, false, nil
}

// deferJob puts a job that could not be admitted back on the queue without
// consuming an attempt.
func (d *Dispatcher) deferJob(ctx context.Context, job *queue.Job, adm pool.Admission, logger *slog.Logger) {
	settings, err := d.pool.Settings(ctx)
	if err != nil {
		logger.Warn("failed to read pool settings", "error", err)
	}
	if settings.EvictOnCapacity {
		d.requestEviction(ctx, job, logger)
	}

	delay := backoff(d.cfg.Retry.BackoffBase, d.cfg.Retry.BackoffMax, job.Deferrals)
	next := d.now().Add(delay)
	reason := adm.Err().Error()

	if err := d.queue.Defer(ctx, job.ID, next, reason); err != nil {
		logger.Error("failed to defer job", "error", err)
		return
	}
	logger.Info("job deferred: session pool at capacity",
		"active_sessions", adm.Count,
		"max_sessions", adm.MaxSessions,
		"retry_in", delay,
	)
	d.events.Publish(events.JobDeferred, map[string]any{
		"job_id":        job.ID,
		"workspace_key": job.WorkspaceKey,
		"next_retry_at": next,
	})
}

func (d *Dispatcher) requestEviction(ctx context.Context, job *queue.Job, logger *slog.Logger) {
	dedupe := EvictDedupeKey
	id, err := d.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:        queue.KindSessionEvict,
		MaxAttempts: d.cfg.Retry.MaxAttempts,
		SubmittedBy: "dispatch:" + job.ID,
		DedupeKey:   &dedupe,
	})
	var dedupeErr *queue.DedupeDropError
	switch {
	case errors.As(err, &dedupeErr):
		logger.Debug("eviction already queued", "existing_job_id", dedupeErr.ExistingJobID)
	case err != nil:
		logger.Error("failed to enqueue eviction", "error", err)
	default:
		logger.Info("eviction enqueued", "evict_job_id", id)
	}
}

func (d *Dispatcher) deleteSession(ctx context.Context, job *queue.Job) (string, error) {
	var payload queue.DeletePayload
	if err := decodePayload(job, &payload); err != nil {
		return "", err
	}
	report, err := d.pool.Delete(ctx, job.WorkspaceKey, payload.PurgeArchive)
	if err != nil {
		return "", err
	}
	return summarize(map[string]any{
		"removed_workspace":     report.RemovedWorkspace,
		"removed_agent_session": report.RemovedAgentSession,
		"purged_archive":        payload.PurgeArchive,
	}), nil
}

func (d *Dispatcher) evictOldest(ctx context.Context) (string, error) {
	key, err := d.pool.EvictOldest(ctx)
	if err != nil {
		return "", err
	}
	return summarize(map[string]any{"evicted": key}), nil
}

func (d *Dispatcher) prune(ctx context.Context, job *queue.Job) (string, error) {
	var payload queue.PrunePayload
	if err := decodePayload(job, &payload); err != nil {
		return "", err
	}
	threshold := payload.ThresholdDays
	if threshold == 0 {
		settings, err := d.pool.Settings(ctx)
		if err != nil {
			return "", err
		}
		threshold = settings.PruneThresholdDays
	}
	pruned, err := d.pool.PruneInactive(ctx, threshold)
	if err != nil {
		return "", err
	}
	if pruned == nil {
		pruned = []string{}
	}
	return summarize(map[string]any{"pruned": pruned, "threshold_days": threshold}), nil
}

// failJob retries retryable errors while attempts remain and otherwise
// completes the job with a terminal status.
func (d *Dispatcher) failJob(ctx context.Context, job *queue.Job, err error, output string, logger *slog.Logger) {
	errMsg := err.Error()
	var outPtr *string
	if output != "" {
		outPtr = &output
	}

	if !isPermanent(err) && job.Attempt < job.MaxAttempts {
		delay := backoff(d.cfg.Retry.BackoffBase, d.cfg.Retry.BackoffMax, job.Attempt-1)
		if rerr := d.queue.Retry(ctx, job.ID, d.now().Add(delay), errMsg); rerr != nil {
			logger.Error("failed to schedule retry", "error", rerr)
			return
		}
		logger.Warn("job failed, retry scheduled", "error", err, "attempt", job.Attempt, "retry_in", delay)
		return
	}

	status := queue.StatusFailed
	switch {
	case errors.Is(err, agent.ErrTimeout):
		status = queue.StatusTimedOut
	case !isPermanent(err):
		status = queue.StatusDead
	}
	logger.Error("job failed", "error", err, "status", status, "attempt", job.Attempt)
	d.completeJob(ctx, job, status, &errMsg, outPtr)
	d.events.Publish(events.JobFailed, map[string]any{
		"job_id":        job.ID,
		"kind":          job.Kind,
		"workspace_key": job.WorkspaceKey,
		"status":        status,
		"error":         errMsg,
	})
}

// completeJob is a helper to mark a job as complete with the given status.
func (d *Dispatcher) completeJob(ctx context.Context, job *queue.Job, status queue.Status, errMsg, output *string) {
	if err := d.queue.Complete(ctx, job.ID, status, errMsg, output); err != nil {
		d.logger.Error("failed to complete job", "job_id", job.ID, "status", status, "error", err)
	}
}

// backoff returns base doubled n times, capped at max. Jitter is off so
// the retry schedule stays predictable from the config.
func backoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	b := &cbackoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Stop:                cbackoff.Stop,
		Clock:               cbackoff.SystemClock,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 0; i < n && delay < max; i++ {
		delay = b.NextBackOff()
	}
	if delay > max {
		return max
	}
	return delay
}

func decodePayload(job *queue.Job, dst any) error {
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return permanent(fmt.Errorf("decode %s payload: %w", job.Kind, err))
	}
	return nil
}

func summarize(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe) || errors.Is(err, workspace.ErrInvalidKey)
}
