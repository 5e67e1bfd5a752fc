package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/dexter/internal/config"
	"github.com/mattjoyce/dexter/internal/events"
	"github.com/mattjoyce/dexter/internal/queue"
)

const (
	pruneTask      = "session.prune"
	pruneDedupeKey = "session.prune"
)

// Scheduler triggers periodic pool hygiene and recovers jobs orphaned by a
// crash.
type Scheduler struct {
	cfg      *config.Config
	queue    QueueService
	settings SettingsSource
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a new Scheduler instance.
func New(cfg *config.Config, q QueueService, settings SettingsSource, pub events.Publisher, logger *slog.Logger) *Scheduler {
	if pub == nil {
		pub = events.Discard
	}
	return &Scheduler{
		cfg:      cfg,
		queue:    q,
		settings: settings,
		events:   pub,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start performs crash recovery and begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "tick_interval", s.cfg.Service.TickInterval)

	if err := s.recoverOrphanedJobs(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)

	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Service.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick performs a single scheduling pass.
func (s *Scheduler) tick(ctx context.Context) {
	s.logger.Debug("Scheduler tick")

	if err := s.schedulePrune(ctx); err != nil {
		s.logger.Error("Failed to schedule prune", "error", err)
	}

	if s.cfg.Service.JobLogRetention > 0 {
		if err := s.queue.PruneJobLogs(ctx, s.cfg.Service.JobLogRetention); err != nil {
			s.logger.Error("Failed to prune job logs", "error", err)
		}
	}
}

// schedulePrune enqueues a prune job when pool.prune_interval_days has passed
// since the last one. The interval is re-read on every tick.
func (s *Scheduler) schedulePrune(ctx context.Context) error {
	settings, err := s.settings.PoolSettings(ctx)
	if err != nil {
		return fmt.Errorf("read pool settings: %w", err)
	}
	interval := time.Duration(settings.PruneIntervalDays) * 24 * time.Hour

	now := s.now().UTC()
	last, err := s.queue.LastRunAt(ctx, pruneTask)
	if err != nil {
		return err
	}
	if last != nil && now.Sub(*last) < interval {
		return nil
	}

	payload, err := json.Marshal(queue.PrunePayload{ThresholdDays: settings.PruneThresholdDays})
	if err != nil {
		return err
	}
	dedupeKey := pruneDedupeKey
	jobID, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:        queue.KindSessionPrune,
		Payload:     payload,
		MaxAttempts: s.cfg.Retry.MaxAttempts,
		SubmittedBy: s.cfg.Service.Name,
		DedupeKey:   &dedupeKey,
	})
	var dedupeErr *queue.DedupeDropError
	switch {
	case errors.As(err, &dedupeErr):
		s.logger.Info(
			"Skipped prune enqueue due to dedupe hit",
			"dedupe_key", dedupeErr.DedupeKey,
			"existing_job_id", dedupeErr.ExistingJobID,
		)
	case err != nil:
		return fmt.Errorf("enqueue prune job: %w", err)
	default:
		s.events.Publish(events.SchedulerScheduled, map[string]any{
			"job_id": jobID,
			"kind":   queue.KindSessionPrune,
		})
		s.logger.Info("Enqueued prune job",
			"job_id", jobID,
			"threshold_days", settings.PruneThresholdDays,
			"interval_days", settings.PruneIntervalDays,
		)
	}

	return s.queue.RecordRun(ctx, pruneTask, now)
}

// recoverOrphanedJobs scans for and recovers jobs marked as "running" at startup.
func (s *Scheduler) recoverOrphanedJobs(ctx context.Context) error {
	s.logger.Info("Performing crash recovery for orphaned jobs")

	runningJobs, err := s.queue.FindJobsByStatus(ctx, queue.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to find running jobs for recovery: %w", err)
	}

	if len(runningJobs) == 0 {
		s.logger.Info("No orphaned jobs found.")
		return nil
	}

	s.logger.Warn("Found orphaned jobs, attempting recovery", "count", len(runningJobs))

	for _, job := range runningJobs {
		attempt := job.Attempt + 1

		var (
			newStatus    = queue.StatusQueued
			lastErrorMsg string
		)
		if attempt <= job.MaxAttempts {
			s.logger.Warn(
				"Re-queueing orphaned job",
				"job_id", job.ID,
				"kind", job.Kind,
				"workspace_key", job.WorkspaceKey,
				"new_attempt", attempt,
			)
		} else {
			newStatus = queue.StatusDead
			lastErrorMsg = fmt.Sprintf("Job marked dead during crash recovery: max attempts (%d) reached", job.MaxAttempts)
			s.logger.Error(
				"Marking orphaned job as dead (max attempts reached)",
				"job_id", job.ID,
				"kind", job.Kind,
				"workspace_key", job.WorkspaceKey,
				"final_attempt", attempt,
				"error", lastErrorMsg,
			)
		}

		if err := s.queue.UpdateJobForRecovery(ctx, job.ID, newStatus, attempt, nil, lastErrorMsg); err != nil {
			s.logger.Error(
				"Failed to update orphaned job during recovery",
				"job_id", job.ID,
				"error", err,
				"desired_status", newStatus,
				"desired_attempt", attempt,
			)
		}
	}

	return nil
}
