package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/dexter/internal/config"
	"github.com/mattjoyce/dexter/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/dexter/internal/scheduler QueueService

// QueueService defines the interface for queue operations used by the scheduler.
type QueueService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	FindJobsByStatus(ctx context.Context, status queue.Status) ([]*queue.Job, error)
	UpdateJobForRecovery(ctx context.Context, jobID string, newStatus queue.Status, newAttempt int, nextRetryAt *time.Time, lastError string) error
	PruneJobLogs(ctx context.Context, retention time.Duration) error
	LastRunAt(ctx context.Context, name string) (*time.Time, error)
	RecordRun(ctx context.Context, name string, at time.Time) error
}

// SettingsSource supplies the live pool settings.
type SettingsSource interface {
	PoolSettings(ctx context.Context) (config.PoolConfig, error)
}
