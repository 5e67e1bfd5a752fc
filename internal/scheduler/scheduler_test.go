package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dexter/internal/config"
	"github.com/mattjoyce/dexter/internal/events"
	"github.com/mattjoyce/dexter/internal/queue"
	"github.com/mattjoyce/dexter/internal/scheduler/mocks"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func newTestScheduler(t *testing.T, settings SettingsSource) (*Scheduler, *mocks.MockQueueService, *TestLogBuffer) {
	t.Helper()
	ctrl := gomock.NewController(t)
	mockQueue := mocks.NewMockQueueService(ctrl)
	slogger, logBuf := NewTestSlogger()
	s := New(config.Defaults(), mockQueue, settings, events.NewHub(32), slogger)
	return s, mockQueue, logBuf
}

func TestRecoverOrphanedJobs(t *testing.T) {
	s, mockQueue, logBuf := newTestScheduler(t, config.StaticPool{MaxSessions: 1, PruneThresholdDays: 7, PruneIntervalDays: 1})
	ctx := context.Background()

	t.Run("No orphaned jobs", func(t *testing.T) {
		mockQueue.EXPECT().FindJobsByStatus(ctx, queue.StatusRunning).Return([]*queue.Job{}, nil)
		assert.NoError(t, s.recoverOrphanedJobs(ctx))
	})

	t.Run("Orphaned jobs - some re-queued, some dead", func(t *testing.T) {
		logBuf.Reset()

		job1 := &queue.Job{ID: "job1", Kind: queue.KindAgentRun, WorkspaceKey: "DXTR-1", Status: queue.StatusRunning, Attempt: 1, MaxAttempts: 3, SubmittedBy: "webhook"}
		job2 := &queue.Job{ID: "job2", Kind: queue.KindSessionPrune, Status: queue.StatusRunning, Attempt: 3, MaxAttempts: 3, SubmittedBy: "dexter"}

		mockQueue.EXPECT().FindJobsByStatus(ctx, queue.StatusRunning).Return([]*queue.Job{job1, job2}, nil)
		mockQueue.EXPECT().UpdateJobForRecovery(ctx, "job1", queue.StatusQueued, 2, nil, "").Return(nil)
		mockQueue.EXPECT().UpdateJobForRecovery(ctx, "job2", queue.StatusDead, 4, nil, gomock.Any()).Return(nil)

		assert.NoError(t, s.recoverOrphanedJobs(ctx))
		assert.Contains(t, logBuf.String(), "Re-queueing orphaned job")
		assert.Contains(t, logBuf.String(), "Marking orphaned job as dead")
	})

	t.Run("FindJobsByStatus returns error", func(t *testing.T) {
		mockQueue.EXPECT().FindJobsByStatus(ctx, queue.StatusRunning).Return(nil, errors.New("db error"))
		assert.Error(t, s.recoverOrphanedJobs(ctx))
	})
}

func TestSchedulePrune(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	settings := config.StaticPool{MaxSessions: 3, PruneThresholdDays: 5, PruneIntervalDays: 2}

	t.Run("first run enqueues", func(t *testing.T) {
		s, mockQueue, _ := newTestScheduler(t, settings)
		s.now = func() time.Time { return now }

		mockQueue.EXPECT().LastRunAt(ctx, pruneTask).Return(nil, nil)
		mockQueue.EXPECT().Enqueue(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, req queue.EnqueueRequest) (string, error) {
			assert.Equal(t, queue.KindSessionPrune, req.Kind)
			require.NotNil(t, req.DedupeKey)
			assert.Equal(t, pruneDedupeKey, *req.DedupeKey)
			var p queue.PrunePayload
			require.NoError(t, json.Unmarshal(req.Payload, &p))
			assert.Equal(t, 5, p.ThresholdDays)
			return "job-1", nil
		})
		mockQueue.EXPECT().RecordRun(ctx, pruneTask, now).Return(nil)

		hub := events.NewHub(8)
		s.events = hub

		assert.NoError(t, s.schedulePrune(ctx))
		evs := hub.SnapshotSince(0)
		require.Len(t, evs, 1)
		assert.Equal(t, events.SchedulerScheduled, evs[0].Type)
	})

	t.Run("not yet due", func(t *testing.T) {
		s, mockQueue, _ := newTestScheduler(t, settings)
		s.now = func() time.Time { return now }

		last := now.Add(-47 * time.Hour)
		mockQueue.EXPECT().LastRunAt(ctx, pruneTask).Return(&last, nil)

		assert.NoError(t, s.schedulePrune(ctx))
	})

	t.Run("due and deduped still records run", func(t *testing.T) {
		s, mockQueue, logBuf := newTestScheduler(t, settings)
		s.now = func() time.Time { return now }

		last := now.Add(-48 * time.Hour)
		mockQueue.EXPECT().LastRunAt(ctx, pruneTask).Return(&last, nil)
		mockQueue.EXPECT().Enqueue(ctx, gomock.Any()).Return("", &queue.DedupeDropError{DedupeKey: pruneDedupeKey, ExistingJobID: "job-0"})
		mockQueue.EXPECT().RecordRun(ctx, pruneTask, now).Return(nil)

		assert.NoError(t, s.schedulePrune(ctx))
		assert.Contains(t, logBuf.String(), "dedupe hit")
	})

	t.Run("enqueue failure does not record run", func(t *testing.T) {
		s, mockQueue, _ := newTestScheduler(t, settings)
		s.now = func() time.Time { return now }

		mockQueue.EXPECT().LastRunAt(ctx, pruneTask).Return(nil, nil)
		mockQueue.EXPECT().Enqueue(ctx, gomock.Any()).Return("", errors.New("disk full"))

		assert.Error(t, s.schedulePrune(ctx))
	})
}

func TestTickPrunesJobLogs(t *testing.T) {
	ctx := context.Background()
	s, mockQueue, _ := newTestScheduler(t, config.StaticPool{MaxSessions: 1, PruneThresholdDays: 7, PruneIntervalDays: 1})
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	last := now.Add(-time.Hour)
	mockQueue.EXPECT().LastRunAt(ctx, pruneTask).Return(&last, nil)
	mockQueue.EXPECT().PruneJobLogs(ctx, s.cfg.Service.JobLogRetention).Return(nil)

	s.tick(ctx)
}
