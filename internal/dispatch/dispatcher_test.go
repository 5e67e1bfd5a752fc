package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dexter/internal/agent"
	"github.com/mattjoyce/dexter/internal/config"
	"github.com/mattjoyce/dexter/internal/events"
	"github.com/mattjoyce/dexter/internal/log"
	"github.com/mattjoyce/dexter/internal/pool"
	"github.com/mattjoyce/dexter/internal/queue"
	"github.com/mattjoyce/dexter/internal/storage"
	"github.com/mattjoyce/dexter/internal/workspace"
)

func TestMain(m *testing.M) {
	log.Setup("error", "text") // Suppress logs in tests
	os.Exit(m.Run())
}

// fakeRunner stands in for the agent. By default it creates the agent's
// session directory the way the real agent would.
type fakeRunner struct {
	store *workspace.FSStore

	mu   sync.Mutex
	reqs []agent.Request
	err  error
}

func (f *fakeRunner) Run(_ context.Context, req agent.Request) (agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return agent.Result{Output: "partial"}, f.err
	}
	if err := os.MkdirAll(f.store.AgentSessionDir(req.Dir), 0o755); err != nil {
		return agent.Result{}, err
	}
	return agent.Result{Output: "done: " + req.Prompt}, nil
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []string
}

func (a *fakeArchiver) Archive(_ context.Context, _ string, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, key)
	return true, nil
}

func (a *fakeArchiver) Restore(context.Context, string, string) (bool, error) { return false, nil }
func (a *fakeArchiver) Delete(context.Context, string) error                  { return nil }

type testEnv struct {
	disp   *Dispatcher
	db     *sql.DB
	queue  *queue.Queue
	pool   *pool.Pool
	store  *workspace.FSStore
	runner *fakeRunner
	hub    *events.Hub
	cfg    *config.Config
}

func setupTestDispatcher(t *testing.T, maxSessions int, archiver pool.Archiver) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(tmpDir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := workspace.NewFSStore(filepath.Join(tmpDir, "workspaces"), workspace.FSOptions{
		AgentHome: filepath.Join(tmpDir, "agent-home"),
	})
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.Pool.MaxSessions = maxSessions
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.BackoffBase = time.Hour
	cfg.Retry.BackoffMax = 4 * time.Hour

	hub := events.NewHub(128)
	p := pool.New(store, config.StaticPool(cfg.Pool), pool.Options{
		Archiver:       archiver,
		ArchiveOnEvict: archiver != nil,
		Events:         hub,
	})

	q := queue.New(db)
	runner := &fakeRunner{store: store}
	return &testEnv{
		disp:   New(q, p, runner, cfg, hub),
		db:     db,
		queue:  q,
		pool:   p,
		store:  store,
		runner: runner,
		hub:    hub,
		cfg:    cfg,
	}
}

func (e *testEnv) enqueueRun(t *testing.T, key, prompt string) string {
	t.Helper()
	payload, err := json.Marshal(queue.AgentRunPayload{Prompt: prompt, Source: "cli"})
	require.NoError(t, err)
	id, err := e.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		Kind:         queue.KindAgentRun,
		WorkspaceKey: key,
		Payload:      payload,
		MaxAttempts:  e.cfg.Retry.MaxAttempts,
		SubmittedBy:  "test",
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) runNext(t *testing.T) {
	t.Helper()
	ran, err := e.disp.processNextJob(context.Background())
	require.NoError(t, err)
	require.True(t, ran, "expected a runnable job")
}

// makeRunnable clears a job's backoff so the next dequeue picks it up.
func (e *testEnv) makeRunnable(t *testing.T, id string) {
	t.Helper()
	_, err := e.db.Exec(`UPDATE job_queue SET next_retry_at = NULL WHERE id = ?`, id)
	require.NoError(t, err)
}

func (e *testEnv) job(t *testing.T, id string) *queue.Job {
	t.Helper()
	j, err := e.queue.GetJobByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestDispatcher_AgentRunAdmitsAndResumes(t *testing.T) {
	env := setupTestDispatcher(t, 2, nil)

	first := env.enqueueRun(t, "DXTR-123", "fix the flaky test")
	env.runNext(t)

	j := env.job(t, first)
	assert.Equal(t, queue.StatusSucceeded, j.Status)
	require.Len(t, env.runner.reqs, 1)
	assert.Equal(t, "fix the flaky test", env.runner.reqs[0].Prompt)
	assert.Equal(t, filepath.Join(env.store.Root(), "DXTR-123"), env.runner.reqs[0].Dir)
	assert.False(t, env.runner.reqs[0].Resume)

	second := env.enqueueRun(t, "DXTR-123", "now the lint errors")
	env.runNext(t)

	assert.Equal(t, queue.StatusSucceeded, env.job(t, second).Status)
	require.Len(t, env.runner.reqs, 2)
	assert.True(t, env.runner.reqs[1].Resume)

	count, err := env.pool.SessionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDispatcher_AtCapacityDefersAndEvicts(t *testing.T) {
	env := setupTestDispatcher(t, 1, nil)
	ctx := context.Background()

	env.enqueueRun(t, "DXTR-1", "first")
	env.runNext(t)

	blocked := env.enqueueRun(t, "DXTR-2", "second")
	env.runNext(t)

	j := env.job(t, blocked)
	assert.Equal(t, queue.StatusQueued, j.Status)
	assert.Equal(t, 1, j.Attempt, "deferral must not consume an attempt")
	assert.Equal(t, 1, j.Deferrals)
	require.NotNil(t, j.NextRetryAt)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "at capacity")

	queued, err := env.queue.FindJobsByStatus(ctx, queue.StatusQueued)
	require.NoError(t, err)
	var evictID string
	for _, q := range queued {
		if q.Kind == queue.KindSessionEvict {
			evictID = q.ID
		}
	}
	require.NotEmpty(t, evictID, "capacity should enqueue an eviction")

	// The blocked run is backing off, so the eviction runs next.
	env.runNext(t)
	assert.Equal(t, queue.StatusSucceeded, env.job(t, evictID).Status)
	_, err = os.Stat(filepath.Join(env.store.Root(), "DXTR-1"))
	assert.True(t, os.IsNotExist(err), "oldest session should be evicted")

	env.makeRunnable(t, blocked)
	env.runNext(t)
	assert.Equal(t, queue.StatusSucceeded, env.job(t, blocked).Status)

	var types []string
	for _, ev := range env.hub.SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.JobStarted)
	assert.Contains(t, types, events.JobDeferred)
	assert.Contains(t, types, events.SessionEvicted)
}

func TestDispatcher_RepeatedDeferralsShareOneEviction(t *testing.T) {
	env := setupTestDispatcher(t, 1, nil)
	ctx := context.Background()

	env.enqueueRun(t, "DXTR-1", "first")
	env.runNext(t)

	a := env.enqueueRun(t, "DXTR-2", "a")
	b := env.enqueueRun(t, "DXTR-3", "b")
	env.runNext(t)
	env.runNext(t)

	assert.Equal(t, 1, env.job(t, a).Deferrals)
	assert.Equal(t, 1, env.job(t, b).Deferrals)

	queued, err := env.queue.FindJobsByStatus(ctx, queue.StatusQueued)
	require.NoError(t, err)
	evictions := 0
	for _, q := range queued {
		if q.Kind == queue.KindSessionEvict {
			evictions++
		}
	}
	assert.Equal(t, 1, evictions)
}

func TestDispatcher_NoEvictionWhenDisabled(t *testing.T) {
	env := setupTestDispatcher(t, 1, nil)
	env.cfg.Pool.EvictOnCapacity = false
	env.disp.pool = pool.New(env.store, config.StaticPool(env.cfg.Pool), pool.Options{})

	env.enqueueRun(t, "DXTR-1", "first")
	env.runNext(t)
	env.enqueueRun(t, "DXTR-2", "second")
	env.runNext(t)

	queued, err := env.queue.FindJobsByStatus(context.Background(), queue.StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, queue.KindAgentRun, queued[0].Kind)
}

func TestDispatcher_AgentFailureRetriesThenDies(t *testing.T) {
	env := setupTestDispatcher(t, 2, nil)
	env.runner.err = errors.New("agent crashed")

	id := env.enqueueRun(t, "DXTR-5", "try")
	env.runNext(t)

	j := env.job(t, id)
	assert.Equal(t, queue.StatusQueued, j.Status)
	assert.Equal(t, 2, j.Attempt)
	require.NotNil(t, j.NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *j.NextRetryAt, time.Minute)

	env.makeRunnable(t, id)
	env.runNext(t)

	j = env.job(t, id)
	assert.Equal(t, queue.StatusDead, j.Status)
	require.NotNil(t, j.LastError)
	assert.Equal(t, "agent crashed", *j.LastError)
}

func TestDispatcher_AgentTimeoutIsTimedOut(t *testing.T) {
	env := setupTestDispatcher(t, 2, nil)
	env.cfg.Retry.MaxAttempts = 1
	env.runner.err = agent.ErrTimeout

	id := env.enqueueRun(t, "DXTR-6", "slow")
	env.runNext(t)
	assert.Equal(t, queue.StatusTimedOut, env.job(t, id).Status)
}

func TestDispatcher_InvalidKeyFailsWithoutRetry(t *testing.T) {
	env := setupTestDispatcher(t, 2, nil)

	id := env.enqueueRun(t, "../escape", "nope")
	env.runNext(t)

	j := env.job(t, id)
	assert.Equal(t, queue.StatusFailed, j.Status)
	assert.Equal(t, 1, j.Attempt)
	assert.Empty(t, env.runner.reqs)
}

func TestDispatcher_MalformedPayloadFails(t *testing.T) {
	env := setupTestDispatcher(t, 2, nil)

	id, err := env.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		Kind:         queue.KindAgentRun,
		WorkspaceKey: "DXTR-7",
		Payload:      json.RawMessage(`{"prompt": 12}`),
		SubmittedBy:  "test",
	})
	require.NoError(t, err)
	env.runNext(t)

	assert.Equal(t, queue.StatusFailed, env.job(t, id).Status)
}

func TestDispatcher_ArchivesAfterRun(t *testing.T) {
	arch := &fakeArchiver{}
	env := setupTestDispatcher(t, 2, arch)
	env.cfg.Archive.AfterRun = true

	env.enqueueRun(t, "DXTR-8", "work")
	env.runNext(t)

	assert.Equal(t, []string{"DXTR-8"}, arch.archived)
}

func TestDispatcher_DeleteAndPruneJobs(t *testing.T) {
	env := setupTestDispatcher(t, 3, nil)
	ctx := context.Background()

	env.enqueueRun(t, "DXTR-10", "a")
	env.runNext(t)
	env.enqueueRun(t, "DXTR-11", "b")
	env.runNext(t)

	payload, _ := json.Marshal(queue.DeletePayload{})
	delID, err := env.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:         queue.KindSessionDelete,
		WorkspaceKey: "DXTR-10",
		Payload:      payload,
		SubmittedBy:  "test",
	})
	require.NoError(t, err)
	env.runNext(t)
	assert.Equal(t, queue.StatusSucceeded, env.job(t, delID).Status)
	assert.NoDirExists(t, filepath.Join(env.store.Root(), "DXTR-10"))

	// Age the remaining workspace past the threshold.
	old := time.Now().Add(-10 * 24 * time.Hour).UTC().Format(time.RFC3339Nano)
	marker := filepath.Join(env.store.Root(), "DXTR-11", workspace.MarkerName)
	require.NoError(t, os.WriteFile(marker, []byte(old), 0o644))

	payload, _ = json.Marshal(queue.PrunePayload{ThresholdDays: 7})
	pruneID, err := env.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:        queue.KindSessionPrune,
		Payload:     payload,
		SubmittedBy: "test",
	})
	require.NoError(t, err)
	env.runNext(t)
	assert.Equal(t, queue.StatusSucceeded, env.job(t, pruneID).Status)
	assert.NoDirExists(t, filepath.Join(env.store.Root(), "DXTR-11"))
}

func TestDispatcher_EmptyQueue(t *testing.T) {
	env := setupTestDispatcher(t, 1, nil)
	ran, err := env.disp.processNextJob(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{5, 15 * time.Minute},
		{40, 15 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff(30*time.Second, 15*time.Minute, tt.n), "n=%d", tt.n)
	}
	assert.Equal(t, time.Duration(0), backoff(0, time.Minute, 3))
}
