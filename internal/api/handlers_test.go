package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dexter/internal/auth"
	"github.com/mattjoyce/dexter/internal/config"
	"github.com/mattjoyce/dexter/internal/events"
	"github.com/mattjoyce/dexter/internal/pool"
	"github.com/mattjoyce/dexter/internal/queue"
	"github.com/mattjoyce/dexter/internal/workspace"
)

const (
	adminKey    = "admin-secret"
	readerToken = "reader-secret"
)

// memQueue is an in-memory JobQueuer that honors dedupe keys.
type memQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
	reqs []queue.EnqueueRequest
}

func (q *memQueue) Enqueue(_ context.Context, req queue.EnqueueRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req.DedupeKey != nil {
		for _, j := range q.jobs {
			if j.DedupeKey != nil && *j.DedupeKey == *req.DedupeKey && j.Status == queue.StatusQueued {
				return "", &queue.DedupeDropError{DedupeKey: *req.DedupeKey, ExistingJobID: j.ID}
			}
		}
	}
	id := fmt.Sprintf("job-%d", len(q.jobs)+1)
	q.jobs = append(q.jobs, &queue.Job{
		ID:           id,
		Kind:         req.Kind,
		WorkspaceKey: req.WorkspaceKey,
		Payload:      req.Payload,
		Status:       queue.StatusQueued,
		Attempt:      1,
		SubmittedBy:  req.SubmittedBy,
		DedupeKey:    req.DedupeKey,
	})
	q.reqs = append(q.reqs, req)
	return id, nil
}

func (q *memQueue) GetJobByID(_ context.Context, id string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, queue.ErrJobNotFound
}

func (q *memQueue) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}

type testServer struct {
	srv   *Server
	queue *memQueue
	pool  *pool.Pool
	hub   *events.Hub
	root  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspaces")
	store, err := workspace.NewFSStore(root, workspace.FSOptions{AgentHome: filepath.Join(tmp, "agent")})
	require.NoError(t, err)

	hub := events.NewHub(32)
	p := pool.New(store, config.StaticPool{MaxSessions: 3, PruneThresholdDays: 7, PruneIntervalDays: 1}, pool.Options{Events: hub})
	q := &memQueue{}

	srv := New(Config{
		APIKey:      adminKey,
		Tokens:      []auth.TokenConfig{{Token: readerToken, Scopes: []string{auth.ScopeSessionsRO}}},
		MaxAttempts: 4,
	}, q, p, hub, nil)
	return &testServer{srv: srv, queue: q, pool: p, hub: hub, root: root}
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthzNoAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthzResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.SoftCap)
}

func TestAuthAndScopes(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{name: "no token", method: http.MethodGet, path: "/api/v1/sessions", want: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/api/v1/sessions", token: "wrong", want: http.StatusUnauthorized},
		{name: "reader lists", method: http.MethodGet, path: "/api/v1/sessions", token: readerToken, want: http.StatusOK},
		{name: "reader cannot delete", method: http.MethodDelete, path: "/api/v1/sessions/DXTR-1", token: readerToken, want: http.StatusForbidden},
		{name: "reader cannot read jobs", method: http.MethodGet, path: "/api/v1/jobs/job-1", token: readerToken, want: http.StatusForbidden},
		{name: "admin deletes", method: http.MethodDelete, path: "/api/v1/sessions/DXTR-1", token: adminKey, want: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.token, "")
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestListAndGetSessions(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.pool.Admit(ctx, "DXTR-1")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/v1/sessions", adminKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[SessionListResponse](t, rec)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "DXTR-1", list.Sessions[0].Key)
	assert.Equal(t, 0, list.Stats.Count, "no agent session yet")

	rec = ts.do(t, http.MethodGet, "/api/v1/sessions/DXTR-1", adminKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, filepath.Join(ts.root, "DXTR-1"), decode[pool.SessionRecord](t, rec).WorkspacePath)

	rec = ts.do(t, http.MethodGet, "/api/v1/sessions/DXTR-404", adminKey, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/sessions/x..y", adminKey, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteEnqueuesJob(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodDelete, "/api/v1/sessions/DXTR-2?purge_archive=true", adminKey, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[EnqueueResponse](t, rec)
	assert.Equal(t, string(queue.KindSessionDelete), resp.Kind)

	require.Len(t, ts.queue.reqs, 1)
	req := ts.queue.reqs[0]
	assert.Equal(t, "DXTR-2", req.WorkspaceKey)
	assert.Equal(t, "api:admin", req.SubmittedBy)
	var payload queue.DeletePayload
	require.NoError(t, json.Unmarshal(req.Payload, &payload))
	assert.True(t, payload.PurgeArchive)

	rec = ts.do(t, http.MethodDelete, "/api/v1/sessions/DXTR-2?purge_archive=maybe", adminKey, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Deleting never touches the disk directly.
	_, err := os.Stat(ts.root)
	assert.True(t, os.IsNotExist(err))
}

func TestRunEnqueuesAgentRun(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/sessions/DXTR-3/runs", adminKey, `{"prompt":"add tests"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, ts.queue.reqs, 1)
	req := ts.queue.reqs[0]
	assert.Equal(t, queue.KindAgentRun, req.Kind)
	assert.Equal(t, 4, req.MaxAttempts)

	var payload queue.AgentRunPayload
	require.NoError(t, json.Unmarshal(req.Payload, &payload))
	assert.Equal(t, "add tests", payload.Prompt)
	assert.Equal(t, "api", payload.Source)

	for _, body := range []string{``, `{"prompt":"  "}`, `{"prompt":"x","extra":1}`, `not json`} {
		rec = ts.do(t, http.MethodPost, "/api/v1/sessions/DXTR-3/runs", adminKey, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestPruneAndEvictAreDeduplicated(t *testing.T) {
	ts := newTestServer(t)

	first := decode[EnqueueResponse](t, ts.do(t, http.MethodPost, "/api/v1/sessions/prune", adminKey, `{"threshold_days":3}`))
	assert.False(t, first.Deduplicated)

	rec := ts.do(t, http.MethodPost, "/api/v1/sessions/prune", adminKey, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	second := decode[EnqueueResponse](t, rec)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.JobID, second.JobID)

	var payload queue.PrunePayload
	require.NoError(t, json.Unmarshal(ts.queue.reqs[0].Payload, &payload))
	assert.Equal(t, 3, payload.ThresholdDays)

	rec = ts.do(t, http.MethodPost, "/api/v1/sessions/prune", adminKey, `{"threshold_days":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	evict := decode[EnqueueResponse](t, ts.do(t, http.MethodPost, "/api/v1/sessions/evict", adminKey, ""))
	assert.Equal(t, string(queue.KindSessionEvict), evict.Kind)
	again := decode[EnqueueResponse](t, ts.do(t, http.MethodPost, "/api/v1/sessions/evict", adminKey, ""))
	assert.True(t, again.Deduplicated)
}

func TestGetJob(t *testing.T) {
	ts := newTestServer(t)

	created := decode[EnqueueResponse](t, ts.do(t, http.MethodPost, "/api/v1/sessions/evict", adminKey, ""))

	rec := ts.do(t, http.MethodGet, "/api/v1/jobs/"+created.JobID, adminKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[queue.Job](t, rec)
	assert.Equal(t, queue.StatusQueued, job.Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/jobs/missing", adminKey, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsStreamReplaysBufferedEvents(t *testing.T) {
	ts := newTestServer(t)
	ts.hub.Publish(events.SessionAdmitted, map[string]any{"key": "DXTR-1"})
	ts.hub.Publish(events.SessionEvicted, map[string]any{"key": "DXTR-1"})

	server := httptest.NewServer(ts.srv.Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+readerToken)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		if strings.HasPrefix(line, "data:") {
			break
		}
	}
	assert.Equal(t, []string{"id: 2", "event: " + events.SessionEvicted, `data: {"key":"DXTR-1"}`}, lines)
}

func TestEventsStreamReplaysAllForStaleLastEventID(t *testing.T) {
	ts := newTestServer(t)
	ts.hub.Publish(events.SessionAdmitted, map[string]any{"key": "DXTR-7"})

	server := httptest.NewServer(ts.srv.Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+readerToken)
	req.Header.Set("Last-Event-ID", "900")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.Equal(t, "id: 1", scanner.Text())
}
