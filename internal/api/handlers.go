package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/dexter/internal/auth"
	"github.com/mattjoyce/dexter/internal/pool"
	"github.com/mattjoyce/dexter/internal/queue"
	"github.com/mattjoyce/dexter/internal/workspace"
)

// Dedupe keys shared with the scheduler and dispatcher, so an API request
// never stacks a second prune or eviction behind a pending one.
const (
	pruneDedupeKey = "session.prune"
	evictDedupeKey = "session.evict"
)

const maxRequestBody = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}
	stats, err := s.sessions.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to compute pool stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute pool stats")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
		Sessions:      stats.Count,
		SoftCap:       stats.SoftCap,
	})
}

// handleListSessions handles GET /sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	stats, err := s.sessions.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to compute pool stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute pool stats")
		return
	}
	if records == nil {
		records = []pool.SessionRecord{}
	}
	respondJSON(w, http.StatusOK, SessionListResponse{Sessions: records, Stats: stats})
}

// handleGetSession handles GET /sessions/{key}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, err := s.sessions.Session(r.Context(), key)
	switch {
	case errors.Is(err, workspace.ErrInvalidKey):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pool.ErrNoWorkspace):
		s.writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		s.logger.Error("failed to inspect session", "workspace_key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to inspect session")
	default:
		respondJSON(w, http.StatusOK, rec)
	}
}

// handleDeleteSession handles DELETE /sessions/{key}?purge_archive=true.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := workspace.ValidateKey(key); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	purge := false
	if v := r.URL.Query().Get("purge_archive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "purge_archive must be a boolean")
			return
		}
		purge = b
	}

	payload, _ := json.Marshal(queue.DeletePayload{PurgeArchive: purge})
	s.enqueue(w, r, queue.EnqueueRequest{
		Kind:         queue.KindSessionDelete,
		WorkspaceKey: key,
		Payload:      payload,
	})
}

// handleRun handles POST /sessions/{key}/runs.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := workspace.ValidateKey(key); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req RunRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	payload, _ := json.Marshal(queue.AgentRunPayload{Prompt: req.Prompt, Source: "api"})
	s.enqueue(w, r, queue.EnqueueRequest{
		Kind:         queue.KindAgentRun,
		WorkspaceKey: key,
		Payload:      payload,
		MaxAttempts:  s.config.MaxAttempts,
	})
}

// handlePrune handles POST /sessions/prune.
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req PruneRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ThresholdDays < 0 {
		s.writeError(w, http.StatusBadRequest, "threshold_days must be positive")
		return
	}

	dedupe := pruneDedupeKey
	payload, _ := json.Marshal(queue.PrunePayload{ThresholdDays: req.ThresholdDays})
	s.enqueue(w, r, queue.EnqueueRequest{
		Kind:      queue.KindSessionPrune,
		Payload:   payload,
		DedupeKey: &dedupe,
	})
}

// handleEvict handles POST /sessions/evict.
func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	dedupe := evictDedupeKey
	s.enqueue(w, r, queue.EnqueueRequest{
		Kind:      queue.KindSessionEvict,
		DedupeKey: &dedupe,
	})
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, req queue.EnqueueRequest) {
	req.SubmittedBy = submitter(r.Context())

	resp := EnqueueResponse{Kind: string(req.Kind), WorkspaceKey: req.WorkspaceKey}
	id, err := s.queue.Enqueue(r.Context(), req)
	var dedupe *queue.DedupeDropError
	switch {
	case errors.As(err, &dedupe):
		resp.JobID = dedupe.ExistingJobID
		resp.Deduplicated = true
	case err != nil:
		s.logger.Error("failed to enqueue job", "kind", req.Kind, "workspace_key", req.WorkspaceKey, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	default:
		resp.JobID = id
		s.logger.Info("job enqueued", "job_id", id, "kind", req.Kind, "workspace_key", req.WorkspaceKey)
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// handleGetJob handles GET /jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.queue.GetJobByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// submitter names the principal for the job's submitted_by column without
// recording the token itself.
func submitter(ctx context.Context) string {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return "api"
	}
	if auth.HasAnyScope(p, auth.ScopeAll) {
		return "api:admin"
	}
	return "api:token"
}

// decodeBody decodes a JSON body. With optional set an empty body is accepted.
func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
