package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/dexter/internal/queue"
	"github.com/mattjoyce/dexter/internal/workspace"
)

type parseFunc func(header http.Header, body []byte, mention string) (trigger, error)

var parsers = map[Source]parseFunc{
	SourceGitHub: parseGitHub,
	SourceJira:   parseJira,
}

// Server represents the webhook HTTP server.
type Server struct {
	config Config
	queue  JobQueuer
	logger *slog.Logger
	server *http.Server

	// endpoints maps URL paths to their configurations
	endpoints map[string]*EndpointConfig
}

// New creates a new webhook server instance.
func New(config Config, queue JobQueuer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Mention == "" {
		config.Mention = DefaultMention
	}

	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = defaultSignatureHeader(ep.Source)
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		queue:     queue,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}
	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook verifies, parses and enqueues one delivery.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(endpoint.SignatureHeader)
	if err := verifyHMACSignature(body, signature, endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed",
			"path", r.URL.Path,
			"header", endpoint.SignatureHeader,
			"signature_present", signature != "",
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	parse, ok := parsers[endpoint.Source]
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "endpoint misconfigured")
		return
	}
	trig, err := parse(r.Header, body, s.config.Mention)
	if err != nil {
		s.logger.Warn("webhook payload rejected", "path", r.URL.Path, "source", endpoint.Source, "error", err)
		msg := "invalid payload"
		if errors.Is(err, workspace.ErrInvalidKey) {
			msg = "cannot derive workspace key"
		}
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}
	if trig.Key == "" {
		s.logger.Debug("webhook delivery ignored", "path", r.URL.Path, "reason", trig.Reason)
		s.respondJSON(w, http.StatusAccepted, TriggerResponse{Status: "ignored", Reason: trig.Reason})
		return
	}

	payload, err := json.Marshal(queue.AgentRunPayload{
		Prompt:    trig.Prompt,
		Source:    string(endpoint.Source),
		SourceRef: trig.SourceRef,
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to encode job")
		return
	}

	req := queue.EnqueueRequest{
		Kind:         queue.KindAgentRun,
		WorkspaceKey: trig.Key,
		Payload:      payload,
		MaxAttempts:  s.config.MaxAttempts,
		SubmittedBy:  "webhook:" + string(endpoint.Source),
	}
	// Redelivery of the same comment collapses onto the pending job.
	if trig.SourceRef != "" {
		dedupe := "webhook:" + trig.SourceRef
		req.DedupeKey = &dedupe
	}

	resp := TriggerResponse{Status: "enqueued", WorkspaceKey: trig.Key}
	jobID, err := s.queue.Enqueue(ctx, req)
	var dedupe *queue.DedupeDropError
	switch {
	case errors.As(err, &dedupe):
		resp.Status = "deduplicated"
		resp.JobID = dedupe.ExistingJobID
	case err != nil:
		s.logger.Error("failed to enqueue webhook job",
			"path", r.URL.Path,
			"workspace_key", trig.Key,
			"error", err,
		)
		s.respondError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	default:
		resp.JobID = jobID
		s.logger.Info("webhook job enqueued",
			"path", r.URL.Path,
			"source", endpoint.Source,
			"workspace_key", trig.Key,
			"job_id", jobID,
		)
	}

	s.respondJSON(w, http.StatusAccepted, resp)
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
