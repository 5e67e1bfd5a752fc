// Package api serves the administrative HTTP surface of the session pool.
//
// Reads (session listings, job status) go straight to the pool and queue.
// Every mutation is enqueued as a job so the dispatcher stays the only
// writer of the workspace root.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/dexter/internal/auth"
	"github.com/mattjoyce/dexter/internal/events"
	"github.com/mattjoyce/dexter/internal/pool"
	"github.com/mattjoyce/dexter/internal/queue"
)

// JobQueuer defines the interface for job queue operations
type JobQueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	GetJobByID(ctx context.Context, jobID string) (*queue.Job, error)
	Depth(ctx context.Context) (int, error)
}

// SessionReader is the read side of the session pool.
type SessionReader interface {
	ListSessions(ctx context.Context) ([]pool.SessionRecord, error)
	Session(ctx context.Context, key string) (pool.SessionRecord, error)
	Stats(ctx context.Context) (pool.Stats, error)
}

// EventSource feeds the /events stream.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
	LastID() int64
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens      []auth.TokenConfig
	MaxAttempts int // for enqueued agent runs
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	queue     JobQueuer
	sessions  SessionReader
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, q JobQueuer, sessions SessionReader, ev EventSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		queue:     q,
		sessions:  sessions,
		events:    ev,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams indefinitely
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated ops endpoint.
		r.Get("/healthz", s.handleHealthz)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			read := s.requireScopes(auth.ScopeSessionsRO, auth.ScopeSessionsRW)
			write := s.requireScopes(auth.ScopeSessionsRW)

			r.With(read).Get("/sessions", s.handleListSessions)
			r.With(write).Post("/sessions/prune", s.handlePrune)
			r.With(write).Post("/sessions/evict", s.handleEvict)
			r.With(read).Get("/sessions/{key}", s.handleGetSession)
			r.With(write).Delete("/sessions/{key}", s.handleDeleteSession)
			r.With(write).Post("/sessions/{key}/runs", s.handleRun)
			r.With(s.requireScopes(auth.ScopeJobsRO, auth.ScopeJobsRW)).Get("/jobs/{jobID}", s.handleGetJob)
			r.With(read).Get("/events", s.handleEvents)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
