package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/dexter/internal/agent"
	"github.com/mattjoyce/dexter/internal/api"
	"github.com/mattjoyce/dexter/internal/archive"
	"github.com/mattjoyce/dexter/internal/auth"
	"github.com/mattjoyce/dexter/internal/config"
	"github.com/mattjoyce/dexter/internal/dispatch"
	"github.com/mattjoyce/dexter/internal/doctor"
	"github.com/mattjoyce/dexter/internal/events"
	"github.com/mattjoyce/dexter/internal/lock"
	"github.com/mattjoyce/dexter/internal/log"
	"github.com/mattjoyce/dexter/internal/pool"
	"github.com/mattjoyce/dexter/internal/queue"
	"github.com/mattjoyce/dexter/internal/scheduler"
	"github.com/mattjoyce/dexter/internal/storage"
	"github.com/mattjoyce/dexter/internal/webhook"
	"github.com/mattjoyce/dexter/internal/workspace"
)

// poolDeps is the session pool with the collaborators it was built from.
type poolDeps struct {
	store   *workspace.FSStore
	pool    *pool.Pool
	archive *archive.Store // nil when archival is disabled
}

// buildPool wires the workspace store, the optional S3 archive and the pool.
func buildPool(ctx context.Context, cfg *config.Config, settings pool.SettingsSource, pub events.Publisher, logger *slog.Logger) (*poolDeps, error) {
	store, err := workspace.NewFSStore(cfg.Workspace.Root, workspace.FSOptions{
		AgentHome:   cfg.Agent.Home,
		ProjectsDir: cfg.Agent.ProjectsDir,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("workspace store: %w", err)
	}

	deps := &poolDeps{store: store}
	opts := pool.Options{Events: pub, Logger: logger}

	if cfg.Archive.Enabled() {
		client, err := archive.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("archive client: %w", err)
		}
		deps.archive, err = archive.New(client, archive.Options{
			Bucket:        cfg.Archive.Bucket,
			Prefix:        cfg.Archive.Prefix,
			SessionSubdir: cfg.Agent.SessionSubdir,
			Timeout:       cfg.Archive.Timeout,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("archive store: %w", err)
		}
		opts.Archiver = deps.archive
		opts.ArchiveOnEvict = cfg.Archive.OnEvict
		opts.RestoreOnAdmit = cfg.Archive.RestoreOnAdmit
	}

	deps.pool = pool.New(store, settings, opts)
	return deps, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("dexter starting", "version", version, "config", path)

	preflight := doctor.New(cfg).Validate()
	for _, w := range preflight.Warnings {
		logger.Warn("config warning", "category", w.Category, "field", w.Field, "message", w.Message)
	}
	if !preflight.Valid {
		for _, e := range preflight.Errors {
			logger.Error("config error", "category", e.Category, "field", e.Field, "message", e.Message)
		}
		return 1
	}

	lockPath := lock.PathFor(cfg.Workspace.Root)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	watcher, err := config.NewWatcher(path, cfg, log.WithComponent("config"))
	if err != nil {
		logger.Error("failed to watch config", "error", err)
		return 1
	}
	defer watcher.Close()

	hub := events.NewHub(256)
	q := queue.New(db)

	deps, err := buildPool(ctx, cfg, watcher, hub, log.Get())
	if err != nil {
		logger.Error("failed to build session pool", "error", err)
		return 1
	}

	runner, err := agent.NewExecRunner(cfg.Agent, log.Get())
	if err != nil {
		logger.Error("failed to configure agent", "error", err)
		return 1
	}

	sched := scheduler.New(cfg, q, watcher, hub, log.Get())
	disp := dispatch.New(q, deps.pool, runner, cfg, hub)

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return componentErr("dispatcher", disp.Start(gctx))
	})

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen:      cfg.API.Listen,
			APIKey:      cfg.API.Auth.APIKey,
			Tokens:      tokens,
			MaxAttempts: cfg.Retry.MaxAttempts,
		}, q, deps.pool, hub, log.WithComponent("api"))
		g.Go(func() error {
			return componentErr("api", apiServer.Start(gctx))
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		webhookConfig, err := webhook.FromGlobalConfig(cfg.Webhooks, cfg.Retry.MaxAttempts)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			return 1
		}
		webhookServer := webhook.New(webhookConfig, q, log.WithComponent("webhook"))
		g.Go(func() error {
			return componentErr("webhook", webhookServer.Start(gctx))
		})
		logger.Info("webhook server enabled", "listen", webhookConfig.Listen, "endpoints", len(webhookConfig.Endpoints))
	}

	logger.Info("dexter running (press Ctrl+C to stop)",
		"workspace_root", deps.store.Root(),
		"max_sessions", cfg.Pool.MaxSessions,
		"archive", cfg.Archive.Enabled(),
	)

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("dexter stopped")
	return 0
}

// componentErr drops the cancellation every component returns on shutdown.
func componentErr(name string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}
