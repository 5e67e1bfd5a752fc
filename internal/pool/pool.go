package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/dexter/internal/config"
	"github.com/mattjoyce/dexter/internal/events"
	"github.com/mattjoyce/dexter/internal/workspace"
)

// SettingsSource supplies the live pool settings.
type SettingsSource interface {
	PoolSettings(ctx context.Context) (config.PoolConfig, error)
}

// Archiver moves a workspace's session data to and from durable storage.
type Archiver interface {
	Archive(ctx context.Context, workDir, key string) (bool, error)
	Restore(ctx context.Context, workDir, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Options configures optional collaborators of a Pool.
type Options struct {
	Archiver       Archiver // nil disables archival
	ArchiveOnEvict bool
	RestoreOnAdmit bool
	Events         events.Publisher
	Logger         *slog.Logger
	Now            func() time.Time
}

// Pool is the session workspace pool.
type Pool struct {
	store    workspace.Store
	settings SettingsSource
	archiver Archiver

	archiveOnEvict bool
	restoreOnAdmit bool

	events events.Publisher
	logger *slog.Logger
	now    func() time.Time

	// mu serializes admission, eviction, pruning and deletion.
	mu sync.Mutex
}

// New constructs a Pool over store.
func New(store workspace.Store, settings SettingsSource, opts Options) *Pool {
	p := &Pool{
		store:          store,
		settings:       settings,
		archiver:       opts.Archiver,
		archiveOnEvict: opts.ArchiveOnEvict && opts.Archiver != nil,
		restoreOnAdmit: opts.RestoreOnAdmit && opts.Archiver != nil,
		events:         opts.Events,
		logger:         opts.Logger,
		now:            opts.Now,
	}
	if p.events == nil {
		p.events = events.Discard
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pool")
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Settings returns the current pool settings.
func (p *Pool) Settings(ctx context.Context) (config.PoolConfig, error) {
	s, err := p.settings.PoolSettings(ctx)
	if err != nil {
		return config.PoolConfig{}, fmt.Errorf("read pool settings: %w", err)
	}
	return s, nil
}

// Stats is the aggregate view of the pool for the administrative surface.
type Stats struct {
	Count              int `json:"count"`
	SoftCap            int `json:"soft_cap"`
	Available          int `json:"available"`
	PruneThresholdDays int `json:"prune_threshold_days"`
}

// Stats reports the active session count against the current soft cap.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	settings, err := p.Settings(ctx)
	if err != nil {
		return Stats{}, err
	}
	count, err := p.SessionCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Count:              count,
		SoftCap:            settings.MaxSessions,
		Available:          max(settings.MaxSessions-count, 0),
		PruneThresholdDays: settings.PruneThresholdDays,
	}, nil
}

// Touch refreshes the last-used marker of an existing workspace.
func (p *Pool) Touch(ctx context.Context, key string) error {
	ok, err := p.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("touch %q: %w", key, ErrNoWorkspace)
	}
	_, err = p.store.GetOrCreate(ctx, key)
	return err
}

// Delete removes the workspace and agent session of key. With purgeArchive
// the archived copy is removed too. Local cleanup failures are reported in
// the returned report, not as an error.
func (p *Pool) Delete(ctx context.Context, key string, purgeArchive bool) (workspace.CleanupReport, error) {
	if err := workspace.ValidateKey(key); err != nil {
		return workspace.CleanupReport{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	report, err := p.store.Cleanup(ctx, key)
	if err != nil {
		return report, err
	}

	if purgeArchive && p.archiver != nil {
		if err := p.archiver.Delete(ctx, key); err != nil {
			return report, fmt.Errorf("delete archive for %q: %w", key, err)
		}
	}

	p.events.Publish(events.SessionDeleted, map[string]any{
		"key":            key,
		"purged_archive": purgeArchive && p.archiver != nil,
	})
	return report, nil
}

// ArchiveSession archives the session data of an existing workspace. It
// returns false when archival is not configured or there is nothing to
// archive.
func (p *Pool) ArchiveSession(ctx context.Context, key string) (bool, error) {
	if err := workspace.ValidateKey(key); err != nil {
		return false, err
	}
	if p.archiver == nil {
		return false, nil
	}
	info, err := p.store.Inspect(ctx, key)
	if err != nil {
		return false, err
	}
	return p.archive(ctx, key, info.Dir)
}

// RestoreSession materializes the workspace of key and restores its archived
// session data into it, bypassing the soft cap. Used for operator repair.
func (p *Pool) RestoreSession(ctx context.Context, key string) (bool, error) {
	if err := workspace.ValidateKey(key); err != nil {
		return false, err
	}
	if p.archiver == nil {
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ws, err := p.store.GetOrCreate(ctx, key)
	if err != nil {
		return false, err
	}
	return p.restore(ctx, ws)
}

func (p *Pool) archive(ctx context.Context, key, dir string) (bool, error) {
	archived, err := p.archiver.Archive(ctx, dir, key)
	if err != nil {
		return false, fmt.Errorf("archive session %q: %w", key, err)
	}
	if archived {
		p.logger.Info("session archived", "workspace_key", key)
		p.events.Publish(events.SessionArchived, map[string]string{"key": key})
	}
	return archived, nil
}

func (p *Pool) restore(ctx context.Context, ws workspace.Workspace) (bool, error) {
	restored, err := p.archiver.Restore(ctx, ws.Dir, ws.Key)
	if err != nil {
		return false, fmt.Errorf("restore session %q: %w", ws.Key, err)
	}
	if restored {
		p.logger.Info("session restored from archive", "workspace_key", ws.Key)
		p.events.Publish(events.SessionRestored, map[string]string{"key": ws.Key})
	}
	return restored, nil
}
