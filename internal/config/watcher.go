package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher serves the pool settings from the config file, reloading them when
// the file changes on disk. Change notifications come from fsnotify on the
// config directory; the file's mtime and size are still compared on every
// read in case the notifier is unavailable. A reload that fails to parse or
// validate is logged and the last good settings stay in effect.
type Watcher struct {
	path   string
	logger *slog.Logger

	notify *fsnotify.Watcher
	dirty  atomic.Bool

	mu      sync.Mutex
	modTime time.Time
	size    int64
	current PoolConfig
}

// NewWatcher returns a Watcher for configPath seeded with the settings of an
// already loaded cfg.
func NewWatcher(configPath string, cfg *Config, logger *slog.Logger) (*Watcher, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		path:    absPath,
		logger:  logger.With("component", "config"),
		current: cfg.Pool,
	}
	if info, err := os.Stat(absPath); err == nil {
		w.modTime = info.ModTime()
		w.size = info.Size()
	}
	w.startNotify()
	return w, nil
}

// startNotify watches the config directory rather than the file so that
// editors which replace the file by rename are still seen.
func (w *Watcher) startNotify() {
	nw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file notifications unavailable, polling config file", "error", err)
		return
	}
	if err := nw.Add(filepath.Dir(w.path)); err != nil {
		_ = nw.Close()
		w.logger.Warn("file notifications unavailable, polling config file", "path", w.path, "error", err)
		return
	}
	w.notify = nw
	go w.notifyLoop(nw)
}

func (w *Watcher) notifyLoop(nw *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-nw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == w.path {
				w.dirty.Store(true)
			}
		case err, ok := <-nw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config file watch error", "error", err)
		}
	}
}

// Close stops file notifications. PoolSettings keeps working afterwards.
func (w *Watcher) Close() error {
	if w.notify == nil {
		return nil
	}
	return w.notify.Close()
}

// PoolSettings returns the current pool settings.
func (w *Watcher) PoolSettings(ctx context.Context) (PoolConfig, error) {
	if err := ctx.Err(); err != nil {
		return PoolConfig{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config file unavailable, keeping previous pool settings", "path", w.path, "error", err)
		return w.current, nil
	}
	changed := w.dirty.Swap(false)
	if !changed && info.ModTime().Equal(w.modTime) && info.Size() == w.size {
		return w.current, nil
	}

	w.modTime = info.ModTime()
	w.size = info.Size()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous pool settings", "path", w.path, "error", err)
		return w.current, nil
	}

	if cfg.Pool != w.current {
		w.logger.Info("pool settings reloaded",
			"max_sessions", cfg.Pool.MaxSessions,
			"prune_threshold_days", cfg.Pool.PruneThresholdDays,
			"prune_interval_days", cfg.Pool.PruneIntervalDays,
		)
	}
	w.current = cfg.Pool
	return w.current, nil
}

// StaticPool serves fixed pool settings, for one-shot CLI commands and tests.
type StaticPool PoolConfig

// PoolSettings returns the fixed settings.
func (s StaticPool) PoolSettings(ctx context.Context) (PoolConfig, error) {
	if err := ctx.Err(); err != nil {
		return PoolConfig{}, err
	}
	return PoolConfig(s), nil
}
