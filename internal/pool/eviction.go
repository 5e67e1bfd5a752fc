package pool

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/dexter/internal/events"
)

// OldestSession returns the least recently used session that has an agent
// session, or nil. Workspaces without an agent session hold no slot and are
// never candidates.
func (p *Pool) OldestSession(ctx context.Context) (*SessionRecord, error) {
	records, err := p.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	return oldestActive(records), nil
}

func oldestActive(records []SessionRecord) *SessionRecord {
	var oldest *SessionRecord
	for i := range records {
		rec := &records[i]
		if !rec.HasActiveAgentSession {
			continue
		}
		if oldest == nil {
			oldest = rec
			continue
		}
		c := rec.LastUsedAt.Compare(oldest.LastUsedAt)
		if c < 0 || (c == 0 && cmp.Less(rec.Key, oldest.Key)) {
			oldest = rec
		}
	}
	return oldest
}

// EvictOldest removes the least recently used active session and returns its
// key, or "" when nothing is evictable. With archive-on-evict the session is
// archived first; an archive failure is logged and the slot is still freed.
func (p *Pool) EvictOldest(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	oldest, err := p.OldestSession(ctx)
	if err != nil {
		return "", err
	}
	if oldest == nil {
		p.logger.Debug("no evictable session")
		return "", nil
	}

	if err := p.reclaim(ctx, *oldest); err != nil {
		return "", err
	}

	p.logger.Info("session evicted", "workspace_key", oldest.Key, "last_used_at", oldest.LastUsedAt)
	p.events.Publish(events.SessionEvicted, map[string]any{
		"key":          oldest.Key,
		"last_used_at": oldest.LastUsedAt,
	})
	return oldest.Key, nil
}

// PruneInactive removes every session last used strictly before
// now - thresholdDays, whether or not it has an agent session. It returns
// the pruned keys in scan order. A session whose cleanup fails is kept and
// the scan continues.
func (p *Pool) PruneInactive(ctx context.Context, thresholdDays int) ([]string, error) {
	if thresholdDays < 1 {
		return nil, fmt.Errorf("prune threshold must be at least 1 day (got %d)", thresholdDays)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-time.Duration(thresholdDays) * 24 * time.Hour)
	records, err := p.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	var pruned []string
	for _, rec := range records {
		if !rec.LastUsedAt.Before(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		if err := p.reclaim(ctx, rec); err != nil {
			p.logger.Error("failed to prune session", "workspace_key", rec.Key, "error", err)
			continue
		}
		pruned = append(pruned, rec.Key)
		p.events.Publish(events.SessionPruned, map[string]any{
			"key":          rec.Key,
			"last_used_at": rec.LastUsedAt,
		})
	}

	p.logger.Info("prune completed", "threshold_days", thresholdDays, "cutoff", cutoff, "pruned", len(pruned))
	return pruned, nil
}

// reclaim archives (when configured) and cleans up one session. Archive
// failures and partial cleanups are logged and do not fail the reclaim.
func (p *Pool) reclaim(ctx context.Context, rec SessionRecord) error {
	if p.archiveOnEvict {
		if _, err := p.archive(ctx, rec.Key, rec.WorkspacePath); err != nil {
			p.logger.Error("archive failed, reclaiming without archive", "workspace_key", rec.Key, "error", err)
			p.events.Publish(events.SessionArchiveFailed, map[string]string{"key": rec.Key, "error": err.Error()})
		}
	}
	report, err := p.store.Cleanup(ctx, rec.Key)
	if err != nil {
		return err
	}
	if cerr := report.Err(); cerr != nil {
		p.logger.Warn("session cleanup incomplete", "workspace_key", rec.Key, "error", cerr)
	}
	return nil
}
