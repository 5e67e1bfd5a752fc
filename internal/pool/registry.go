package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"
)

// ErrNoWorkspace is returned when an operation needs an existing workspace.
var ErrNoWorkspace = errors.New("workspace does not exist")

// SessionRecord is the derived view of one workspace. It is never stored.
type SessionRecord struct {
	Key                   string    `json:"key"`
	WorkspacePath         string    `json:"workspace_path"`
	CreatedAt             time.Time `json:"created_at"`
	LastUsedAt            time.Time `json:"last_used_at"`
	HasActiveAgentSession bool      `json:"has_session"`
	SizeBytes             int64     `json:"size_bytes"`
}

// ListSessions returns a record for every workspace, most recently used
// first. Equal timestamps are ordered by key so a scan is deterministic.
func (p *Pool) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	workspaces, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	records := make([]SessionRecord, 0, len(workspaces))
	for _, ws := range workspaces {
		info, err := p.store.Inspect(ctx, ws.Key)
		if errors.Is(err, fs.ErrNotExist) {
			// Removed between List and Inspect.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, SessionRecord{
			Key:                   info.Key,
			WorkspacePath:         info.Dir,
			CreatedAt:             info.CreatedAt,
			LastUsedAt:            info.LastUsedAt,
			HasActiveAgentSession: info.HasSession,
			SizeBytes:             info.SizeBytes,
		})
	}

	slices.SortFunc(records, func(a, b SessionRecord) int {
		if c := b.LastUsedAt.Compare(a.LastUsedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return records, nil
}

// Session returns the record for key, or ErrNoWorkspace.
func (p *Pool) Session(ctx context.Context, key string) (SessionRecord, error) {
	ok, err := p.store.Exists(ctx, key)
	if err != nil {
		return SessionRecord{}, err
	}
	if !ok {
		return SessionRecord{}, fmt.Errorf("session %q: %w", key, ErrNoWorkspace)
	}

	info, err := p.store.Inspect(ctx, key)
	if errors.Is(err, fs.ErrNotExist) {
		return SessionRecord{}, fmt.Errorf("session %q: %w", key, ErrNoWorkspace)
	}
	if err != nil {
		return SessionRecord{}, err
	}
	return SessionRecord{
		Key:                   info.Key,
		WorkspacePath:         info.Dir,
		CreatedAt:             info.CreatedAt,
		LastUsedAt:            info.LastUsedAt,
		HasActiveAgentSession: info.HasSession,
		SizeBytes:             info.SizeBytes,
	}, nil
}
