package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/dexter/internal/events"
	"github.com/mattjoyce/dexter/internal/workspace"
)

// ErrAtCapacity is the error form of an AtCapacity admission, for callers
// that want to stop rather than reschedule.
var ErrAtCapacity = errors.New("session pool at capacity")

// Outcome is the result of an admission attempt.
type Outcome int

const (
	Admitted Outcome = iota + 1
	AtCapacity
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case AtCapacity:
		return "at_capacity"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Admission describes an admission decision. Workspace is only set when the
// key was admitted.
type Admission struct {
	Outcome   Outcome
	Workspace workspace.Workspace
	Reused    bool // the workspace already existed
	Restored  bool // session data was restored from the archive

	Count       int // active sessions when the decision was made
	MaxSessions int
}

// Err returns ErrAtCapacity for an AtCapacity admission and nil otherwise.
func (a Admission) Err() error {
	if a.Outcome == AtCapacity {
		return fmt.Errorf("%w: %d/%d active sessions", ErrAtCapacity, a.Count, a.MaxSessions)
	}
	return nil
}

// SessionCount counts workspaces that have an agent session. Workspaces that
// never ran the agent do not occupy a slot.
func (p *Pool) SessionCount(ctx context.Context) (int, error) {
	workspaces, err := p.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list workspaces: %w", err)
	}
	count := 0
	for _, ws := range workspaces {
		if p.store.HasSession(ws.Dir) {
			count++
		}
	}
	return count, nil
}

// CanCreateSession reports whether a new session fits under the soft cap.
// The cap is re-read on every call.
func (p *Pool) CanCreateSession(ctx context.Context) (bool, error) {
	ok, _, _, err := p.hasSlot(ctx)
	return ok, err
}

func (p *Pool) hasSlot(ctx context.Context) (bool, int, int, error) {
	settings, err := p.Settings(ctx)
	if err != nil {
		return false, 0, 0, err
	}
	count, err := p.SessionCount(ctx)
	if err != nil {
		return false, 0, 0, err
	}
	return count < settings.MaxSessions, count, settings.MaxSessions, nil
}

// Admit runs the admission protocol for key. An existing workspace is always
// admitted and its marker refreshed. A new workspace is created only when a
// slot is free; otherwise the result is AtCapacity and nothing is written.
// AtCapacity is not an error: the caller decides when to try again.
func (p *Pool) Admit(ctx context.Context, key string) (Admission, error) {
	if err := workspace.ValidateKey(key); err != nil {
		return Admission{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	logger := p.logger.With("workspace_key", key)

	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		return Admission{}, err
	}
	if exists {
		ws, err := p.store.GetOrCreate(ctx, key)
		if err != nil {
			return Admission{}, err
		}
		logger.Debug("session reused")
		p.events.Publish(events.SessionAdmitted, map[string]any{"key": key, "reused": true})
		return Admission{Outcome: Admitted, Workspace: ws, Reused: true}, nil
	}

	ok, count, maxSessions, err := p.hasSlot(ctx)
	if err != nil {
		return Admission{}, err
	}
	if !ok {
		logger.Info("session pool at capacity", "active_sessions", count, "max_sessions", maxSessions)
		p.events.Publish(events.SessionAtCapacity, map[string]any{
			"key":          key,
			"count":        count,
			"max_sessions": maxSessions,
		})
		return Admission{Outcome: AtCapacity, Count: count, MaxSessions: maxSessions}, nil
	}

	ws, err := p.store.GetOrCreate(ctx, key)
	if err != nil {
		return Admission{}, err
	}

	adm := Admission{Outcome: Admitted, Workspace: ws, Count: count, MaxSessions: maxSessions}
	if p.restoreOnAdmit {
		if adm.Restored, err = p.restore(ctx, ws); err != nil {
			// Drop the half-built workspace so the next attempt takes the
			// cold path and restores again.
			if _, cerr := p.store.Cleanup(ctx, key); cerr != nil {
				logger.Error("failed to clean up workspace after restore failure", "error", cerr)
			}
			return Admission{}, err
		}
	}

	logger.Info("session admitted", "active_sessions", count, "max_sessions", maxSessions, "restored", adm.Restored)
	p.events.Publish(events.SessionAdmitted, map[string]any{"key": key, "reused": false, "restored": adm.Restored})
	return adm, nil
}
