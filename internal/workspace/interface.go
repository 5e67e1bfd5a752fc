package workspace

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidKey is returned (wrapped) for any workspace key that could escape
// the workspace root or otherwise fails validation.
var ErrInvalidKey = errors.New("invalid workspace key")

// Workspace is the on-disk working directory owned by one workspace key.
type Workspace struct {
	Key string
	Dir string
}

// Info is the metadata derivable for a workspace by inspecting the filesystem.
//
// There is no index: every field is read from the workspace directory, its
// last-used marker, and the agent's own session directory.
type Info struct {
	Workspace
	CreatedAt  time.Time
	LastUsedAt time.Time
	HasSession bool
	SizeBytes  int64
}

// CleanupReport records the outcome of the two independent removals performed
// by Cleanup. Failures are reported here, never returned as errors.
type CleanupReport struct {
	Key                 string
	RemovedWorkspace    bool
	RemovedAgentSession bool
	WorkspaceErr        error
	AgentSessionErr     error
}

// Err aggregates the per-target removal failures, or nil if both succeeded.
func (r CleanupReport) Err() error {
	return errors.Join(r.AgentSessionErr, r.WorkspaceErr)
}

// Store governs the workspace root. Implementations must validate keys before
// touching storage.
type Store interface {
	// GetOrCreate materializes the workspace for key and refreshes its
	// last-used marker, even when the workspace already existed.
	GetOrCreate(ctx context.Context, key string) (Workspace, error)

	// Exists reports whether the workspace for key exists. It never touches
	// the marker.
	Exists(ctx context.Context, key string) (bool, error)

	// Cleanup removes the agent session directory and the workspace directory.
	// Only key validation errors are returned.
	Cleanup(ctx context.Context, key string) (CleanupReport, error)

	// HasSession reports whether the agent has a session directory for the
	// workspace at workspacePath.
	HasSession(workspacePath string) bool

	// AgentSessionDir returns the agent's session directory for workspacePath.
	AgentSessionDir(workspacePath string) string

	// List enumerates every workspace under the root.
	List(ctx context.Context) ([]Workspace, error)

	// Inspect derives metadata for the workspace identified by key.
	Inspect(ctx context.Context, key string) (Info, error)
}
