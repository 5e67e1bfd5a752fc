// Package pool manages the bounded set of per-key session workspaces.
//
// It derives session records from a workspace.Store, admits new sessions
// under a soft cap that is re-read from a SettingsSource on every decision,
// evicts the least-recently-used active session on demand, and prunes
// sessions idle past a threshold. When an Archiver is configured, eviction
// and pruning archive the in-workspace session data first and cold
// admissions restore it.
//
// A Pool serializes its own mutations, and the process holds a PID lock on
// the workspace root, so there is a single writer. Listing is still a
// filesystem scan that is not serialized with marker writes: a session can
// be touched after the scan that selected it for eviction, and is then
// evicted anyway. The marker is refreshed on every admission, so with a
// sensibly sized cap this only affects sessions that were about to become
// the least recently used.
package pool
