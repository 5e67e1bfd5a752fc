// Package dispatch consumes the job queue and executes session work.
//
// The dispatcher dequeues one job at a time and is the only writer of the
// workspace root. Job kinds:
//
//   - agent.run: admit the workspace key, run the agent in the workspace,
//     refresh the last-used marker and optionally archive the session
//   - session.delete: remove the workspace, the agent session and optionally
//     the archived copy
//   - session.evict: reclaim the least recently used active session
//   - session.prune: reclaim every session idle past the threshold
//
// Capacity handling:
//   - An AtCapacity admission is not a failure. The job is deferred with
//     exponential backoff (retry.backoff_base doubling per deferral, capped
//     at retry.backoff_max) and its attempt counter is left alone
//   - With pool.evict_on_capacity a deduplicated session.evict job is
//     enqueued first, so the deferred run finds a free slot
//
// Failure handling:
//   - Invalid keys and malformed payloads fail the job without retry
//   - Agent errors, timeouts and storage errors are retried with backoff
//     until max_attempts; the final status is timed_out or dead
//
// Agent timeouts follow SIGTERM, a 5s grace period, then SIGKILL.
package dispatch
