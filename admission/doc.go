/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package admission provides connection admission control to bound how many
// requests are processed concurrently and to queue overflow instead of
// dropping it outright.
//
// The package implements a Manager that owns the admission decision, the set
// of active connections and the overflow queue. Admission attempts that cannot
// be served immediately wait in a bounded FIFO queue until a slot is released,
// the wait deadline elapses or the caller cancels. A per-client rate limit is
// consulted on admission and re-validated when a queued attempt is promoted.
// Completed requests feed a Recorder that maintains O(1) aggregate statistics.
//
// Key features:
//   - Configurable concurrency ceiling with bounded FIFO overflow queue
//   - Per-client rate limiting via a pluggable limiter
//   - Race-free arbitration between promotion, timeout and cancellation
//   - Lazy and periodic removal of expired queued attempts
//   - Non-blocking statistics snapshots
package admission
