/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"errors"
	"fmt"
	"time"
)

// Load-related admission outcomes. All of them are expected, recoverable by the caller
// and are never accompanied by internal retries.
var (
	// ErrOverloaded is returned by Admit when the active set and the overflow queue are both full.
	ErrOverloaded = errors.New("connection limit exceeded and queue is full")

	// ErrRateLimited is the errors.Is target for *RateLimitedError.
	ErrRateLimited = errors.New("client rate limit exceeded")

	// ErrQueueTimeout is returned by Admit when a queued attempt waited longer than the configured timeout.
	ErrQueueTimeout = errors.New("timed out waiting for a free connection slot")
)

// RateLimitedError is returned by Admit when the client's budget for the current window is exhausted.
type RateLimitedError struct {
	// RetryAfter tells when the budget will be available again.
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited.Error(), e.RetryAfter)
}

// Unwrap returns the next error in the error chain.
func (e *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// ContractViolationError signals misuse of the admission API: an empty client ID,
// a negative duration or a handle that is not currently active. It indicates a bug
// in the calling layer, not load, and is distinct from the admission outcomes above.
type ContractViolationError struct {
	Op     string
	Reason string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("%s contract violation: %s", e.Op, e.Reason)
}
