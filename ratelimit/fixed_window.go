/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FixedWindowLimiter implements fixed window rate limiting algorithm.
// Each key gets a budget of maxRate.Count uses; once the budget is exhausted,
// further uses are denied until the window of maxRate.Duration elapses,
// at which point the budget resets wholesale.
type FixedWindowLimiter struct {
	maxRate Rate

	mu       sync.Mutex
	getState func(key string) *fixedWindowState
	evict    func(now time.Time, staleAfter time.Duration) int
}

type fixedWindowState struct {
	remaining int
	resetAt   time.Time
}

// NewFixedWindowLimiter creates a new fixed window rate limiter.
// If maxKeys is 0, all keys share a single budget. Otherwise per-key budgets are
// kept in an LRU zone of maxKeys entries; an identity evicted under key pressure
// starts a fresh window on its next use.
func NewFixedWindowLimiter(maxRate Rate, maxKeys int) (*FixedWindowLimiter, error) {
	if maxRate.Count <= 0 {
		return nil, fmt.Errorf("rate count should be positive, got %d", maxRate.Count)
	}
	if maxRate.Duration <= 0 {
		return nil, fmt.Errorf("rate duration should be positive, got %v", maxRate.Duration)
	}
	if maxKeys < 0 {
		return nil, fmt.Errorf("max keys should not be negative, got %d", maxKeys)
	}

	l := &FixedWindowLimiter{maxRate: maxRate}

	if maxKeys == 0 {
		state := &fixedWindowState{}
		l.getState = func(_ string) *fixedWindowState { return state }
		l.evict = func(_ time.Time, _ time.Duration) int { return 0 }
		return l, nil
	}

	store, err := lru.New[string, *fixedWindowState](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	l.getState = func(key string) *fixedWindowState {
		if state, ok := store.Get(key); ok {
			return state
		}
		state := &fixedWindowState{}
		if prev, ok, _ := store.PeekOrAdd(key, state); ok {
			return prev
		}
		return state
	}
	l.evict = func(now time.Time, staleAfter time.Duration) int {
		evicted := 0
		for _, key := range store.Keys() {
			state, ok := store.Peek(key)
			if !ok {
				continue
			}
			if !state.resetAt.IsZero() && now.Sub(state.resetAt) > staleAfter {
				store.Remove(key)
				evicted++
			}
		}
		return evicted
	}
	return l, nil
}

// Allow checks if the request should be allowed based on the rate limit.
// The budget is consumed only when the request is allowed.
func (l *FixedWindowLimiter) Allow(_ context.Context, key string) (allow bool, retryAfter time.Duration, err error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.getState(key)
	if !now.Before(state.resetAt) {
		state.remaining = l.maxRate.Count
		state.resetAt = now.Add(l.maxRate.Duration)
	}
	if state.remaining > 0 {
		state.remaining--
		return true, 0, nil
	}
	return false, state.resetAt.Sub(now), nil
}

// EvictStaleKeys removes per-key states whose window expired more than staleAfter ago
// and returns the number of removed entries. It is intended to be called periodically
// to keep stale identities from occupying the key zone.
func (l *FixedWindowLimiter) EvictStaleKeys(staleAfter time.Duration) int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evict(now, staleAfter)
}
