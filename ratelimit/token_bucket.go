/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// TokenBucketLimiter implements token bucket rate limiting algorithm.
// Tokens refill continuously at maxRate; up to 1+maxBurst requests may be served back-to-back
// before refill pacing kicks in.
type TokenBucketLimiter struct {
	getLimiter func(key string) *rate.Limiter
	maxRate    Rate
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
func NewTokenBucketLimiter(maxRate Rate, maxBurst, maxKeys int) (*TokenBucketLimiter, error) {
	if maxBurst < 0 {
		return nil, fmt.Errorf("max burst should not be negative, got %d", maxBurst)
	}

	limit := rate.Limit(float64(maxRate.Count) / maxRate.Duration.Seconds())
	burst := 1 + maxBurst
	newLimiter := func() *rate.Limiter {
		return rate.NewLimiter(limit, burst)
	}

	if maxKeys == 0 {
		lim := newLimiter()
		return &TokenBucketLimiter{
			maxRate:    maxRate,
			getLimiter: func(_ string) *rate.Limiter { return lim },
		}, nil
	}

	store, err := lru.New[string, *rate.Limiter](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return &TokenBucketLimiter{
		maxRate: maxRate,
		getLimiter: func(key string) *rate.Limiter {
			if lim, ok := store.Get(key); ok {
				return lim
			}
			lim := newLimiter()
			if prev, ok, _ := store.PeekOrAdd(key, lim); ok {
				return prev
			}
			return lim
		},
	}, nil
}

// Allow checks if the request should be allowed based on the rate limit.
func (l *TokenBucketLimiter) Allow(_ context.Context, key string) (allow bool, retryAfter time.Duration, err error) {
	res := l.getLimiter(key).Reserve()
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return false, d, nil
	}
	return true, 0, nil
}
