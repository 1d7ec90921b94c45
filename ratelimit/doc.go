/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides rate limiting functionality to control how often
// individual clients may consume capacity over time.
//
// All limiters implement the Limiter interface and track consumption per key
// (typically a client identity). When a limit is exceeded, Allow reports how
// long the caller should wait before retrying.
//
// Key features:
//   - Fixed window, sliding window, leaky bucket (GCRA) and token bucket algorithms
//   - Configurable limits per key or globally
//   - LRU-based key management for memory efficiency
package ratelimit
