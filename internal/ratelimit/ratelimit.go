// Package ratelimit throttles expensive thread operations per caller.
//
// MemoryLimiter is an in-process token bucket. A shared store can stand in
// for it across replicas; Limiter is the contract the HTTP layer depends on.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. Keys are built by
	// the caller, e.g. "sub:<subject>" or "ip:<addr>". An error means the
	// limiter itself is broken; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// RetryAfter estimates how long key must wait for its next token.
	RetryAfter(key string) time.Duration

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) RetryAfter(string) time.Duration { return 0 }

func (NoopLimiter) Close() error { return nil }
