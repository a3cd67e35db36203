// Package ratelimiter guards identity-proving operations with a fixed-window
// counter. The redis-backed limiter is authoritative; a process-local
// fallback preserves the same semantics when redis is not configured.
package ratelimiter

import (
	"context"
	"errors"
	"time"
)

// ErrStorageUnavailable means the backing store could not answer. Callers on
// security-sensitive paths must treat this as a denial, never as an allow.
var ErrStorageUnavailable = errors.New("ratelimiter: backing store unavailable")

// Result reports the outcome of one Check call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter keyed by caller-chosen strings.
type Limiter interface {
	// Check consumes one unit for key. The first request in a window sets
	// both the count and the window expiry as a single atomic step.
	Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}
