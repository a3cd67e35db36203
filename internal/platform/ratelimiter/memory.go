package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter applies the fixed-window semantics at process-local scope
// and periodically evicts expired windows.
type MemoryLimiter struct {
	mu    sync.Mutex
	byKey map[string]*window
	hits  uint64
	now   func() time.Time
}

type window struct {
	count  int
	expiry time.Time
}

func NewMemory() *MemoryLimiter {
	return &MemoryLimiter{
		byKey: make(map[string]*window),
		now:   time.Now,
	}
}

func newMemoryWithClock(now func() time.Time) *MemoryLimiter {
	l := NewMemory()
	l.now = now
	return l
}

func (l *MemoryLimiter) Check(_ context.Context, key string, limit int, windowSize time.Duration) (Result, error) {
	if limit <= 0 || windowSize <= 0 {
		return Result{Allowed: false}, ErrStorageUnavailable
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.byKey[key]
	if !ok || !now.Before(w.expiry) {
		// First request in a window: count and expiry are set under the
		// same lock, so concurrent firsts cannot both skip the expiry.
		w = &window{count: 0, expiry: now.Add(windowSize)}
		l.byKey[key] = w
	}
	w.count++

	l.hits++
	if l.hits%512 == 0 {
		for k, v := range l.byKey {
			if !now.Before(v.expiry) {
				delete(l.byKey, k)
			}
		}
	}

	retryAfter := w.expiry.Sub(now)
	if w.count > limit {
		return Result{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}
	return Result{Allowed: true, Remaining: limit - w.count, RetryAfter: retryAfter}, nil
}
