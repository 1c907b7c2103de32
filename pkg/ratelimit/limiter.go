package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Degraded is set when the shared counter store could not be consulted
	// and the request was admitted without a global count.
	Degraded bool
}

// RetryAfter is the time left until the window resets, never longer than window.
func (d Decision) RetryAfter(now time.Time, window time.Duration) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	if window > 0 && wait > window {
		return window
	}
	return wait
}

// Limiter counts requests per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) Decision
	// Refund gives back one unit for key, e.g. after a successful login on a
	// policy that only counts failures.
	Refund(ctx context.Context, key string)
}

type InMemoryLimiter struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{
		now:   time.Now,
		items: make(map[string]entry),
	}
}

// WithClock replaces the time source; intended for tests.
func (l *InMemoryLimiter) WithClock(now func() time.Time) *InMemoryLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{resetAt: now.Add(window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

func (l *InMemoryLimiter) Refund(_ context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if curr, ok := l.items[key]; ok && curr.count > 0 {
		curr.count--
		l.items[key] = curr
	}
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
