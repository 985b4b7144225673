// Package ratelimit is the pass/fail gate consulted before ledger
// operations. It shares the conditional-update-with-TTL primitive with
// the single-use token store: a fixed window counter incremented
// atomically, over process memory or a shared Redis backend.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limit is one fixed-window budget.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Limiter answers whether a keyed caller may proceed.
type Limiter interface {
	// Allow consumes one request from the key's window budget and
	// reports whether it fit.
	Allow(ctx context.Context, key string) (bool, error)
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a fixed-window limiter over process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   Limit
	windows map[string]*window
}

func NewMemoryLimiter(limit Limit) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, windows: make(map[string]*window)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.limit.Window)}
		l.cleanupLocked(now)
		return true, nil
	}
	if w.count >= l.limit.Requests {
		return false, nil
	}
	w.count++
	return true, nil
}

func (l *MemoryLimiter) cleanupLocked(now time.Time) {
	if len(l.windows) < 4096 {
		return
	}
	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
