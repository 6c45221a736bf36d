// Package ratelimit provides fixed-window counters for action caps.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow or Peek call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts events per key within a fixed window.
// Peek reports what the next Allow would decide without counting an event.
type Limiter interface {
	Allow(key string, limit int) Decision
	Peek(key string, limit int) Decision
}

// InMemoryLimiter is a process-local fixed-window limiter.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
	now    func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

// NewInMemory creates a limiter with the given window.
func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
		now:    time.Now,
	}
}

// Allow counts one event for key and reports whether it is within limit.
func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
	curr, ok := l.items[key]
	if !ok {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

// Peek implements Limiter. Count is the number of events already in the window.
func (l *InMemoryLimiter) Peek(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	return peekDecision(curr.count, limit, curr.resetAt)
}

func peekDecision(count, limit int, resetAt time.Time) Decision {
	d := decide(count+1, limit, resetAt)
	d.Count = count
	return d
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
