package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is the in-process fallback used when no Redis address
// is configured. Single-instance deployments only.
type MemoryLimiter struct {
	mu           sync.Mutex
	limit        int
	window       time.Duration
	entries      map[string][]time.Time
	lastCleanup  time.Time
	cleanupEvery time.Duration
}

// NewMemory creates an in-process sliding window limiter.
func NewMemory(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryLimiter{
		limit:        limit,
		window:       window,
		entries:      map[string][]time.Time{},
		lastCleanup:  time.Now(),
		cleanupEvery: window,
	}
}

func (l *MemoryLimiter) Check(_ context.Context, key string, now time.Time) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) >= l.cleanupEvery {
		for k, stamps := range l.entries {
			if kept := trim(stamps, now.Add(-l.window)); len(kept) == 0 {
				delete(l.entries, k)
			} else {
				l.entries[k] = kept
			}
		}
		l.lastCleanup = now
	}

	stamps := trim(l.entries[key], now.Add(-l.window))

	if len(stamps) >= l.limit {
		l.entries[key] = stamps
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   stamps[0].Add(l.window),
		}, nil
	}

	stamps = append(stamps, now)
	l.entries[key] = stamps
	return Decision{
		Allowed:   true,
		Remaining: l.limit - len(stamps),
		ResetAt:   stamps[0].Add(l.window),
	}, nil
}

// trim drops timestamps at or before cutoff; stamps are appended in
// order, so the slice stays sorted.
func trim(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	return stamps[idx:]
}
