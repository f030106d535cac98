package orchestrator

import (
	"context"
	"sync"
	"time"
)

// RateLimiter spaces provider calls at a fixed interval. The mutex stays held
// across the wait so callers are granted slots strictly one at a time; the
// first call proceeds immediately.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewRateLimiter allows ratePerMin calls per minute. A rate of zero degrades
// to one call per interval cap (60s) rather than dividing by zero.
func NewRateLimiter(ratePerMin int) *RateLimiter {
	interval := time.Minute
	if ratePerMin > 0 {
		interval = time.Minute / time.Duration(ratePerMin)
	}
	return &RateLimiter{
		interval: interval,
		last:     time.Now().Add(-interval),
	}
}

// Acquire blocks until the next slot opens or ctx is done.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.last.Add(l.interval)
	if wait := time.Until(next); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	l.last = time.Now()
	return nil
}
