package logger

import (
	"sync"
	"time"
)

// RateLimiter lets one event per key through per interval. Keys are limited
// independently, so a noisy source never silences a quiet one.
type RateLimiter struct {
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	last       map[string]time.Time
	suppressed map[string]int
}

// NewRateLimiter creates a limiter allowing one event per key per interval.
// A zero or negative interval allows everything.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return NewRateLimiterWithClock(interval, time.Now)
}

// NewRateLimiterWithClock is NewRateLimiter reading time from now
func NewRateLimiterWithClock(interval time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		interval:   interval,
		now:        now,
		last:       make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// Allow reports whether an event for key may be emitted. When it may, the
// second result is the number of events for key held back since the last one
// got through. A nil limiter allows everything.
func (r *RateLimiter) Allow(key string) (bool, int) {
	if r == nil || r.interval <= 0 {
		return true, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if last, seen := r.last[key]; seen && now.Sub(last) < r.interval {
		r.suppressed[key]++
		return false, 0
	}
	r.last[key] = now
	dropped := r.suppressed[key]
	delete(r.suppressed, key)
	return true, dropped
}
