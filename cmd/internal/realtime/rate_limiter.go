package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter backed by a ring of
// the last limit event times.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	count  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter; non-positive inputs fall back to
// the package defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow reports whether an event at now is within the limit, and records it
// if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.ring) {
		// The oldest recorded event sits where the next one would go.
		oldest := r.ring[r.next]
		if now.Sub(oldest) < r.window {
			return false
		}
		r.count--
	}

	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	r.count++
	return true
}
