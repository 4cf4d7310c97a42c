package app

import (
	"sync"
	"time"
)

const (
	loginAttempts = 5
	loginWindow   = time.Minute
)

// rateLimiter is a sliding-window limiter. The control API uses one to
// throttle credential sign-ins so a local caller cannot hammer the backend
// login endpoint.
type rateLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = loginAttempts
	}
	if window <= 0 {
		window = loginWindow
	}
	return &rateLimiter{
		events: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// Allow records an event at now if the window has room. When it does not,
// retryAfter is how long until the oldest event ages out.
func (r *rateLimiter) Allow(now time.Time) (ok bool, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst

	if len(r.events) >= r.limit {
		return false, r.events[0].Sub(cut)
	}
	r.events = append(r.events, now)
	return true, 0
}
