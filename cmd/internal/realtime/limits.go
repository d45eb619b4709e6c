package realtime

import (
	"sync"
	"time"
)

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10

	// Max concurrent subscriptions per connection.
	maxSubscriptions = 64

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound frames per window.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// RateLimiter is a per-connection sliding-window limiter over a fixed ring of timestamps.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow reports whether an event at now is permitted. The slot being overwritten holds the
// limit-th most recent event; if it is still inside the window the limit is reached.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldest := r.ring[r.next]
	if !oldest.IsZero() && now.Sub(oldest) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}
