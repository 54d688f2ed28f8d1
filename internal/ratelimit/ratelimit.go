package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter admits at most limit calls per key in each fixed window
type RateLimiter struct {
	mu      sync.Mutex
	tokens  map[string]int
	resetAt map[string]time.Time
	limit   int
	window  time.Duration
}

// New creates a RateLimiter. A limit of zero or less disables limiting.
func New(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		tokens:  make(map[string]int),
		resetAt: make(map[string]time.Time),
		limit:   limit,
		window:  window,
	}
}

// Allow reports whether key may make another call and consumes a token if so
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	last, exists := rl.resetAt[key]

	// Refill once the window has passed
	if !exists || now.Sub(last) >= rl.window {
		rl.tokens[key] = rl.limit
		rl.resetAt[key] = now
	}

	if rl.tokens[key] > 0 {
		rl.tokens[key]--
		return true
	}
	return false
}

// Forget drops the state kept for key
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.tokens, key)
	delete(rl.resetAt, key)
}

// Limit returns the configured calls per window
func (rl *RateLimiter) Limit() int {
	return rl.limit
}
