package router

import (
	"sync"
	"time"
)

// RateLimiter implements a per-socket fixed window limit and counts the
// violations of each socket.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	clients map[string]*ClientLimit
}

// ClientLimit tracks rate limiting for a single socket.
type ClientLimit struct {
	messageCount int
	windowStart  time.Time
	violations   int
}

// NewRateLimiter allows limit messages per minute per socket.
func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = 100
	}
	return &RateLimiter{
		limit:   limit,
		window:  time.Minute,
		now:     time.Now,
		clients: make(map[string]*ClientLimit),
	}
}

// Allow checks if the socket may send another message.
func (rl *RateLimiter) Allow(socketID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	limit, exists := rl.clients[socketID]
	if !exists {
		rl.clients[socketID] = &ClientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if now.Sub(limit.windowStart) >= rl.window {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}
	if limit.messageCount >= rl.limit {
		return false
	}
	limit.messageCount++
	return true
}

// Violation records a protocol violation and returns the socket's total.
func (rl *RateLimiter) Violation(socketID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limit, exists := rl.clients[socketID]
	if !exists {
		limit = &ClientLimit{windowStart: rl.now()}
		rl.clients[socketID] = limit
	}
	limit.violations++
	return limit.violations
}

// Forget drops the state of a closed socket.
func (rl *RateLimiter) Forget(socketID string) {
	rl.mu.Lock()
	delete(rl.clients, socketID)
	rl.mu.Unlock()
}

// Size returns the number of tracked sockets.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
