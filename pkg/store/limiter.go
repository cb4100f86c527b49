package store

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter bounds storage operations globally and per owner.
type RateLimiter struct {
	global *rate.Limiter
	owners map[string]*rate.Limiter
	mu     sync.Mutex

	opsPerSecond float64
	burst        int
}

// NewRateLimiter creates a limiter allowing opsPerSecond with the given burst,
// both in total and for each owner.
func NewRateLimiter(opsPerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		global:       rate.NewLimiter(rate.Limit(opsPerSecond), burst),
		owners:       make(map[string]*rate.Limiter),
		opsPerSecond: opsPerSecond,
		burst:        burst,
	}
}

// Wait blocks until an operation for owner may proceed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, owner string) error {
	if err := rl.global.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if owner == "" {
		return nil
	}
	if err := rl.ownerLimiter(owner).Wait(ctx); err != nil {
		return fmt.Errorf("owner rate limit: %w", err)
	}
	return nil
}

// Allow reports whether an operation for owner may proceed now.
func (rl *RateLimiter) Allow(owner string) bool {
	if !rl.global.Allow() {
		return false
	}
	if owner == "" {
		return true
	}
	return rl.ownerLimiter(owner).Allow()
}

// Forget drops the per-owner limiter, typically after a logout purge.
func (rl *RateLimiter) Forget(owner string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.owners, owner)
}

func (rl *RateLimiter) ownerLimiter(owner string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.owners[owner]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rl.opsPerSecond), rl.burst)
		rl.owners[owner] = limiter
	}
	return limiter
}
