package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token-bucket rate limiter that replenishes tokens
// at a fixed rate.
type RateLimiter struct {
	rate     float64 // tokens per second
	burst    float64
	tokens   float64
	lastTime time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		burst:    1,
		tokens:   1, // start with one token available
		lastTime: time.Now(),
	}
}

// NewBurstLimiter creates a RateLimiter that refills perSecond tokens per
// second and holds at most perSecond tokens, starting full.
func NewBurstLimiter(perSecond int) *RateLimiter {
	return &RateLimiter{
		rate:     float64(perSecond),
		burst:    float64(perSecond),
		tokens:   float64(perSecond),
		lastTime: time.Now(),
	}
}

func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastTime).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastTime = now
}

// Allow takes a token if one is available without blocking.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill(time.Now())
	if rl.tokens >= 1 {
		rl.tokens -= 1
		return true
	}
	return false
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}

		// Wait a short interval before checking again.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
