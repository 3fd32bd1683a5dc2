package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket: tokens refill at a fixed rate and
// accumulate up to the bucket's burst capacity while idle.
type RateLimiter struct {
	rate   float64 // tokens per second
	burst  float64 // bucket capacity
	tokens float64
	last   time.Time
	mu     sync.Mutex
}

// NewRateLimiter allows perMinute operations per minute with no burst
// headroom: at most one call passes immediately after an idle stretch.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewBurstLimiter(perMinute, 1)
}

// NewBurstLimiter allows perMinute operations per minute, banking up to
// burst unused tokens so short spikes pass without waiting. The bucket
// starts full.
func NewBurstLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.tokens += now.Sub(rl.last).Seconds() * rl.rate
		if rl.tokens > rl.burst {
			rl.tokens = rl.burst
		}
		rl.last = now

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		// Sleep for the remaining deficit instead of polling.
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
