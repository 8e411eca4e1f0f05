package batch

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared by the items of a run. Every item takes
// one token before process is called.
type RateLimiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	minRate    float64
	maxRate    float64
	lastRefill time.Time
	calm       int
	mu         sync.Mutex
}

// RateLimiterConfig configures a rate limiter.
type RateLimiterConfig struct {
	RatePerSecond float64
	Burst         int
}

// DefaultRateLimiterConfig matches the search provider's documented ceiling
// of 50 requests per second.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RatePerSecond: 50,
		Burst:         50,
	}
}

// NewRateLimiter creates a limiter whose bucket starts full. A non-positive
// rate returns nil, which callers treat as unlimited.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.RatePerSecond <= 0 {
		return nil
	}
	burst := float64(cfg.Burst)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		tokens:     burst,
		maxTokens:  burst,
		refillRate: cfg.RatePerSecond,
		minRate:    cfg.RatePerSecond * 0.1,
		maxRate:    cfg.RatePerSecond,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a token is available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil {
		return ctx.Err()
	}
	for {
		r.mu.Lock()
		r.refill()

		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - r.tokens) / r.refillRate * float64(time.Second))
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire takes a token without blocking.
func (r *RateLimiter) TryAcquire() bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Available returns the current number of tokens.
func (r *RateLimiter) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens
}

// RefillRate returns the current refill rate.
func (r *RateLimiter) RefillRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refillRate
}

// Throttled halves the refill rate, down to a tenth of the configured rate.
// Clients call it when a provider answers 429.
func (r *RateLimiter) Throttled() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calm = 0
	r.refillRate = max(r.refillRate*0.5, r.minRate)
}

// Succeeded records an accepted request. Every ten in a row raise the rate by
// 10%, never above the configured rate.
func (r *RateLimiter) Succeeded() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calm++
	if r.calm >= 10 {
		r.calm = 0
		r.refillRate = min(r.refillRate*1.1, r.maxRate)
	}
}

func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill)
	r.lastRefill = now
	r.tokens = min(r.maxTokens, r.tokens+elapsed.Seconds()*r.refillRate)
}
