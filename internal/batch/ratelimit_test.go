package batch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiter_Acquire(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{RatePerSecond: 10, Burst: 3})
	ctx := context.Background()

	// Bucket starts full
	start := time.Now()
	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("first acquire should be immediate")
	}

	limiter.TryAcquire()
	limiter.TryAcquire()

	start = time.Now()
	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	// 10 tokens/second means roughly 100ms for the next one
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("acquire should wait for refill, elapsed = %v", elapsed)
	}
}

func TestRateLimiter_TryAcquire(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{RatePerSecond: 0.1, Burst: 2})

	if !limiter.TryAcquire() {
		t.Error("first TryAcquire should succeed")
	}
	if !limiter.TryAcquire() {
		t.Error("second TryAcquire should succeed")
	}
	if limiter.TryAcquire() {
		t.Error("third TryAcquire should fail")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{RatePerSecond: 10, Burst: 5})

	for limiter.TryAcquire() {
	}
	if initial := limiter.Available(); initial > 0.5 {
		t.Errorf("Available after drain = %v, want ~0", initial)
	}

	time.Sleep(200 * time.Millisecond)
	if after := limiter.Available(); after < 1.5 {
		t.Errorf("Available after 200ms = %v, want ~2", after)
	}
}

func TestRateLimiter_ContextCancellation(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{RatePerSecond: 0.01, Burst: 1})
	limiter.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want deadline exceeded", err)
	}
}

func TestRateLimiter_NilIsUnlimited(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{})
	if limiter != nil {
		t.Fatal("expected nil limiter for zero rate")
	}
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Errorf("nil Acquire() error = %v", err)
	}
	if !limiter.TryAcquire() {
		t.Error("nil TryAcquire should always succeed")
	}
	limiter.Throttled()
	limiter.Succeeded()
}

func TestRateLimiter_ThrottledAndRecovery(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{RatePerSecond: 10, Burst: 1})

	limiter.Throttled()
	if got := limiter.RefillRate(); got != 5 {
		t.Errorf("rate after throttle = %v, want 5", got)
	}
	for i := 0; i < 10; i++ {
		limiter.Throttled()
	}
	if got := limiter.RefillRate(); got != 1 {
		t.Errorf("rate floor = %v, want 1", got)
	}

	for i := 0; i < 10; i++ {
		limiter.Succeeded()
	}
	if got := limiter.RefillRate(); got < 1.09 || got > 1.11 {
		t.Errorf("rate after 10 successes = %v, want 1.1", got)
	}
	for i := 0; i < 1000; i++ {
		limiter.Succeeded()
	}
	if got := limiter.RefillRate(); got != 10 {
		t.Errorf("rate ceiling = %v, want 10", got)
	}
}
