package reconciler

import (
	"sync"
	"time"
)

// DefaultFailureThreshold is how many consecutive failed sweeps open the breaker.
const DefaultFailureThreshold = 3

// Breaker stops the periodic sweep after repeated storage failures. Once open
// it stays open until Reset; a later successful sweep only clears the count.
type Breaker struct {
	mu            sync.RWMutex
	threshold     int
	failures      int
	open          bool
	lastFailureAt time.Time
	now           func() time.Time
}

// NewBreaker creates a breaker. A threshold <= 0 uses DefaultFailureThreshold.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Breaker{threshold: threshold, now: time.Now}
}

// RecordSuccess clears the consecutive failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// RecordFailure counts a failed sweep and reports whether it tripped the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureAt = b.now()
	if b.failures >= b.threshold && !b.open {
		b.open = true
		return true
	}
	return false
}

// IsOpen reports whether sweeps are halted.
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.open
}

// Threshold returns the number of consecutive failures that opens the breaker.
func (b *Breaker) Threshold() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.threshold
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
	b.lastFailureAt = time.Time{}
}

// State returns the failure count, whether the breaker is open, and when the
// last failure happened.
func (b *Breaker) State() (failures int, open bool, lastFailure time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failures, b.open, b.lastFailureAt
}
