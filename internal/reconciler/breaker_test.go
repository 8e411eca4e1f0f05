package reconciler

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_DefaultThreshold(t *testing.T) {
	for _, threshold := range []int{0, -1} {
		if got := NewBreaker(threshold).Threshold(); got != DefaultFailureThreshold {
			t.Errorf("NewBreaker(%d).Threshold() = %d, want %d", threshold, got, DefaultFailureThreshold)
		}
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := NewBreaker(2)

	if b.RecordFailure() {
		t.Fatal("first failure must not trip")
	}
	if b.IsOpen() {
		t.Fatal("breaker should still be closed")
	}
	if !b.RecordFailure() {
		t.Fatal("second failure should trip")
	}
	if !b.IsOpen() {
		t.Fatal("breaker should be open")
	}
	if b.RecordFailure() {
		t.Fatal("an open breaker does not trip again")
	}

	failures, open, last := b.State()
	if failures != 3 || !open || last.IsZero() {
		t.Errorf("State() = %d, %v, %v", failures, open, last)
	}
}

func TestBreaker_SuccessDoesNotClose(t *testing.T) {
	b := NewBreaker(1)
	b.RecordFailure()
	b.RecordSuccess()

	if !b.IsOpen() {
		t.Fatal("only Reset closes an open breaker")
	}
	failures, _, _ := b.State()
	if failures != 0 {
		t.Errorf("failures = %d, want 0", failures)
	}

	b.Reset()
	failures, open, last := b.State()
	if failures != 0 || open || !last.IsZero() {
		t.Errorf("after Reset: %d, %v, %v", failures, open, last)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(3)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.IsOpen() {
		t.Fatal("failures were not consecutive")
	}
}

func TestBreaker_LastFailureUsesClock(t *testing.T) {
	b := NewBreaker(5)
	at := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)
	b.now = func() time.Time { return at }
	b.RecordFailure()

	if _, _, last := b.State(); !last.Equal(at) {
		t.Errorf("last failure = %v, want %v", last, at)
	}
}

func TestBreaker_Concurrent(t *testing.T) {
	b := NewBreaker(50)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.RecordFailure()
			} else {
				b.IsOpen()
				b.State()
			}
		}(i)
	}
	wg.Wait()

	if !b.IsOpen() {
		t.Error("50 failures should open a breaker with threshold 50")
	}
}
