package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPlane_PauseResume(t *testing.T) {
	p := New()

	if p.IsPaused() {
		t.Error("should not be paused initially")
	}

	p.Pause()
	p.Pause()
	if !p.IsPaused() {
		t.Error("should be paused after Pause()")
	}

	p.Resume()
	p.Resume()
	if p.IsPaused() {
		t.Error("should not be paused after Resume()")
	}
}

func TestPlane_WaitIfPaused(t *testing.T) {
	p := New()
	ctx := context.Background()

	start := time.Now()
	if err := p.WaitIfPaused(ctx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Error("should return immediately when not paused")
	}

	p.Pause()
	done := make(chan error, 1)
	go func() { done <- p.WaitIfPaused(ctx) }()

	select {
	case <-done:
		t.Fatal("should be waiting")
	case <-time.After(50 * time.Millisecond):
	}

	p.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error after resume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("should have resumed")
	}
}

func TestPlane_CancelUnblocksWait(t *testing.T) {
	p := New()
	p.Pause()

	done := make(chan error, 1)
	go func() { done <- p.WaitIfPaused(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("expected WaitIfPaused to block, got err=%v", err)
	case <-time.After(50 * time.Millisecond):
	}

	p.Cancel("operator request")

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected WaitIfPaused to unblock after cancel")
	}
}

func TestPlane_Cancel(t *testing.T) {
	p := New()

	if err := p.CheckCancelled(); err != nil {
		t.Errorf("should not return error initially: %v", err)
	}

	p.Cancel("first")
	p.Cancel("second")

	if !p.IsCancelled() {
		t.Error("should be cancelled")
	}
	if !errors.Is(p.CheckCancelled(), ErrCancelled) {
		t.Error("CheckCancelled should return ErrCancelled")
	}
	if p.Reason() != "first" {
		t.Errorf("Reason() = %q, want first", p.Reason())
	}
	select {
	case <-p.Cancelled():
	default:
		t.Error("Cancelled() should be closed")
	}
	if err := p.WaitIfPaused(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Errorf("WaitIfPaused after cancel = %v", err)
	}
}

func TestPlane_Status(t *testing.T) {
	p := New()
	if s := p.Status(); s.Paused || s.Cancelled {
		t.Errorf("unexpected initial status %+v", s)
	}

	p.Pause()
	p.Cancel("stop")
	s := p.Status()
	if !s.Paused || !s.Cancelled || s.Reason != "stop" {
		t.Errorf("unexpected status %+v", s)
	}
}

func TestPlane_PausedCh(t *testing.T) {
	p := New()

	ch := p.PausedCh()
	select {
	case <-ch:
		t.Error("channel should not be closed when not paused")
	default:
	}

	p.Pause()
	select {
	case <-ch:
	default:
		t.Error("channel taken before Pause should close on Pause")
	}
	select {
	case <-p.PausedCh():
	default:
		t.Error("channel should be closed when paused")
	}
}

func TestPlane_WaitIfPaused_ContextCancellation(t *testing.T) {
	p := New()
	p.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := p.WaitIfPaused(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestPlane_ConcurrentToggles(t *testing.T) {
	p := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); p.Pause() }()
		go func() { defer wg.Done(); p.Resume() }()
	}
	wg.Wait()
	p.Resume()

	if err := p.WaitIfPaused(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
