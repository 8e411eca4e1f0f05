// Package control provides the cooperative pause/cancel token checked by
// long-running work at batch boundaries.
package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCancelled is returned once a plane has been cancelled.
var ErrCancelled = errors.New("operation cancelled")

// Plane carries pause and cancel requests to a running operation. Work in
// flight is never interrupted; the runner checks the plane between batches.
type Plane struct {
	mu        sync.RWMutex
	paused    atomic.Bool
	cancelled atomic.Bool
	reason    string
	pauseCh   chan struct{}
	resumeCh  chan struct{}
	cancelCh  chan struct{}
}

// New creates a Plane.
func New() *Plane {
	return &Plane{
		pauseCh:  make(chan struct{}),
		resumeCh: make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
}

// Pause asks the work to stop starting new batches until Resume.
func (p *Plane) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.paused.Load() {
		p.paused.Store(true)
		close(p.pauseCh)
		p.pauseCh = make(chan struct{})
	}
}

// Resume lets paused work continue.
func (p *Plane) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused.Load() {
		p.paused.Store(false)
		close(p.resumeCh)
		p.resumeCh = make(chan struct{})
	}
}

// Cancel asks the work to stop at the next boundary. It is idempotent; the
// first reason wins.
func (p *Plane) Cancel(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancelled.Load() {
		return
	}
	p.cancelled.Store(true)
	p.reason = reason
	close(p.cancelCh)
}

// IsPaused reports whether a pause is in effect.
func (p *Plane) IsPaused() bool {
	return p.paused.Load()
}

// IsCancelled reports whether Cancel was called.
func (p *Plane) IsCancelled() bool {
	return p.cancelled.Load()
}

// Reason returns the reason given to Cancel.
func (p *Plane) Reason() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reason
}

// Cancelled returns a channel closed on Cancel.
func (p *Plane) Cancelled() <-chan struct{} {
	return p.cancelCh
}

// WaitIfPaused blocks while paused. It returns ErrCancelled if the plane is
// cancelled before or during the wait, and ctx.Err() if ctx ends first.
func (p *Plane) WaitIfPaused(ctx context.Context) error {
	for {
		if p.cancelled.Load() {
			return ErrCancelled
		}
		if !p.paused.Load() {
			return nil
		}

		p.mu.RLock()
		resumeCh := p.resumeCh
		stillPaused := p.paused.Load()
		p.mu.RUnlock()
		if !stillPaused {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.cancelCh:
			return ErrCancelled
		case <-resumeCh:
		}
	}
}

// CheckCancelled returns ErrCancelled once the plane is cancelled.
func (p *Plane) CheckCancelled() error {
	if p.cancelled.Load() {
		return ErrCancelled
	}
	return nil
}

// PausedCh returns a channel that is closed when the plane is paused.
func (p *Plane) PausedCh() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.paused.Load() {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.pauseCh
}

// Status is a snapshot of the plane.
type Status struct {
	Paused    bool   `json:"paused"`
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason,omitempty"`
}

// Status returns the current control status.
func (p *Plane) Status() Status {
	return Status{
		Paused:    p.paused.Load(),
		Cancelled: p.cancelled.Load(),
		Reason:    p.Reason(),
	}
}
