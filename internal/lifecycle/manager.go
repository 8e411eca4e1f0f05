// Package lifecycle moves operation records through their state machine.
// Every mutation is a conditional ledger update, so a caller acting on a
// record that another process already changed gets a conflict instead of
// overwriting it.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/events"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

// Progress is an incremental progress report. Counters are absolute values and
// may only grow; nil fields are left unchanged.
type Progress struct {
	CompletedItems *int
	FailedItems    *int
	// TotalItems may grow when the workload turns out larger than announced.
	TotalItems *int
	Error      *core.ErrorEntry
	Errors     []core.ErrorEntry
}

// Manager applies lifecycle mutations to the ledger.
type Manager struct {
	ledger   core.Ledger
	promoter core.Promoter
	bus      *events.EventBus
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithPromoter sets the hook called after a major operation finishes, so the
// next queued one starts without waiting for a sweep.
func WithPromoter(p core.Promoter) Option {
	return func(m *Manager) {
		m.promoter = p
	}
}

// WithEventBus publishes pause, resume and cancel requests on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Manager over ledger.
func New(ledger core.Ledger, opts ...Option) *Manager {
	m := &Manager{
		ledger: ledger,
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("lifecycle")
	return m
}

// SetPromoter installs the promotion hook after construction.
func (m *Manager) SetPromoter(p core.Promoter) {
	m.promoter = p
}

// UpdateProgress records progress on a non-terminal operation and refreshes its
// heartbeat. Decreasing counters or counters above the total are rejected.
func (m *Manager) UpdateProgress(ctx context.Context, id core.OperationID, p Progress) (*core.OperationRecord, error) {
	now := m.now()
	patch := core.Patch{
		TotalItems:     p.TotalItems,
		CompletedItems: p.CompletedItems,
		FailedItems:    p.FailedItems,
		HeartbeatAt:    &now,
	}
	if p.Error != nil {
		patch.AppendErrors = append(patch.AppendErrors, *p.Error)
	}
	patch.AppendErrors = append(patch.AppendErrors, p.Errors...)
	// Error messages are visible to every user of the ledger.
	for i := range patch.AppendErrors {
		patch.AppendErrors[i].Timestamp = now
		patch.AppendErrors[i].Error = m.logger.Sanitize(patch.AppendErrors[i].Error)
	}

	rec, err := m.ledger.Update(ctx, id, patch, core.NonTerminalStatuses...)
	if err != nil {
		return nil, fmt.Errorf("updating progress of %s: %w", id, err)
	}
	return rec, nil
}

// Heartbeat tells other processes the holder of a running or paused operation
// is still alive.
func (m *Manager) Heartbeat(ctx context.Context, id core.OperationID) (*core.OperationRecord, error) {
	now := m.now()
	rec, err := m.ledger.Update(ctx, id, core.Patch{HeartbeatAt: &now}, core.ActiveStatuses...)
	if err != nil {
		return nil, fmt.Errorf("heartbeat for %s: %w", id, err)
	}
	return rec, nil
}

// Complete finishes an operation. Completed and failed are only reachable from
// running; cancelled behaves like Cancel.
func (m *Manager) Complete(ctx context.Context, id core.OperationID, final core.OperationStatus) (*core.OperationRecord, error) {
	switch final {
	case core.StatusCompleted, core.StatusFailed:
	case core.StatusCancelled:
		return m.Cancel(ctx, id, "")
	default:
		return nil, core.ErrValidation(core.CodeInvalidRequest,
			fmt.Sprintf("final status must be completed, failed or cancelled, got %q", final))
	}

	now := m.now()
	rec, err := m.ledger.Update(ctx, id, core.Patch{Status: &final, CompletedAt: &now}, core.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("completing %s: %w", id, err)
	}
	m.logger.WithContext(ctx).WithOperation(string(id)).Info("operation finished",
		"status", rec.Status,
		"completed_items", rec.CompletedItems,
		"failed_items", rec.FailedItems,
	)
	m.afterTerminal(ctx, rec)
	return rec, nil
}

// Pause stops a running operation at its next batch boundary.
func (m *Manager) Pause(ctx context.Context, id core.OperationID, reason string) (*core.OperationRecord, error) {
	paused := core.StatusPaused
	rec, err := m.ledger.Update(ctx, id, core.Patch{Status: &paused}, core.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("pausing %s: %w", id, err)
	}
	m.logger.WithContext(ctx).WithOperation(string(id)).Info("operation paused", "reason", reason)
	m.publish(events.NewPauseRequestEvent(string(id), logging.ActorFromContext(ctx), reason))
	return rec, nil
}

// Resume restarts a paused operation. The start time and heartbeat are
// refreshed; a paused major operation keeps the slot, so no admission check
// is needed.
func (m *Manager) Resume(ctx context.Context, id core.OperationID) (*core.OperationRecord, error) {
	running := core.StatusRunning
	now := m.now()
	rec, err := m.ledger.Update(ctx, id, core.Patch{Status: &running, StartedAt: &now, HeartbeatAt: &now}, core.StatusPaused)
	if err != nil {
		return nil, fmt.Errorf("resuming %s: %w", id, err)
	}
	m.logger.WithContext(ctx).WithOperation(string(id)).Info("operation resumed")
	m.publish(events.NewResumeRequestEvent(string(id), logging.ActorFromContext(ctx)))
	return rec, nil
}

// Cancel abandons a queued, running or paused operation. Running work stops
// at its next batch boundary.
func (m *Manager) Cancel(ctx context.Context, id core.OperationID, reason string) (*core.OperationRecord, error) {
	cancelled := core.StatusCancelled
	now := m.now()
	rec, err := m.ledger.Update(ctx, id, core.Patch{Status: &cancelled, CompletedAt: &now}, core.NonTerminalStatuses...)
	if err != nil {
		return nil, fmt.Errorf("cancelling %s: %w", id, err)
	}
	m.logger.WithContext(ctx).WithOperation(string(id)).Info("operation cancelled", "reason", reason)
	m.publish(events.NewCancelRequestEvent(string(id), logging.ActorFromContext(ctx), reason))
	m.afterTerminal(ctx, rec)
	return rec, nil
}

// Get loads the current state of an operation.
func (m *Manager) Get(ctx context.Context, id core.OperationID) (*core.OperationRecord, error) {
	return m.ledger.Get(ctx, id)
}

// afterTerminal hands the freed major slot to the next queued operation.
// Promotion failures are logged; the periodic sweep retries them.
func (m *Manager) afterTerminal(ctx context.Context, rec *core.OperationRecord) {
	if m.promoter == nil || !rec.IsMajor() {
		return
	}
	promoted, err := m.promoter.PromoteNext(ctx)
	if err != nil {
		m.logger.Warn("promoting next queued operation", "after", rec.ID, "error", err)
		return
	}
	if promoted != nil {
		m.logger.Info("promoted next queued operation", "after", rec.ID, "promoted", promoted.ID)
	}
}

func (m *Manager) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
