package batch

import (
	"context"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/events"
	"github.com/hugo-lorenzo-mato/opsgate/internal/lifecycle"
)

// BatchReport carries the cumulative tallies after a batch settles plus the
// item errors of that batch only.
type BatchReport struct {
	Batch           int
	Batches         int
	Processed       int
	Total           int
	Successful      int
	Failed          int
	Warnings        int
	CreditsDepleted bool
	Errors          []core.ErrorEntry
}

// ProgressSink receives one report per settled batch.
type ProgressSink interface {
	BatchSettled(ctx context.Context, report BatchReport) error
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(ctx context.Context, report BatchReport) error

// BatchSettled implements ProgressSink.
func (f ProgressSinkFunc) BatchSettled(ctx context.Context, report BatchReport) error {
	return f(ctx, report)
}

// LedgerSink writes batch progress to an operation record. Successful and
// warning items both count as completed.
type LedgerSink struct {
	lifecycle *lifecycle.Manager
	id        core.OperationID
	bus       *events.EventBus
}

// NewLedgerSink creates a sink for the record id. bus may be nil.
func NewLedgerSink(m *lifecycle.Manager, id core.OperationID, bus *events.EventBus) *LedgerSink {
	return &LedgerSink{lifecycle: m, id: id, bus: bus}
}

// BatchSettled implements ProgressSink.
func (s *LedgerSink) BatchSettled(ctx context.Context, r BatchReport) error {
	completed := r.Successful + r.Warnings
	failed := r.Failed
	if _, err := s.lifecycle.UpdateProgress(ctx, s.id, lifecycle.Progress{
		CompletedItems: &completed,
		FailedItems:    &failed,
		Errors:         r.Errors,
	}); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(events.NewBatchProgressEvent(string(s.id),
			r.Batch, r.Processed, r.Total, r.Successful, r.Failed, r.Warnings))
	}
	return nil
}
