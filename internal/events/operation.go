package events

import (
	"context"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

// Operation event type constants.
const (
	TypeOperationChanged  = "operation_changed"
	TypeBlockerDetected   = string(core.NoticeBlockerDetected)
	TypeOperationQueued   = string(core.NoticeQueued)
	TypeOperationPromoted = string(core.NoticePromoted)
	TypeCreditsDepleted   = string(core.NoticeCreditsDepleted)
	TypeOperationStale    = string(core.NoticeStale)
	TypeViewsUpdated      = "views_updated"
	TypeBatchProgress     = "batch_progress"
)

// OperationChangedEvent mirrors a ledger change.
type OperationChangedEvent struct {
	BaseEvent
	Kind   core.ChangeKind       `json:"kind"`
	Record *core.OperationRecord `json:"record"`
	Remote bool                  `json:"remote"`
}

// NewOperationChangedEvent creates an event from a ledger change.
func NewOperationChangedEvent(ev core.ChangeEvent) OperationChangedEvent {
	e := OperationChangedEvent{
		BaseEvent: NewBaseEvent(TypeOperationChanged, string(ev.Record.ID)),
		Kind:      ev.Kind,
		Record:    ev.Record,
		Remote:    ev.Remote,
	}
	if !ev.At.IsZero() {
		e.Time = ev.At
	}
	return e
}

// NotificationEvent carries a human-facing notification. Its event type is the
// notification kind.
type NotificationEvent struct {
	BaseEvent
	Message string                `json:"message"`
	Record  *core.OperationRecord `json:"record,omitempty"`
	Blocker *core.OperationRecord `json:"blocker,omitempty"`
}

// NewNotificationEvent wraps a notification.
func NewNotificationEvent(n core.Notification) NotificationEvent {
	e := NotificationEvent{
		BaseEvent: NewBaseEvent(string(n.Kind), string(n.OperationID)),
		Message:   n.Message,
		Record:    n.Record,
		Blocker:   n.Blocker,
	}
	if !n.At.IsZero() {
		e.Time = n.At
	}
	return e
}

// ViewsUpdatedEvent is published by the observer whenever its projection changes.
type ViewsUpdatedEvent struct {
	BaseEvent
	Views interface{} `json:"views"`
}

// NewViewsUpdatedEvent creates a views event.
func NewViewsUpdatedEvent(views interface{}) ViewsUpdatedEvent {
	return ViewsUpdatedEvent{
		BaseEvent: NewBaseEvent(TypeViewsUpdated, ""),
		Views:     views,
	}
}

// BatchProgressEvent reports the tallies after a batch settles.
type BatchProgressEvent struct {
	BaseEvent
	Batch      int `json:"batch"`
	Processed  int `json:"processed"`
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Warnings   int `json:"warnings"`
}

// NewBatchProgressEvent creates a batch progress event.
func NewBatchProgressEvent(operationID string, batch, processed, total, successful, failed, warnings int) BatchProgressEvent {
	return BatchProgressEvent{
		BaseEvent:  NewBaseEvent(TypeBatchProgress, operationID),
		Batch:      batch,
		Processed:  processed,
		Total:      total,
		Successful: successful,
		Failed:     failed,
		Warnings:   warnings,
	}
}

// Notifier publishes notifications on the bus. Credit depletion and stale
// operations go out on the priority path.
type Notifier struct {
	bus *EventBus
}

// NewNotifier creates a bus-backed core.Notifier.
func NewNotifier(bus *EventBus) *Notifier {
	return &Notifier{bus: bus}
}

// Notify implements core.Notifier.
func (n *Notifier) Notify(_ context.Context, notice core.Notification) {
	if n == nil || n.bus == nil {
		return
	}
	ev := NewNotificationEvent(notice)
	switch notice.Kind {
	case core.NoticeCreditsDepleted, core.NoticeStale:
		n.bus.PublishPriority(ev)
	default:
		n.bus.Publish(ev)
	}
}
