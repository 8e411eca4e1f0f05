package core

import (
	"context"
	"time"
)

// =============================================================================
// Ledger Port
// =============================================================================

// Ledger is the durable, observable record of every operation.
// All client processes read and mutate the same ledger; every state change goes
// through a conditional Update or one of the atomic admission primitives.
type Ledger interface {
	// Insert creates a new record and returns its assigned ID.
	// Fails with a validation error if required fields are missing.
	Insert(ctx context.Context, rec *OperationRecord) (OperationID, error)

	// Update applies a partial update. When expected statuses are given and the
	// stored status is not one of them, Update fails with a stale-state error and
	// leaves the record unchanged.
	Update(ctx context.Context, id OperationID, patch Patch, expected ...OperationStatus) (*OperationRecord, error)

	// Get loads a single record.
	Get(ctx context.Context, id OperationID) (*OperationRecord, error)

	// Query lists records matching the filter.
	Query(ctx context.Context, filter Filter) ([]*OperationRecord, error)

	// Subscribe invokes fn on every insert and update. The returned function
	// removes the subscription.
	Subscribe(fn func(ChangeEvent)) (unsubscribe func())

	// AdmitMajor inserts rec as running when no major operation is running or
	// paused, and as queued otherwise, in one atomic step. The blocker is
	// returned when the record was queued.
	AdmitMajor(ctx context.Context, rec *OperationRecord) (admitted, blocker *OperationRecord, err error)

	// PromoteMajor moves a queued major record to running, atomically checking
	// that the major slot is free and that the record heads the FIFO queue.
	PromoteMajor(ctx context.Context, id OperationID, holder Holder) (*OperationRecord, error)

	// Close releases the underlying store.
	Close() error
}

// Patch is a partial update of an OperationRecord. Nil fields are left untouched.
type Patch struct {
	Status         *OperationStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	HeartbeatAt    *time.Time
	TotalItems     *int
	CompletedItems *int
	FailedItems    *int
	AppendErrors   []ErrorEntry
	Holder         *Holder
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.StartedAt == nil && p.CompletedAt == nil &&
		p.HeartbeatAt == nil && p.TotalItems == nil && p.CompletedItems == nil &&
		p.FailedItems == nil && len(p.AppendErrors) == 0 && p.Holder == nil
}

// Order selects how Query sorts its results.
type Order int

const (
	// OrderSeq sorts by ledger insertion order.
	OrderSeq Order = iota
	// OrderFIFO sorts by queued_at ascending, ties broken by insertion order.
	OrderFIFO
	// OrderRecentlyFinished sorts by completed_at descending, newest first.
	OrderRecentlyFinished
)

// Filter selects records in Query. Empty slices match everything.
type Filter struct {
	IDs             []OperationID
	Classifications []Classification
	Statuses        []OperationStatus
	Types           []OperationType
	CreatedBy       string
	Order           Order
	Limit           int
}

// ChangeKind describes a ledger mutation.
type ChangeKind string

const (
	ChangeInserted ChangeKind = "inserted"
	ChangeUpdated  ChangeKind = "updated"
)

// ChangeEvent is delivered to ledger subscribers after every mutation.
type ChangeEvent struct {
	Kind   ChangeKind       `json:"kind"`
	Record *OperationRecord `json:"record"`
	At     time.Time        `json:"at"`
	// Remote is set when the change was made by another process and picked up
	// by polling or an external notifier.
	Remote bool `json:"remote"`
}

// =============================================================================
// Notification Port
// =============================================================================

// NotificationKind names a human-facing event surfaced to the host application.
type NotificationKind string

const (
	NoticeBlockerDetected NotificationKind = "blocker_detected"
	NoticeQueued          NotificationKind = "operation_queued"
	NoticePromoted        NotificationKind = "operation_promoted"
	NoticeCreditsDepleted NotificationKind = "credits_depleted"
	NoticeStale           NotificationKind = "operation_stale"
)

// Notification is a human-readable event for UI rendering.
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	OperationID OperationID      `json:"operation_id"`
	Message     string           `json:"message"`
	Record      *OperationRecord `json:"record,omitempty"`
	Blocker     *OperationRecord `json:"blocker,omitempty"`
	At          time.Time        `json:"at"`
}

// Notifier receives notifications. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// NopNotifier discards every notification.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Notification) {}

// =============================================================================
// Promotion Port
// =============================================================================

// Promoter starts the next queued major operation once the slot frees up.
type Promoter interface {
	PromoteNext(ctx context.Context) (*OperationRecord, error)
}
