package core

import (
	"os"
	"time"
)

// OperationID uniquely identifies an operation instance.
type OperationID string

// OperationType names the kind of work an operation performs.
// The set is closed per deployment but extensible through a TypeRegistry.
type OperationType string

const (
	OpRescoring         OperationType = "rescoring"
	OpUniverseRebuild   OperationType = "universe_rebuild"
	OpBulkEnrichment    OperationType = "bulk_enrichment"
	OpBulkScoring       OperationType = "bulk_scoring"
	OpContactEnrichment OperationType = "contact_enrichment"
	OpDealEnrichment    OperationType = "deal_enrichment"
	OpBuyerImport       OperationType = "buyer_import"
)

// Classification determines the exclusivity rules an operation is subject to.
type Classification string

const (
	ClassMajor Classification = "major"
	ClassMinor Classification = "minor"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	return c == ClassMajor || c == ClassMinor
}

// OperationStatus is the lifecycle state of an operation.
type OperationStatus string

const (
	StatusQueued    OperationStatus = "queued"
	StatusRunning   OperationStatus = "running"
	StatusPaused    OperationStatus = "paused"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// ActiveStatuses are the statuses that hold the exclusive major slot.
var ActiveStatuses = []OperationStatus{StatusRunning, StatusPaused}

// NonTerminalStatuses are the statuses a record can still leave.
var NonTerminalStatuses = []OperationStatus{StatusQueued, StatusRunning, StatusPaused}

// TerminalStatuses are the final statuses of a record.
var TerminalStatuses = []OperationStatus{StatusCompleted, StatusFailed, StatusCancelled}

// Valid reports whether s is a known status.
func (s OperationStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is completed, failed or cancelled.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether s occupies the major slot.
func (s OperationStatus) IsActive() bool {
	return s == StatusRunning || s == StatusPaused
}

var allowedTransitions = map[OperationStatus]map[OperationStatus]struct{}{
	StatusQueued: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusPaused:    {},
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusPaused: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to OperationStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ErrorEntry is one item-level failure in an operation's audit trail.
type ErrorEntry struct {
	ItemID    string    `json:"item_id" yaml:"item_id"`
	Error     string    `json:"error" yaml:"error"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// OperationRecord is one row of the shared operation ledger.
type OperationRecord struct {
	ID             OperationID     `json:"id" yaml:"id"`
	Seq            int64           `json:"seq" yaml:"seq"`
	Type           OperationType   `json:"operation_type" yaml:"operation_type" validate:"required"`
	Classification Classification  `json:"classification" yaml:"classification" validate:"required,oneof=major minor"`
	Status         OperationStatus `json:"status" yaml:"status" validate:"required,oneof=queued running paused completed failed cancelled"`
	TotalItems     int             `json:"total_items" yaml:"total_items" validate:"gte=0"`
	CompletedItems int             `json:"completed_items" yaml:"completed_items" validate:"gte=0"`
	FailedItems    int             `json:"failed_items" yaml:"failed_items" validate:"gte=0"`
	ErrorLog       []ErrorEntry    `json:"error_log" yaml:"error_log"`
	Context        map[string]any  `json:"context,omitempty" yaml:"context,omitempty"`
	Description    string          `json:"description" yaml:"description"`
	CreatedBy      string          `json:"created_by" yaml:"created_by" validate:"required"`
	QueuedAt       time.Time       `json:"queued_at" yaml:"queued_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	HeartbeatAt    *time.Time      `json:"heartbeat_at,omitempty" yaml:"heartbeat_at,omitempty"`
	HolderHost     string          `json:"holder_host,omitempty" yaml:"holder_host,omitempty"`
	HolderPID      int             `json:"holder_pid,omitempty" yaml:"holder_pid,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at" yaml:"updated_at"`
}

// IsMajor reports whether the record is subject to global exclusion.
func (r *OperationRecord) IsMajor() bool {
	return r.Classification == ClassMajor
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *OperationRecord) Clone() *OperationRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ErrorLog != nil {
		cp.ErrorLog = make([]ErrorEntry, len(r.ErrorLog))
		copy(cp.ErrorLog, r.ErrorLog)
	}
	if r.Context != nil {
		cp.Context = make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			cp.Context[k] = v
		}
	}
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.HeartbeatAt = cloneTime(r.HeartbeatAt)
	return &cp
}

// LastSignOfLife returns the most recent heartbeat, falling back to the start time.
func (r *OperationRecord) LastSignOfLife() time.Time {
	if r.HeartbeatAt != nil {
		return *r.HeartbeatAt
	}
	if r.StartedAt != nil {
		return *r.StartedAt
	}
	return r.QueuedAt
}

// Label is the human-readable name used in notifications.
func (r *OperationRecord) Label() string {
	if r.Description != "" {
		return r.Description
	}
	return string(r.Type)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Holder identifies the process that holds a running operation.
type Holder struct {
	Host string `json:"host"`
	PID  int    `json:"pid"`
}

// CurrentHolder describes the calling process.
func CurrentHolder() Holder {
	host, _ := os.Hostname()
	return Holder{Host: host, PID: os.Getpid()}
}
