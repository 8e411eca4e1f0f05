package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

// Memory is a ledger held in process memory. A single mutex serialises every
// write, which makes AdmitMajor and PromoteMajor atomic.
type Memory struct {
	mu      sync.Mutex
	records map[core.OperationID]*core.OperationRecord
	seq     int64
	closed  bool
	opts    options
	hub     *hub
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Memory{
		records: make(map[core.OperationID]*core.OperationRecord),
		opts:    o,
		hub:     newHub(o.bus, o.logger),
	}
}

// Insert implements core.Ledger.
func (m *Memory) Insert(_ context.Context, rec *core.OperationRecord) (core.OperationID, error) {
	m.mu.Lock()
	stored, err := m.insertLocked(rec)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	m.hub.emit(core.ChangeEvent{Kind: core.ChangeInserted, Record: stored, At: stored.UpdatedAt})
	return stored.ID, nil
}

func (m *Memory) insertLocked(rec *core.OperationRecord) (*core.OperationRecord, error) {
	if m.closed {
		return nil, errClosed
	}
	if rec == nil {
		return nil, core.ErrValidation(core.CodeInvalidRecord, "record is required")
	}
	stored := rec.Clone()
	if err := core.PrepareInsert(stored, core.OperationID(m.opts.newID()), m.opts.now()); err != nil {
		return nil, err
	}
	if stored.IsMajor() && stored.Status.IsActive() {
		if holder := m.activeMajorLocked(); holder != nil {
			return nil, core.ErrSlotOccupied(holder.ID)
		}
	}
	m.seq++
	stored.Seq = m.seq
	m.records[stored.ID] = stored
	return stored.Clone(), nil
}

// Update implements core.Ledger.
func (m *Memory) Update(_ context.Context, id core.OperationID, patch core.Patch, expected ...core.OperationStatus) (*core.OperationRecord, error) {
	m.mu.Lock()
	updated, err := m.updateLocked(id, patch, expected)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.hub.emit(core.ChangeEvent{Kind: core.ChangeUpdated, Record: updated, At: updated.UpdatedAt})
	return updated, nil
}

func (m *Memory) updateLocked(id core.OperationID, patch core.Patch, expected []core.OperationStatus) (*core.OperationRecord, error) {
	if m.closed {
		return nil, errClosed
	}
	current, ok := m.records[id]
	if !ok {
		return nil, core.ErrNotFound("operation", string(id))
	}
	next := current.Clone()
	if err := core.ApplyConditional(next, patch, expected, m.opts.now()); err != nil {
		return nil, err
	}
	if next.IsMajor() && next.Status.IsActive() && !current.Status.IsActive() {
		if holder := m.activeMajorLocked(); holder != nil && holder.ID != id {
			return nil, core.ErrSlotOccupied(holder.ID)
		}
	}
	m.records[id] = next
	return next.Clone(), nil
}

// Get implements core.Ledger.
func (m *Memory) Get(_ context.Context, id core.OperationID) (*core.OperationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, core.ErrNotFound("operation", string(id))
	}
	return rec.Clone(), nil
}

// Query implements core.Ledger.
func (m *Memory) Query(_ context.Context, filter core.Filter) ([]*core.OperationRecord, error) {
	m.mu.Lock()
	out := make([]*core.OperationRecord, 0, len(m.records))
	for _, rec := range m.records {
		if filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	m.mu.Unlock()

	core.SortRecords(out, filter.Order)
	return filter.ApplyLimit(out), nil
}

// Subscribe implements core.Ledger.
func (m *Memory) Subscribe(fn func(core.ChangeEvent)) func() {
	return m.hub.subscribe(fn)
}

// AdmitMajor implements core.Ledger.
func (m *Memory) AdmitMajor(_ context.Context, rec *core.OperationRecord) (*core.OperationRecord, *core.OperationRecord, error) {
	if rec == nil {
		return nil, nil, core.ErrValidation(core.CodeInvalidRecord, "record is required")
	}
	if !rec.IsMajor() {
		return nil, nil, core.ErrValidation(core.CodeInvalidRecord,
			fmt.Sprintf("admission requires a major operation, got %q", rec.Classification))
	}

	m.mu.Lock()
	candidate := rec.Clone()
	blocker := m.activeMajorLocked()
	prepareAdmission(candidate, blocker, m.opts.now())
	stored, err := m.insertLocked(candidate)
	m.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	m.hub.emit(core.ChangeEvent{Kind: core.ChangeInserted, Record: stored, At: stored.UpdatedAt})
	return stored, blocker.Clone(), nil
}

// PromoteMajor implements core.Ledger.
func (m *Memory) PromoteMajor(_ context.Context, id core.OperationID, holder core.Holder) (*core.OperationRecord, error) {
	m.mu.Lock()
	promoted, err := m.promoteLocked(id, holder)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.hub.emit(core.ChangeEvent{Kind: core.ChangeUpdated, Record: promoted, At: promoted.UpdatedAt})
	return promoted, nil
}

func (m *Memory) promoteLocked(id core.OperationID, holder core.Holder) (*core.OperationRecord, error) {
	if m.closed {
		return nil, errClosed
	}
	current, ok := m.records[id]
	if !ok {
		return nil, core.ErrNotFound("operation", string(id))
	}
	if err := checkPromotable(current, m.activeMajorLocked(), m.queueHeadLocked()); err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := core.ApplyPatch(next, promotionPatch(m.opts.now(), holder), m.opts.now()); err != nil {
		return nil, err
	}
	m.records[id] = next
	return next.Clone(), nil
}

// Close implements core.Ledger. Later writes fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) activeMajorLocked() *core.OperationRecord {
	var found *core.OperationRecord
	for _, rec := range m.records {
		if rec.IsMajor() && rec.Status.IsActive() {
			if found == nil || rec.Seq < found.Seq {
				found = rec
			}
		}
	}
	return found
}

func (m *Memory) queueHeadLocked() *core.OperationRecord {
	queued := make([]*core.OperationRecord, 0)
	for _, rec := range m.records {
		if rec.IsMajor() && rec.Status == core.StatusQueued {
			queued = append(queued, rec)
		}
	}
	if len(queued) == 0 {
		return nil
	}
	core.SortRecords(queued, core.OrderFIFO)
	return queued[0]
}
