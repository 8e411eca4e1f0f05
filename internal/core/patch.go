package core

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// CheckExpected returns a stale-state error when rec's status is not in expected.
// An empty expected list accepts any status.
func CheckExpected(rec *OperationRecord, expected []OperationStatus) error {
	if len(expected) == 0 || slices.Contains(expected, rec.Status) {
		return nil
	}
	return ErrStaleState(rec.ID, rec.Status, expected)
}

// ApplyConditional is the update path shared by every ledger backend. A terminal
// record rejects the write with a terminal-state error before the expected
// statuses are consulted.
func ApplyConditional(rec *OperationRecord, p Patch, expected []OperationStatus, now time.Time) error {
	if rec.Status.IsTerminal() {
		return ErrTerminalState(rec.ID, rec.Status)
	}
	if err := CheckExpected(rec, expected); err != nil {
		return err
	}
	return ApplyPatch(rec, p, now)
}

// ApplyPatch mutates rec in place. It enforces the record invariants shared by
// every ledger backend: terminal records are immutable, status changes follow the
// state machine, counters never decrease and never exceed the total.
func ApplyPatch(rec *OperationRecord, p Patch, now time.Time) error {
	if rec.Status.IsTerminal() {
		return ErrTerminalState(rec.ID, rec.Status)
	}

	if p.Status != nil && *p.Status != rec.Status {
		if !CanTransition(rec.Status, *p.Status) {
			return ErrStaleState(rec.ID, rec.Status, allowedSources(*p.Status))
		}
	}

	total := rec.TotalItems
	if p.TotalItems != nil {
		if *p.TotalItems < rec.TotalItems {
			return ErrValidation(CodeInvalidProgress,
				fmt.Sprintf("total_items cannot decrease (%d -> %d)", rec.TotalItems, *p.TotalItems))
		}
		total = *p.TotalItems
	}
	completed := rec.CompletedItems
	if p.CompletedItems != nil {
		if *p.CompletedItems < rec.CompletedItems {
			return ErrValidation(CodeInvalidProgress,
				fmt.Sprintf("completed_items cannot decrease (%d -> %d)", rec.CompletedItems, *p.CompletedItems))
		}
		completed = *p.CompletedItems
	}
	failed := rec.FailedItems
	if p.FailedItems != nil {
		if *p.FailedItems < rec.FailedItems {
			return ErrValidation(CodeInvalidProgress,
				fmt.Sprintf("failed_items cannot decrease (%d -> %d)", rec.FailedItems, *p.FailedItems))
		}
		failed = *p.FailedItems
	}
	if completed+failed > total {
		return ErrValidation(CodeInvalidProgress,
			fmt.Sprintf("completed (%d) + failed (%d) exceeds total_items (%d)", completed, failed, total))
	}

	if p.Status != nil {
		rec.Status = *p.Status
	}
	rec.TotalItems = total
	rec.CompletedItems = completed
	rec.FailedItems = failed
	if p.StartedAt != nil {
		rec.StartedAt = cloneTime(p.StartedAt)
	}
	if p.CompletedAt != nil {
		rec.CompletedAt = cloneTime(p.CompletedAt)
	}
	if p.HeartbeatAt != nil {
		rec.HeartbeatAt = cloneTime(p.HeartbeatAt)
	}
	if p.Holder != nil {
		rec.HolderHost = p.Holder.Host
		rec.HolderPID = p.Holder.PID
	}
	for _, e := range p.AppendErrors {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		rec.ErrorLog = append(rec.ErrorLog, e)
	}
	rec.UpdatedAt = now
	return nil
}

func allowedSources(to OperationStatus) []OperationStatus {
	var from []OperationStatus
	for _, s := range NonTerminalStatuses {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// PrepareInsert fills ledger-owned fields on a new record and validates it.
func PrepareInsert(rec *OperationRecord, id OperationID, now time.Time) error {
	rec.ID = id
	if rec.QueuedAt.IsZero() {
		rec.QueuedAt = now
	}
	rec.UpdatedAt = now
	if rec.ErrorLog == nil {
		rec.ErrorLog = []ErrorEntry{}
	}
	if err := Validate(rec); err != nil {
		return err
	}
	if rec.CompletedItems+rec.FailedItems > rec.TotalItems {
		return ErrValidation(CodeInvalidRecord, "completed_items + failed_items exceeds total_items")
	}
	return nil
}

// Matches reports whether rec satisfies the filter.
func (f Filter) Matches(rec *OperationRecord) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, rec.ID) {
		return false
	}
	if len(f.Classifications) > 0 && !slices.Contains(f.Classifications, rec.Classification) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, rec.Status) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, rec.Type) {
		return false
	}
	if f.CreatedBy != "" && rec.CreatedBy != f.CreatedBy {
		return false
	}
	return true
}

// SortRecords orders records in place according to order.
func SortRecords(records []*OperationRecord, order Order) {
	switch order {
	case OrderFIFO:
		sort.SliceStable(records, func(i, j int) bool {
			a, b := records[i], records[j]
			if !a.QueuedAt.Equal(b.QueuedAt) {
				return a.QueuedAt.Before(b.QueuedAt)
			}
			return a.Seq < b.Seq
		})
	case OrderRecentlyFinished:
		sort.SliceStable(records, func(i, j int) bool {
			a, b := finishedAt(records[i]), finishedAt(records[j])
			if !a.Equal(b) {
				return a.After(b)
			}
			return records[i].Seq > records[j].Seq
		})
	default:
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Seq < records[j].Seq
		})
	}
}

func finishedAt(rec *OperationRecord) time.Time {
	if rec.CompletedAt != nil {
		return *rec.CompletedAt
	}
	return rec.UpdatedAt
}

// ApplyLimit truncates records to the filter limit.
func (f Filter) ApplyLimit(records []*OperationRecord) []*OperationRecord {
	if f.Limit > 0 && len(records) > f.Limit {
		return records[:f.Limit]
	}
	return records
}
