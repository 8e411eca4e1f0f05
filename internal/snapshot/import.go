package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

const (
	actionRestored     = "restored"
	actionWouldRestore = "would_restore"
	actionSkipped      = "skipped"
	reasonTerminal     = "terminal record left out"
	reasonSlotConflict = "major slot already held by %s"
)

// ErrImportConflict is returned when ConflictFail meets a record the target
// ledger cannot take.
var ErrImportConflict = errors.New("snapshot import conflict")

// Import restores archived records into ledger in their original order. The
// ledger assigns fresh IDs; the report maps source IDs to target IDs.
func Import(ctx context.Context, ledger core.Ledger, opts *ImportOptions) (*ImportReport, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	archive, err := Load(opts.InputPath)
	if err != nil {
		return nil, err
	}

	report := &ImportReport{
		DryRun:         opts.DryRun,
		ConflictPolicy: opts.ConflictPolicy,
		Manifest:       archive.Manifest,
		Records:        make([]RecordImportReport, 0, len(archive.Records)),
		Warnings:       make([]string, 0),
	}

	active, err := ledger.Query(ctx, core.Filter{
		Classifications: []core.Classification{core.ClassMajor},
		Statuses:        core.ActiveStatuses,
		Order:           core.OrderSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("reading target ledger: %w", err)
	}
	var slotHolder core.OperationID
	if len(active) > 0 {
		slotHolder = active[0].ID
	}

	records := append([]*core.OperationRecord(nil), archive.Records...)
	core.SortRecords(records, core.OrderSeq)

	for _, rec := range records {
		entry := RecordImportReport{SourceID: rec.ID, Status: rec.Status}

		if opts.SkipTerminal && rec.Status.IsTerminal() {
			entry.Action = actionSkipped
			entry.Reason = reasonTerminal
			report.skip(entry)
			continue
		}

		claimsSlot := rec.IsMajor() && rec.Status.IsActive()
		if claimsSlot && slotHolder != "" {
			if err := report.conflict(entry, slotHolder, opts.ConflictPolicy); err != nil {
				return report, err
			}
			continue
		}

		if opts.DryRun {
			entry.Action = actionWouldRestore
			report.Records = append(report.Records, entry)
			report.Restored++
			if claimsSlot {
				slotHolder = rec.ID
			}
			continue
		}

		id, err := ledger.Insert(ctx, restorable(rec))
		if err != nil {
			var de *core.DomainError
			if errors.As(err, &de) && de.Code == core.CodeSlotOccupied {
				holder, _ := de.Details["holder_id"].(string)
				if cerr := report.conflict(entry, core.OperationID(holder), opts.ConflictPolicy); cerr != nil {
					return report, cerr
				}
				continue
			}
			return report, fmt.Errorf("restoring operation %s: %w", rec.ID, err)
		}
		entry.TargetID = id
		entry.Action = actionRestored
		report.Records = append(report.Records, entry)
		report.Restored++
		if claimsSlot {
			slotHolder = id
		}
	}

	if report.Restored > 0 && !opts.DryRun {
		report.Warnings = append(report.Warnings, "restored records have new IDs; holders must rebind using the target IDs")
	}
	return report, nil
}

func (r *ImportReport) skip(entry RecordImportReport) {
	r.Records = append(r.Records, entry)
	r.Skipped++
}

func (r *ImportReport) conflict(entry RecordImportReport, holder core.OperationID, policy ConflictPolicy) error {
	entry.Action = actionSkipped
	entry.Reason = fmt.Sprintf(reasonSlotConflict, holder)
	r.skip(entry)
	if policy == ConflictFail {
		return fmt.Errorf("%w: operation %s: %s", ErrImportConflict, entry.SourceID, entry.Reason)
	}
	r.Warnings = append(r.Warnings, fmt.Sprintf("operation %s skipped: %s", entry.SourceID, entry.Reason))
	return nil
}

// restorable strips the fields the target ledger assigns itself.
func restorable(rec *core.OperationRecord) *core.OperationRecord {
	cp := rec.Clone()
	cp.ID = ""
	cp.Seq = 0
	return cp
}
