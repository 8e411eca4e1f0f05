package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

var errClosed = errors.New("ledger closed")

// prepareAdmission sets the status a major record is inserted with: running
// when the slot is free, queued behind blocker otherwise.
func prepareAdmission(rec, blocker *core.OperationRecord, now time.Time) {
	rec.StartedAt = nil
	rec.CompletedAt = nil
	rec.HeartbeatAt = nil
	if blocker != nil {
		rec.Status = core.StatusQueued
		return
	}
	rec.Status = core.StatusRunning
	started := now
	rec.StartedAt = &started
	beat := now
	rec.HeartbeatAt = &beat
}

// checkPromotable enforces the promotion preconditions: a queued major record,
// a free slot, and the record at the head of the FIFO queue.
func checkPromotable(rec, active, head *core.OperationRecord) error {
	if !rec.IsMajor() {
		return core.ErrValidation(core.CodeInvalidRecord,
			fmt.Sprintf("operation %s is %s; only major operations are promoted", rec.ID, rec.Classification))
	}
	if err := core.ApplyConditional(rec.Clone(), core.Patch{}, []core.OperationStatus{core.StatusQueued}, rec.UpdatedAt); err != nil {
		return err
	}
	if active != nil {
		return core.ErrSlotOccupied(active.ID)
	}
	if head != nil && head.ID != rec.ID {
		return core.ErrNotQueueHead(rec.ID, head.ID)
	}
	return nil
}

func promotionPatch(now time.Time, holder core.Holder) core.Patch {
	running := core.StatusRunning
	p := core.Patch{
		Status:      &running,
		StartedAt:   &now,
		HeartbeatAt: &now,
	}
	if holder != (core.Holder{}) {
		h := holder
		p.Holder = &h
	}
	return p
}
