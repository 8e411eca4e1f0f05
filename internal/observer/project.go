// Package observer derives the views clients render from the ledger: the
// running and paused major operation, the major queue, recent history and the
// minor operations in flight.
package observer

import (
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

// DefaultHistoryLimit is how many finished operations RecentHistory keeps.
const DefaultHistoryLimit = 20

// Views is everything a client needs to render the operation panel.
type Views struct {
	RunningMajor  *core.OperationRecord   `json:"running_major" yaml:"running_major"`
	PausedMajor   *core.OperationRecord   `json:"paused_major" yaml:"paused_major"`
	QueuedMajor   []*core.OperationRecord `json:"queued_major" yaml:"queued_major"`
	RecentHistory []*core.OperationRecord `json:"recent_history" yaml:"recent_history"`
	RunningMinor  []*core.OperationRecord `json:"running_minor" yaml:"running_minor"`
}

// Blocker returns the major operation holding the slot, running or paused.
func (v Views) Blocker() *core.OperationRecord {
	if v.RunningMajor != nil {
		return v.RunningMajor
	}
	return v.PausedMajor
}

// QueuePosition returns the 1-based position of id in the major queue, or 0.
func (v Views) QueuePosition(id core.OperationID) int {
	for i, rec := range v.QueuedMajor {
		if rec.ID == id {
			return i + 1
		}
	}
	return 0
}

// Project computes views from any set of records. It is pure: the same records
// always give the same views, whatever order they arrive in.
func Project(records []*core.OperationRecord, historyLimit int) Views {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	v := Views{
		QueuedMajor:   []*core.OperationRecord{},
		RecentHistory: []*core.OperationRecord{},
		RunningMinor:  []*core.OperationRecord{},
	}
	var running, paused []*core.OperationRecord
	for _, rec := range records {
		if rec == nil {
			continue
		}
		switch {
		case rec.Status.IsTerminal():
			v.RecentHistory = append(v.RecentHistory, rec.Clone())
		case !rec.IsMajor():
			if rec.Status.IsActive() {
				v.RunningMinor = append(v.RunningMinor, rec.Clone())
			}
		case rec.Status == core.StatusRunning:
			running = append(running, rec)
		case rec.Status == core.StatusPaused:
			paused = append(paused, rec)
		case rec.Status == core.StatusQueued:
			v.QueuedMajor = append(v.QueuedMajor, rec.Clone())
		}
	}

	v.RunningMajor = first(running)
	v.PausedMajor = first(paused)
	core.SortRecords(v.QueuedMajor, core.OrderFIFO)
	core.SortRecords(v.RunningMinor, core.OrderSeq)
	core.SortRecords(v.RecentHistory, core.OrderRecentlyFinished)
	if len(v.RecentHistory) > historyLimit {
		v.RecentHistory = v.RecentHistory[:historyLimit]
	}
	return v
}

// first picks the earliest record by sequence. More than one only happens if
// the store lost the single-slot guarantee.
func first(recs []*core.OperationRecord) *core.OperationRecord {
	var out *core.OperationRecord
	for _, rec := range recs {
		if out == nil || rec.Seq < out.Seq {
			out = rec
		}
	}
	return out.Clone()
}
