package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func statusPtr(s OperationStatus) *OperationStatus { return &s }

func newRunning() *OperationRecord {
	return &OperationRecord{
		ID:             "op-1",
		Type:           OpRescoring,
		Classification: ClassMajor,
		Status:         StatusRunning,
		TotalItems:     10,
		CreatedBy:      "u1",
		ErrorLog:       []ErrorEntry{},
	}
}

func TestApplyPatch_Progress(t *testing.T) {
	now := time.Now()
	rec := newRunning()

	err := ApplyPatch(rec, Patch{
		CompletedItems: intPtr(4),
		FailedItems:    intPtr(1),
		AppendErrors:   []ErrorEntry{{ItemID: "item-5", Error: "timeout"}},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, 4, rec.CompletedItems)
	assert.Equal(t, 1, rec.FailedItems)
	require.Len(t, rec.ErrorLog, 1)
	assert.Equal(t, now, rec.ErrorLog[0].Timestamp)
	assert.Equal(t, now, rec.UpdatedAt)
}

func TestApplyPatch_CountersAreMonotonic(t *testing.T) {
	rec := newRunning()
	rec.CompletedItems = 5

	err := ApplyPatch(rec, Patch{CompletedItems: intPtr(3)}, time.Now())
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Equal(t, 5, rec.CompletedItems, "record must be unchanged")

	err = ApplyPatch(rec, Patch{TotalItems: intPtr(2)}, time.Now())
	assert.True(t, IsValidation(err))
}

func TestApplyPatch_CountersBoundedByTotal(t *testing.T) {
	rec := newRunning()

	err := ApplyPatch(rec, Patch{CompletedItems: intPtr(8), FailedItems: intPtr(3)}, time.Now())
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Zero(t, rec.CompletedItems)

	require.NoError(t, ApplyPatch(rec, Patch{TotalItems: intPtr(11), CompletedItems: intPtr(8), FailedItems: intPtr(3)}, time.Now()))
	assert.Equal(t, 11, rec.TotalItems)
}

func TestApplyPatch_TerminalIsImmutable(t *testing.T) {
	for _, s := range TerminalStatuses {
		rec := newRunning()
		rec.Status = s

		err := ApplyPatch(rec, Patch{CompletedItems: intPtr(1)}, time.Now())
		require.Error(t, err)
		assert.True(t, IsTerminalState(err), s)
		assert.Zero(t, rec.CompletedItems)
	}
}

func TestApplyPatch_RejectsInvalidTransition(t *testing.T) {
	rec := newRunning()
	rec.Status = StatusQueued

	err := ApplyPatch(rec, Patch{Status: statusPtr(StatusPaused)}, time.Now())
	require.Error(t, err)
	assert.True(t, IsStaleState(err))
	assert.Equal(t, StatusQueued, rec.Status)
}

func TestApplyPatch_ErrorLogIsAppendOnly(t *testing.T) {
	rec := newRunning()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, ApplyPatch(rec, Patch{AppendErrors: []ErrorEntry{{ItemID: "a", Error: "1", Timestamp: first}}}, time.Now()))
	require.NoError(t, ApplyPatch(rec, Patch{AppendErrors: []ErrorEntry{{ItemID: "b", Error: "2"}}}, time.Now()))

	require.Len(t, rec.ErrorLog, 2)
	assert.Equal(t, "a", rec.ErrorLog[0].ItemID)
	assert.Equal(t, first, rec.ErrorLog[0].Timestamp)
	assert.Equal(t, "b", rec.ErrorLog[1].ItemID)
}

func TestCheckExpected(t *testing.T) {
	rec := newRunning()

	assert.NoError(t, CheckExpected(rec, nil))
	assert.NoError(t, CheckExpected(rec, []OperationStatus{StatusQueued, StatusRunning}))

	err := CheckExpected(rec, []OperationStatus{StatusPaused})
	require.Error(t, err)
	assert.True(t, IsStaleState(err))
}

func TestPrepareInsert(t *testing.T) {
	now := time.Now()

	rec := &OperationRecord{Type: OpRescoring, Classification: ClassMajor, Status: StatusQueued, CreatedBy: "u1"}
	require.NoError(t, PrepareInsert(rec, "op-9", now))
	assert.Equal(t, OperationID("op-9"), rec.ID)
	assert.Equal(t, now, rec.QueuedAt)
	assert.NotNil(t, rec.ErrorLog)

	missing := &OperationRecord{Type: OpRescoring, Status: StatusQueued}
	err := PrepareInsert(missing, "op-10", now)
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	overfull := &OperationRecord{Type: OpRescoring, Classification: ClassMajor, Status: StatusRunning, CreatedBy: "u", TotalItems: 1, CompletedItems: 2}
	assert.True(t, IsValidation(PrepareInsert(overfull, "op-11", now)))
}

func TestSortRecords(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	done1 := base.Add(time.Hour)
	done2 := base.Add(2 * time.Hour)

	a := &OperationRecord{ID: "a", Seq: 3, QueuedAt: base, CompletedAt: &done1}
	b := &OperationRecord{ID: "b", Seq: 1, QueuedAt: base.Add(time.Second), CompletedAt: &done2}
	c := &OperationRecord{ID: "c", Seq: 2, QueuedAt: base, CompletedAt: &done1}

	recs := []*OperationRecord{a, b, c}
	SortRecords(recs, OrderFIFO)
	assert.Equal(t, []OperationID{"c", "a", "b"}, ids(recs))

	SortRecords(recs, OrderRecentlyFinished)
	assert.Equal(t, []OperationID{"b", "a", "c"}, ids(recs))

	SortRecords(recs, OrderSeq)
	assert.Equal(t, []OperationID{"b", "c", "a"}, ids(recs))
}

func TestFilter_Matches(t *testing.T) {
	rec := newRunning()

	assert.True(t, Filter{}.Matches(rec))
	assert.True(t, Filter{Classifications: []Classification{ClassMajor}, Statuses: ActiveStatuses}.Matches(rec))
	assert.False(t, Filter{Statuses: []OperationStatus{StatusQueued}}.Matches(rec))
	assert.False(t, Filter{CreatedBy: "u2"}.Matches(rec))
	assert.False(t, Filter{Types: []OperationType{OpBuyerImport}}.Matches(rec))
	assert.True(t, Filter{IDs: []OperationID{"op-1"}}.Matches(rec))
}

func ids(recs []*OperationRecord) []OperationID {
	out := make([]OperationID, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestApplyConditional(t *testing.T) {
	rec := newRunning()
	rec.Status = StatusCancelled

	err := ApplyConditional(rec, Patch{}, []OperationStatus{StatusRunning}, time.Now())
	assert.True(t, IsTerminalState(err), "terminal wins over expected mismatch")

	rec = newRunning()
	rec.Status = StatusPaused
	err = ApplyConditional(rec, Patch{Status: statusPtr(StatusPaused)}, []OperationStatus{StatusRunning}, time.Now())
	assert.True(t, IsStaleState(err))

	rec = newRunning()
	require.NoError(t, ApplyConditional(rec, Patch{Status: statusPtr(StatusPaused)}, []OperationStatus{StatusRunning}, time.Now()))
	assert.Equal(t, StatusPaused, rec.Status)
}
