package ledger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backend struct {
	name string
	open func(t *testing.T, opts ...Option) core.Ledger
}

func backends(t *testing.T) []backend {
	t.Helper()
	list := []backend{
		{name: "memory", open: func(t *testing.T, opts ...Option) core.Ledger {
			return NewMemory(opts...)
		}},
		{name: "sqlite", open: func(t *testing.T, opts ...Option) core.Ledger {
			path := filepath.Join(t.TempDir(), "ledger.db")
			l, err := OpenSQLite(context.Background(), path, append(opts, WithPollInterval(0))...)
			require.NoError(t, err)
			t.Cleanup(func() { _ = l.Close() })
			return l
		}},
	}
	if dsn := os.Getenv("OPSGATE_TEST_MYSQL_DSN"); dsn != "" {
		list = append(list, backend{name: "mysql", open: func(t *testing.T, opts ...Option) core.Ledger {
			l, err := OpenMySQL(context.Background(), dsn, append(opts, WithPollInterval(0))...)
			require.NoError(t, err)
			_, err = l.db.Exec("DELETE FROM operations")
			require.NoError(t, err)
			t.Cleanup(func() { _ = l.Close() })
			return l
		}})
	}
	return list
}

func major(desc string) *core.OperationRecord {
	return &core.OperationRecord{
		Type:           core.OpRescoring,
		Classification: core.ClassMajor,
		Description:    desc,
		CreatedBy:      "user-1",
		TotalItems:     10,
	}
}

func minor(desc string) *core.OperationRecord {
	return &core.OperationRecord{
		Type:           core.OpContactEnrichment,
		Classification: core.ClassMinor,
		Status:         core.StatusRunning,
		Description:    desc,
		CreatedBy:      "user-2",
		TotalItems:     5,
	}
}

func TestLedger_InsertValidates(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			l := b.open(t)
			rec := minor("no owner")
			rec.CreatedBy = ""

			_, err := l.Insert(context.Background(), rec)
			require.Error(t, err)
			assert.True(t, core.IsValidation(err))

			all, err := l.Query(context.Background(), core.Filter{})
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestLedger_InsertAndGet(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			clock := newTestClock()
			l := b.open(t, WithClock(clock.Now))
			ctx := context.Background()

			rec := minor("enrich acme")
			rec.Context = map[string]any{"deal_id": "d-1"}
			id, err := l.Insert(ctx, rec)
			require.NoError(t, err)
			require.NotEmpty(t, id)
			assert.Empty(t, rec.ID, "caller's record is not mutated")

			got, err := l.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, id, got.ID)
			assert.Equal(t, core.StatusRunning, got.Status)
			assert.Equal(t, "d-1", got.Context["deal_id"])
			assert.True(t, got.QueuedAt.Equal(clock.Now()))
			assert.NotNil(t, got.ErrorLog)
			assert.Positive(t, got.Seq)

			_, err = l.Get(ctx, "missing")
			assert.True(t, core.IsNotFound(err))
		})
	}
}

func TestLedger_UpdateConditional(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			l := b.open(t)
			ctx := context.Background()
			id, err := l.Insert(ctx, minor("batch"))
			require.NoError(t, err)

			paused := core.StatusPaused
			_, err = l.Update(ctx, id, core.Patch{Status: &paused}, core.StatusQueued)
			require.Error(t, err)
			assert.True(t, core.IsStaleState(err))

			got, err := l.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, core.StatusRunning, got.Status)

			done := 3
			updated, err := l.Update(ctx, id, core.Patch{
				CompletedItems: &done,
				AppendErrors:   []core.ErrorEntry{{ItemID: "acme.com", Error: "timeout"}},
			}, core.StatusRunning)
			require.NoError(t, err)
			assert.Equal(t, 3, updated.CompletedItems)
			require.Len(t, updated.ErrorLog, 1)

			got, err = l.Get(ctx, id)
			require.NoError(t, err)
			require.Len(t, got.ErrorLog, 1)
			assert.Equal(t, "acme.com", got.ErrorLog[0].ItemID)

			_, err = l.Update(ctx, "missing", core.Patch{})
			assert.True(t, core.IsNotFound(err))
		})
	}
}

func TestLedger_TerminalRecordsAreImmutable(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			l := b.open(t)
			ctx := context.Background()
			id, err := l.Insert(ctx, minor("short"))
			require.NoError(t, err)

			completed := core.StatusCompleted
			now := time.Now()
			_, err = l.Update(ctx, id, core.Patch{Status: &completed, CompletedAt: &now}, core.StatusRunning)
			require.NoError(t, err)

			one := 1
			_, err = l.Update(ctx, id, core.Patch{CompletedItems: &one})
			require.Error(t, err)
			assert.True(t, core.IsTerminalState(err))

			cancelled := core.StatusCancelled
			_, err = l.Update(ctx, id, core.Patch{Status: &cancelled}, core.NonTerminalStatuses...)
			assert.True(t, core.IsTerminalState(err))
		})
	}
}

func TestLedger_QueryFilterAndOrder(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			clock := newTestClock()
			l := b.open(t, WithClock(clock.Now))
			ctx := context.Background()

			first, _, err := l.AdmitMajor(ctx, major("running"))
			require.NoError(t, err)
			// Same queued_at: insertion order breaks the tie.
			q1, _, err := l.AdmitMajor(ctx, major("q1"))
			require.NoError(t, err)
			q2, _, err := l.AdmitMajor(ctx, major("q2"))
			require.NoError(t, err)
			clock.Advance(time.Second)
			q3, _, err := l.AdmitMajor(ctx, major("q3"))
			require.NoError(t, err)
			_, err = l.Insert(ctx, minor("side"))
			require.NoError(t, err)

			queued, err := l.Query(ctx, core.Filter{
				Classifications: []core.Classification{core.ClassMajor},
				Statuses:        []core.OperationStatus{core.StatusQueued},
				Order:           core.OrderFIFO,
			})
			require.NoError(t, err)
			require.Len(t, queued, 3)
			assert.Equal(t, []core.OperationID{q1.ID, q2.ID, q3.ID}, idsOf(queued))

			limited, err := l.Query(ctx, core.Filter{Order: core.OrderSeq, Limit: 2})
			require.NoError(t, err)
			assert.Equal(t, []core.OperationID{first.ID, q1.ID}, idsOf(limited))

			minors, err := l.Query(ctx, core.Filter{Types: []core.OperationType{core.OpContactEnrichment}, CreatedBy: "user-2"})
			require.NoError(t, err)
			assert.Len(t, minors, 1)
		})
	}
}

func TestLedger_AdmitMajor(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			l := b.open(t)
			ctx := context.Background()

			a, blocker, err := l.AdmitMajor(ctx, major("A rescoring"))
			require.NoError(t, err)
			assert.Nil(t, blocker)
			assert.Equal(t, core.StatusRunning, a.Status)
			assert.NotNil(t, a.StartedAt)
			assert.NotNil(t, a.HeartbeatAt)

			bRec, blocker, err := l.AdmitMajor(ctx, major("B rebuild"))
			require.NoError(t, err)
			require.NotNil(t, blocker)
			assert.Equal(t, a.ID, blocker.ID)
			assert.Equal(t, "A rescoring", blocker.Description)
			assert.Equal(t, core.StatusQueued, bRec.Status)
			assert.Nil(t, bRec.StartedAt)

			// Paused still blocks.
			paused := core.StatusPaused
			_, err = l.Update(ctx, a.ID, core.Patch{Status: &paused}, core.StatusRunning)
			require.NoError(t, err)
			cRec, blocker, err := l.AdmitMajor(ctx, major("C"))
			require.NoError(t, err)
			assert.Equal(t, core.StatusQueued, cRec.Status)
			assert.Equal(t, a.ID, blocker.ID)

			_, _, err = l.AdmitMajor(ctx, minor("not major"))
			assert.True(t, core.IsValidation(err))
		})
	}
}

func TestLedger_SlotIsExclusiveForDirectWrites(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			l := b.open(t)
			ctx := context.Background()

			_, _, err := l.AdmitMajor(ctx, major("holder"))
			require.NoError(t, err)

			rogue := major("rogue")
			rogue.Status = core.StatusRunning
			_, err = l.Insert(ctx, rogue)
			require.Error(t, err)
			assert.True(t, core.IsStaleState(err))

			queued, _, err := l.AdmitMajor(ctx, major("waiting"))
			require.NoError(t, err)
			running := core.StatusRunning
			_, err = l.Update(ctx, queued.ID, core.Patch{Status: &running}, core.StatusQueued)
			require.Error(t, err)
			assert.True(t, core.IsStaleState(err))

			active, err := l.Query(ctx, core.Filter{
				Classifications: []core.Classification{core.ClassMajor},
				Statuses:        core.ActiveStatuses,
			})
			require.NoError(t, err)
			assert.Len(t, active, 1)
		})
	}
}

func TestLedger_ConcurrentAdmissionIsMutuallyExclusive(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			l := b.open(t)
			ctx := context.Background()

			const callers = 16
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				running int
				errs    []error
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					rec, _, err := l.AdmitMajor(ctx, major("concurrent"))
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
						return
					}
					if rec.Status == core.StatusRunning {
						running++
					}
				}()
			}
			wg.Wait()

			require.Empty(t, errs)
			assert.Equal(t, 1, running)

			all, err := l.Query(ctx, core.Filter{})
			require.NoError(t, err)
			assert.Len(t, all, callers)
		})
	}
}

func TestLedger_PromoteMajor(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			clock := newTestClock()
			l := b.open(t, WithClock(clock.Now))
			ctx := context.Background()

			a, _, err := l.AdmitMajor(ctx, major("A"))
			require.NoError(t, err)
			bRec, _, err := l.AdmitMajor(ctx, major("B"))
			require.NoError(t, err)
			clock.Advance(time.Millisecond)
			cRec, _, err := l.AdmitMajor(ctx, major("C"))
			require.NoError(t, err)

			_, err = l.PromoteMajor(ctx, bRec.ID, core.Holder{})
			require.Error(t, err)
			assert.True(t, core.IsStaleState(err), "slot still held by A")

			completed := core.StatusCompleted
			_, err = l.Update(ctx, a.ID, core.Patch{Status: &completed}, core.StatusRunning)
			require.NoError(t, err)

			_, err = l.PromoteMajor(ctx, cRec.ID, core.Holder{})
			require.Error(t, err)
			var domErr *core.DomainError
			require.ErrorAs(t, err, &domErr)
			assert.Equal(t, core.CodeNotQueueHead, domErr.Code)

			clock.Advance(time.Minute)
			promoted, err := l.PromoteMajor(ctx, bRec.ID, core.Holder{Host: "worker-2", PID: 42})
			require.NoError(t, err)
			assert.Equal(t, core.StatusRunning, promoted.Status)
			require.NotNil(t, promoted.StartedAt)
			assert.True(t, promoted.StartedAt.Equal(clock.Now()))
			assert.Equal(t, "worker-2", promoted.HolderHost)
			assert.Equal(t, 42, promoted.HolderPID)

			_, err = l.PromoteMajor(ctx, bRec.ID, core.Holder{})
			assert.True(t, core.IsStaleState(err), "already running")

			_, err = l.PromoteMajor(ctx, a.ID, core.Holder{})
			assert.True(t, core.IsTerminalState(err))
		})
	}
}

func TestLedger_Subscribe(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			l := b.open(t)
			ctx := context.Background()

			var (
				mu     sync.Mutex
				events []core.ChangeEvent
			)
			unsubscribe := l.Subscribe(func(ev core.ChangeEvent) {
				mu.Lock()
				events = append(events, ev)
				mu.Unlock()
			})

			id, err := l.Insert(ctx, minor("watched"))
			require.NoError(t, err)
			paused := core.StatusPaused
			_, err = l.Update(ctx, id, core.Patch{Status: &paused}, core.StatusRunning)
			require.NoError(t, err)

			unsubscribe()
			unsubscribe()
			_, err = l.Insert(ctx, minor("unwatched"))
			require.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, events, 2)
			assert.Equal(t, core.ChangeInserted, events[0].Kind)
			assert.Equal(t, core.ChangeUpdated, events[1].Kind)
			assert.Equal(t, core.StatusPaused, events[1].Record.Status)
			assert.False(t, events[1].Remote)
		})
	}
}

func TestLedger_SubscriberPanicDoesNotBreakWrites(t *testing.T) {
	l := NewMemory()
	l.Subscribe(func(core.ChangeEvent) { panic("boom") })

	_, err := l.Insert(context.Background(), minor("still stored"))
	require.NoError(t, err)
}

func TestMemory_ClosedRejectsWrites(t *testing.T) {
	l := NewMemory()
	require.NoError(t, l.Close())

	_, err := l.Insert(context.Background(), minor("late"))
	assert.ErrorIs(t, err, errClosed)
}

func idsOf(recs []*core.OperationRecord) []core.OperationID {
	out := make([]core.OperationID, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
