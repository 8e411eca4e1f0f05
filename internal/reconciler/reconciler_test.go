package reconciler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/opsgate/internal/adapters/ledger"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/gate"
	"github.com/hugo-lorenzo-mato/opsgate/internal/lifecycle"
)

type notices struct {
	mu   sync.Mutex
	list []core.Notification
}

func (n *notices) Notify(_ context.Context, notice core.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, notice)
}

func (n *notices) of(kind core.NotificationKind) []core.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []core.Notification
	for _, notice := range n.list {
		if notice.Kind == kind {
			out = append(out, notice)
		}
	}
	return out
}

type env struct {
	now     time.Time
	ledger  core.Ledger
	gate    *gate.Gate
	mgr     *lifecycle.Manager
	rec     *Reconciler
	notices *notices
}

func (e *env) clock() time.Time { return e.now }

func newEnv(t *testing.T, l core.Ledger, holder core.Holder) *env {
	t.Helper()
	e := &env{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC), ledger: l, notices: &notices{}}
	e.gate = gate.New(l, gate.WithClock(e.clock), gate.WithHolder(holder))
	e.rec = New(Config{Ledger: l, Notifier: e.notices, Clock: e.clock})
	e.mgr = lifecycle.New(l, lifecycle.WithClock(e.clock), lifecycle.WithPromoter(e.rec))
	return e
}

func newMemoryEnv(t *testing.T) *env {
	t.Helper()
	var e *env
	l := ledger.NewMemory(ledger.WithClock(func() time.Time { return e.now }))
	e = newEnv(t, l, core.Holder{Host: "elsewhere", PID: 1})
	return e
}

func (e *env) major(t *testing.T, desc string) gate.Admission {
	t.Helper()
	adm, err := e.gate.StartOrQueueMajor(context.Background(), core.Request{
		Type: core.OpRescoring, Description: desc, CreatedBy: "u1", TotalItems: 10,
	})
	require.NoError(t, err)
	return adm
}

func (e *env) status(t *testing.T, id core.OperationID) core.OperationStatus {
	t.Helper()
	rec, err := e.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func TestPromoteNext_EmptyQueue(t *testing.T) {
	e := newMemoryEnv(t)
	got, err := e.rec.PromoteNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPromoteNext_FIFO(t *testing.T) {
	ctx := context.Background()
	e := newMemoryEnv(t)
	// Promotion is driven by hand here.
	e.mgr.SetPromoter(nil)

	a := e.major(t, "A")
	e.now = e.now.Add(time.Second)
	b := e.major(t, "B")
	e.now = e.now.Add(time.Second)
	c := e.major(t, "C")

	got, err := e.rec.PromoteNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "slot is held by A")

	_, err = e.mgr.Complete(ctx, a.Record.ID, core.StatusCompleted)
	require.NoError(t, err)

	got, err = e.rec.PromoteNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.Record.ID, got.ID)
	assert.Equal(t, "elsewhere", got.HolderHost, "the requester stays the holder")

	got, err = e.rec.PromoteNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = e.mgr.Cancel(ctx, b.Record.ID, "")
	require.NoError(t, err)
	got, err = e.rec.PromoteNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.Record.ID, got.ID)

	promoted := e.notices.of(core.NoticePromoted)
	require.Len(t, promoted, 2)
	assert.Equal(t, "B started", promoted[0].Message)
}

func TestScenario_PauseResumeCompletePromotes(t *testing.T) {
	ctx := context.Background()
	e := newMemoryEnv(t)

	a := e.major(t, "rescoring")
	assert.False(t, a.Queued)
	assert.Equal(t, core.StatusRunning, a.Record.Status)

	b := e.major(t, "rebuild")
	assert.True(t, b.Queued)
	assert.Equal(t, a.Record.ID, b.Blocker.ID)

	_, err := e.mgr.Pause(ctx, a.Record.ID, "")
	require.NoError(t, err)
	assert.Equal(t, core.StatusPaused, e.status(t, a.Record.ID))
	assert.Equal(t, core.StatusQueued, e.status(t, b.Record.ID))

	// A paused operation still blocks.
	report, err := e.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Nil(t, report.Promoted)

	_, err = e.mgr.Resume(ctx, a.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, e.status(t, a.Record.ID))
	assert.Equal(t, core.StatusQueued, e.status(t, b.Record.ID))

	_, err = e.mgr.Complete(ctx, a.Record.ID, core.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, e.status(t, a.Record.ID))
	assert.Equal(t, core.StatusRunning, e.status(t, b.Record.ID), "completing A promotes B")
	assert.Len(t, e.notices.of(core.NoticePromoted), 1)
}

func TestSweep_ExpiresStaleHeartbeat(t *testing.T) {
	ctx := context.Background()
	e := newMemoryEnv(t)

	a := e.major(t, "A")
	b := e.major(t, "B")

	e.now = e.now.Add(5 * time.Minute)
	report, err := e.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Stale)

	_, err = e.mgr.Heartbeat(ctx, a.Record.ID)
	require.NoError(t, err)
	e.now = e.now.Add(9 * time.Minute)
	report, err = e.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Stale, "heartbeat keeps A alive")

	e.now = e.now.Add(2 * time.Minute)
	report, err = e.rec.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, report.Stale, 1)
	assert.Equal(t, a.Record.ID, report.Stale[0].ID)
	assert.Equal(t, core.StatusFailed, report.Stale[0].Status)
	require.NotEmpty(t, report.Stale[0].ErrorLog)
	assert.Contains(t, report.Stale[0].ErrorLog[0].Error, "holder heartbeat expired")

	require.NotNil(t, report.Promoted)
	assert.Equal(t, b.Record.ID, report.Promoted.ID)
	assert.Len(t, e.notices.of(core.NoticeStale), 1)
}

func TestSweep_ExpiresDeadLocalHolder(t *testing.T) {
	ctx := context.Background()
	host, err := os.Hostname()
	require.NoError(t, err)

	var e *env
	l := ledger.NewMemory(ledger.WithClock(func() time.Time { return e.now }))
	e = newEnv(t, l, core.Holder{Host: host, PID: 424242})
	e.rec.pidExists = func(_ context.Context, pid int) (bool, error) { return pid != 424242, nil }

	a := e.major(t, "A")
	_, err = e.mgr.Pause(ctx, a.Record.ID, "")
	require.NoError(t, err)

	report, err := e.rec.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, report.Stale, 1)
	assert.Equal(t, core.StatusCancelled, report.Stale[0].Status, "paused operations are cancelled")
	assert.Contains(t, report.Stale[0].ErrorLog[0].Error, "424242")
}

func TestSweep_KeepsLiveAndRemoteHolders(t *testing.T) {
	ctx := context.Background()
	e := newMemoryEnv(t)
	e.rec.pidExists = func(context.Context, int) (bool, error) { return false, nil }

	e.major(t, "remote holder")
	report, err := e.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Stale, "PIDs are only checked on the holder's own host")
}

type flakyLedger struct {
	core.Ledger
	fail atomic.Bool
}

func (f *flakyLedger) Query(ctx context.Context, filter core.Filter) ([]*core.OperationRecord, error) {
	if f.fail.Load() {
		return nil, errors.New("database is locked")
	}
	return f.Ledger.Query(ctx, filter)
}

func TestSweep_BreakerHaltsAfterFailures(t *testing.T) {
	ctx := context.Background()
	fl := &flakyLedger{Ledger: ledger.NewMemory()}
	r := New(Config{Ledger: fl, FailureThreshold: 2})

	fl.fail.Store(true)
	_, err := r.Sweep(ctx)
	require.Error(t, err)
	_, err = r.Sweep(ctx)
	require.Error(t, err)
	assert.True(t, r.Status().BreakerOpen)
	require.NotNil(t, r.Status().LastFailureAt)

	fl.fail.Store(false)
	_, err = r.Sweep(ctx)
	assert.ErrorIs(t, err, ErrBreakerOpen)

	r.ResetBreaker()
	_, err = r.Sweep(ctx)
	require.NoError(t, err)
	st := r.Status()
	assert.False(t, st.BreakerOpen)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.NotNil(t, st.LastSweepAt)
}

func TestStart_PromotesOnLedgerChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := ledger.NewMemory()
	g := gate.New(l)
	mgr := lifecycle.New(l) // no promoter: the background loop must react
	r := New(Config{Ledger: l, Interval: time.Hour})
	r.tickerFactory = func(time.Duration) *time.Ticker { return time.NewTicker(time.Hour) }

	a, err := g.StartOrQueueMajor(ctx, core.Request{Type: core.OpRescoring, Description: "A", CreatedBy: "u"})
	require.NoError(t, err)
	b, err := g.StartOrQueueMajor(ctx, core.Request{Type: core.OpRescoring, Description: "B", CreatedBy: "u"})
	require.NoError(t, err)

	require.NoError(t, r.Start(ctx))
	assert.Error(t, r.Start(ctx), "double start")
	assert.Eventually(t, func() bool { return r.Status().Running }, time.Second, 5*time.Millisecond)

	_, err = mgr.Complete(ctx, a.Record.ID, core.StatusCompleted)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := l.Get(ctx, b.Record.ID)
		return err == nil && rec.Status == core.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, r.Stop(stopCtx))
	assert.False(t, r.Status().Running)
}

func TestPromoteNext_ConcurrentReconcilersPromoteOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	l1, err := ledger.OpenSQLite(ctx, path, ledger.WithPollInterval(0))
	require.NoError(t, err)
	defer l1.Close()
	l2, err := ledger.OpenSQLite(ctx, path, ledger.WithPollInterval(0))
	require.NoError(t, err)
	defer l2.Close()

	g := gate.New(l1)
	a, err := g.StartOrQueueMajor(ctx, core.Request{Type: core.OpRescoring, Description: "A", CreatedBy: "u"})
	require.NoError(t, err)
	var queued []core.OperationID
	for i := 0; i < 3; i++ {
		adm, err := g.StartOrQueueMajor(ctx, core.Request{Type: core.OpBulkScoring, Description: "queued", CreatedBy: "u"})
		require.NoError(t, err)
		require.True(t, adm.Queued)
		queued = append(queued, adm.Record.ID)
	}

	reconcilers := []*Reconciler{New(Config{Ledger: l1}), New(Config{Ledger: l2})}
	mgr := lifecycle.New(l1)

	current := a.Record.ID
	for _, want := range queued {
		_, err := mgr.Complete(ctx, current, core.StatusCompleted)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var promotions int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(r *Reconciler) {
				defer wg.Done()
				rec, err := r.PromoteNext(ctx)
				assert.NoError(t, err)
				if rec != nil {
					atomic.AddInt32(&promotions, 1)
					assert.Equal(t, want, rec.ID, "promotion follows FIFO order")
				}
			}(reconcilers[i%2])
		}
		wg.Wait()
		assert.Equal(t, int32(1), promotions)
		current = want
	}
}
