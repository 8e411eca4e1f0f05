package observer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/opsgate/internal/adapters/ledger"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/events"
	"github.com/hugo-lorenzo-mato/opsgate/internal/gate"
	"github.com/hugo-lorenzo-mato/opsgate/internal/lifecycle"
)

func drive(t *testing.T, l core.Ledger) {
	t.Helper()
	ctx := context.Background()
	g := gate.New(l)
	m := lifecycle.New(l)

	a, err := g.StartOrQueueMajor(ctx, core.Request{Type: core.OpRescoring, Description: "A", CreatedBy: "u"})
	require.NoError(t, err)
	_, err = g.StartOrQueueMajor(ctx, core.Request{Type: core.OpUniverseRebuild, Description: "B", CreatedBy: "u"})
	require.NoError(t, err)
	c, err := g.StartOrQueueMajor(ctx, core.Request{Type: core.OpBulkScoring, Description: "C", CreatedBy: "u"})
	require.NoError(t, err)
	_, err = m.Pause(ctx, a.Record.ID, "")
	require.NoError(t, err)
	_, err = m.Cancel(ctx, c.Record.ID, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		minor, err := g.RegisterMinor(ctx, core.Request{Type: core.OpContactEnrichment, Description: "enrich", CreatedBy: "u", TotalItems: 2})
		require.NoError(t, err)
		if i == 0 {
			_, err = m.Complete(ctx, minor.ID, core.StatusCompleted)
			require.NoError(t, err)
		}
	}
}

func TestObserver_FreshMatchesLive(t *testing.T) {
	backends := map[string]func(t *testing.T) core.Ledger{
		"memory": func(t *testing.T) core.Ledger { return ledger.NewMemory() },
		"sqlite": func(t *testing.T) core.Ledger {
			l, err := ledger.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "obs.db"), ledger.WithPollInterval(0))
			require.NoError(t, err)
			return l
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := open(t)
			defer l.Close()

			live := New(l, WithFallbackInterval(time.Hour))
			require.NoError(t, live.Start(ctx))
			defer live.Stop()

			drive(t, l)

			fresh := New(l)
			want, err := fresh.Resync(ctx)
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				return assert.ObjectsAreEqual(want, live.Views())
			}, 2*time.Second, 10*time.Millisecond)

			assert.Nil(t, want.RunningMajor)
			require.NotNil(t, want.PausedMajor)
			assert.Equal(t, "A", want.PausedMajor.Description)
			require.Len(t, want.QueuedMajor, 1)
			assert.Equal(t, "B", want.QueuedMajor[0].Description)
			assert.Len(t, want.RecentHistory, 2)
			assert.Len(t, want.RunningMinor, 2)
		})
	}
}

func TestObserver_ChangesAndBus(t *testing.T) {
	ctx := context.Background()
	bus := events.New(10)
	defer bus.Close()
	busCh := bus.Subscribe(events.TypeViewsUpdated)

	l := ledger.NewMemory()
	o := New(l, WithEventBus(bus), WithFallbackInterval(time.Hour), WithHistoryLimit(5))
	changes, stop := o.Changes()
	defer stop()

	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	_, err := gate.New(l).StartOrQueueMajor(ctx, core.Request{Type: core.OpRescoring, Description: "A", CreatedBy: "u"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for seen := false; !seen; {
		select {
		case v := <-changes:
			if v.RunningMajor != nil {
				assert.Equal(t, "A", v.RunningMajor.Description)
				seen = true
			}
		case <-deadline:
			t.Fatal("no views with the running operation")
		}
	}

	select {
	case e := <-busCh:
		_, ok := e.(events.ViewsUpdatedEvent)
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected views_updated on the bus")
	}
	assert.False(t, o.LastSync().IsZero())
}

func TestObserver_FallbackTimerCatchesMissedChanges(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	// The writer is another process; the observer's ledger never polls, so
	// only the fallback timer can notice the change.
	writer, err := ledger.OpenSQLite(ctx, path, ledger.WithPollInterval(0))
	require.NoError(t, err)
	defer writer.Close()
	reader, err := ledger.OpenSQLite(ctx, path, ledger.WithPollInterval(0))
	require.NoError(t, err)
	defer reader.Close()

	o := New(reader, WithFallbackInterval(20*time.Millisecond))
	require.NoError(t, o.Start(ctx))
	defer o.Stop()
	assert.Nil(t, o.Views().RunningMajor)

	_, err = gate.New(writer).StartOrQueueMajor(ctx, core.Request{Type: core.OpRescoring, Description: "remote", CreatedBy: "u"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v := o.Views()
		return v.RunningMajor != nil && v.RunningMajor.Description == "remote"
	}, 2*time.Second, 10*time.Millisecond)
}
