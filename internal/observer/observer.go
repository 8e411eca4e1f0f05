package observer

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/events"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

// DefaultFallbackInterval is how often views are recomputed when no change
// notification arrives.
const DefaultFallbackInterval = 3 * time.Second

// Observer keeps views current by re-querying the ledger on every change
// notification and on a fallback timer.
type Observer struct {
	ledger       core.Ledger
	bus          *events.EventBus
	logger       *logging.Logger
	historyLimit int
	fallback     time.Duration

	mu      sync.RWMutex
	views   Views
	synced  time.Time
	watchMu sync.Mutex
	watches map[chan Views]struct{}

	dirty  chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures an Observer.
type Option func(*Observer)

// WithHistoryLimit sets how many finished operations are kept in the views.
func WithHistoryLimit(n int) Option {
	return func(o *Observer) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// WithFallbackInterval sets the resync period used when notifications are missed.
func WithFallbackInterval(d time.Duration) Option {
	return func(o *Observer) {
		if d > 0 {
			o.fallback = d
		}
	}
}

// WithEventBus publishes a views_updated event whenever the views change.
func WithEventBus(bus *events.EventBus) Option {
	return func(o *Observer) {
		o.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Observer) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an observer. Call Start to follow changes, or Resync for a
// one-off snapshot.
func New(ledger core.Ledger, opts ...Option) *Observer {
	o := &Observer{
		ledger:       ledger,
		logger:       logging.NewNop(),
		historyLimit: DefaultHistoryLimit,
		fallback:     DefaultFallbackInterval,
		views:        Project(nil, DefaultHistoryLimit),
		watches:      make(map[chan Views]struct{}),
		dirty:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithComponent("observer")
	return o
}

// Resync rebuilds the views from a fresh ledger scan: every unfinished
// operation plus the most recently finished ones.
func (o *Observer) Resync(ctx context.Context) (Views, error) {
	live, err := o.ledger.Query(ctx, core.Filter{Statuses: core.NonTerminalStatuses})
	if err != nil {
		return Views{}, fmt.Errorf("loading unfinished operations: %w", err)
	}
	done, err := o.ledger.Query(ctx, core.Filter{
		Statuses: core.TerminalStatuses,
		Order:    core.OrderRecentlyFinished,
		Limit:    o.historyLimit,
	})
	if err != nil {
		return Views{}, fmt.Errorf("loading finished operations: %w", err)
	}

	views := Project(append(live, done...), o.historyLimit)

	o.mu.Lock()
	changed := !reflect.DeepEqual(o.views, views)
	o.views = views
	o.synced = time.Now()
	o.mu.Unlock()

	if changed {
		o.broadcast(views)
	}
	return views, nil
}

// Views returns the latest computed views.
func (o *Observer) Views() Views {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.views
}

// LastSync returns when the views were last recomputed.
func (o *Observer) LastSync() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.synced
}

// Changes delivers the views every time they change. Slow readers only see
// the latest views. Call the returned function to stop.
func (o *Observer) Changes() (<-chan Views, func()) {
	ch := make(chan Views, 1)
	o.watchMu.Lock()
	o.watches[ch] = struct{}{}
	o.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.watchMu.Lock()
			delete(o.watches, ch)
			o.watchMu.Unlock()
		})
	}
}

func (o *Observer) broadcast(v Views) {
	o.watchMu.Lock()
	for ch := range o.watches {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
	o.watchMu.Unlock()

	if o.bus != nil {
		o.bus.Publish(events.NewViewsUpdatedEvent(v))
	}
}

// Start follows ledger changes until Stop or ctx cancellation. The first
// resync happens before Start returns.
func (o *Observer) Start(ctx context.Context) error {
	if _, err := o.Resync(ctx); err != nil {
		return err
	}
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})

	unsubscribe := o.ledger.Subscribe(func(core.ChangeEvent) {
		select {
		case o.dirty <- struct{}{}:
		default:
		}
	})
	go o.run(ctx, unsubscribe)
	return nil
}

func (o *Observer) run(ctx context.Context, unsubscribe func()) {
	defer close(o.doneCh)
	defer unsubscribe()

	ticker := time.NewTicker(o.fallback)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-o.dirty:
		case <-ticker.C:
		}
		if _, err := o.Resync(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("recomputing views", "error", err)
		}
	}
}

// Stop ends the follow loop started by Start.
func (o *Observer) Stop() {
	if o.stopCh == nil {
		return
	}
	select {
	case <-o.stopCh:
	default:
		close(o.stopCh)
	}
	<-o.doneCh
}
