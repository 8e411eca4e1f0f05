// Package reconciler promotes queued major operations once the exclusive slot
// frees up, and fails operations whose holder process has gone away.
//
// Promotion runs from three places: synchronously after the lifecycle manager
// finishes a major operation, on ledger change events, and on a periodic
// sweep. Every path goes through Ledger.PromoteMajor, which re-checks the slot
// and the FIFO head atomically, so concurrent reconcilers in different
// processes cannot promote twice.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

const (
	// DefaultInterval is the time between periodic sweeps.
	DefaultInterval = 5 * time.Second
	// DefaultStaleAfter is how long an active major operation may go without a
	// heartbeat before it is considered abandoned.
	DefaultStaleAfter = 10 * time.Minute

	// maxPromoteAttempts bounds retries when the queue head changes underneath us.
	maxPromoteAttempts = 5
)

// ErrBreakerOpen is returned by Sweep while the breaker is open.
var ErrBreakerOpen = errors.New("reconciler halted after repeated failures; reset required")

// Config holds the reconciler's dependencies and tuning.
type Config struct {
	Ledger           core.Ledger
	Notifier         core.Notifier
	Logger           *logging.Logger
	Interval         time.Duration
	StaleAfter       time.Duration
	FailureThreshold int
	// Clock overrides time.Now.
	Clock func() time.Time
	// PidExists overrides the process liveness check.
	PidExists func(ctx context.Context, pid int) (bool, error)
}

// Report describes what one sweep did.
type Report struct {
	Promoted *core.OperationRecord   `json:"promoted,omitempty"`
	Stale    []*core.OperationRecord `json:"stale,omitempty"`
}

// Status is the reconciler state for API responses.
type Status struct {
	Running             bool       `json:"running"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	BreakerOpen         bool       `json:"breaker_open"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastSweepAt         *time.Time `json:"last_sweep_at,omitempty"`
}

// Reconciler keeps the major queue moving.
type Reconciler struct {
	ledger     core.Ledger
	notifier   core.Notifier
	breaker    *Breaker
	logger     *logging.Logger
	now        func() time.Time
	pidExists  func(ctx context.Context, pid int) (bool, error)
	hostname   string
	interval   time.Duration
	staleAfter time.Duration

	// promoteMu keeps this process from racing itself; other processes are
	// handled by the ledger.
	promoteMu sync.Mutex

	running   atomic.Bool
	lastSweep atomic.Value // time.Time
	kick      chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	tickerFactory func(time.Duration) *time.Ticker
}

// New creates a reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Notifier == nil {
		cfg.Notifier = core.NopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.PidExists == nil {
		cfg.PidExists = func(ctx context.Context, pid int) (bool, error) {
			return process.PidExistsWithContext(ctx, int32(pid))
		}
	}
	host, _ := os.Hostname()

	r := &Reconciler{
		ledger:        cfg.Ledger,
		notifier:      cfg.Notifier,
		breaker:       NewBreaker(cfg.FailureThreshold),
		logger:        cfg.Logger.WithComponent("reconciler"),
		now:           cfg.Clock,
		pidExists:     cfg.PidExists,
		hostname:      host,
		interval:      cfg.Interval,
		staleAfter:    cfg.StaleAfter,
		kick:          make(chan struct{}, 1),
		tickerFactory: time.NewTicker,
	}
	r.breaker.now = cfg.Clock
	return r
}

// PromoteNext moves the head of the major queue to running if the slot is
// free. It returns nil when nothing was promoted.
func (r *Reconciler) PromoteNext(ctx context.Context) (*core.OperationRecord, error) {
	r.promoteMu.Lock()
	defer r.promoteMu.Unlock()

	for attempt := 0; attempt < maxPromoteAttempts; attempt++ {
		head, err := r.queueHead(ctx)
		if err != nil {
			return nil, err
		}
		if head == nil {
			return nil, nil
		}

		promoted, err := r.ledger.PromoteMajor(ctx, head.ID, core.Holder{})
		switch {
		case err == nil:
			r.logger.WithOperation(string(promoted.ID)).Info("promoted queued operation",
				"type", promoted.Type,
				"waited", promoted.StartedAt.Sub(promoted.QueuedAt).Round(time.Millisecond).String(),
			)
			r.notifier.Notify(ctx, core.Notification{
				Kind:        core.NoticePromoted,
				OperationID: promoted.ID,
				Message:     fmt.Sprintf("%s started", promoted.Label()),
				Record:      promoted,
				At:          r.now(),
			})
			return promoted, nil
		case core.HasCode(err, core.CodeSlotOccupied):
			return nil, nil
		case core.IsConflict(err) || core.IsNotFound(err):
			// The head was cancelled, promoted elsewhere or overtaken; look again.
			r.logger.Debug("queue head changed during promotion", "candidate", head.ID, "error", err)
			continue
		default:
			return nil, fmt.Errorf("promoting %s: %w", head.ID, err)
		}
	}
	return nil, nil
}

func (r *Reconciler) queueHead(ctx context.Context) (*core.OperationRecord, error) {
	recs, err := r.ledger.Query(ctx, core.Filter{
		Classifications: []core.Classification{core.ClassMajor},
		Statuses:        []core.OperationStatus{core.StatusQueued},
		Order:           core.OrderFIFO,
		Limit:           1,
	})
	if err != nil {
		return nil, fmt.Errorf("loading queue head: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// Sweep fails abandoned major operations and then promotes the queue head.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	if r.breaker.IsOpen() {
		return Report{}, ErrBreakerOpen
	}

	report, err := r.sweep(ctx)
	r.lastSweep.Store(r.now())
	if err != nil {
		if r.breaker.RecordFailure() {
			failures, _, _ := r.breaker.State()
			r.logger.Error("reconciler breaker opened, sweeps halted",
				"consecutive_failures", failures, "error", err)
		}
		return report, err
	}
	r.breaker.RecordSuccess()
	return report, nil
}

func (r *Reconciler) sweep(ctx context.Context) (Report, error) {
	var report Report

	active, err := r.ledger.Query(ctx, core.Filter{
		Classifications: []core.Classification{core.ClassMajor},
		Statuses:        core.ActiveStatuses,
		Order:           core.OrderSeq,
	})
	if err != nil {
		return report, fmt.Errorf("loading active operations: %w", err)
	}
	for _, rec := range active {
		reason := r.staleReason(ctx, rec)
		if reason == "" {
			continue
		}
		failed, err := r.expire(ctx, rec, reason)
		if err != nil {
			if core.IsConflict(err) {
				continue
			}
			return report, err
		}
		report.Stale = append(report.Stale, failed)
	}

	promoted, err := r.PromoteNext(ctx)
	if err != nil {
		return report, err
	}
	report.Promoted = promoted
	return report, nil
}

// staleReason explains why rec's holder is considered gone, or returns "".
func (r *Reconciler) staleReason(ctx context.Context, rec *core.OperationRecord) string {
	if rec.HolderPID > 0 && rec.HolderHost != "" && rec.HolderHost == r.hostname {
		alive, err := r.pidExists(ctx, rec.HolderPID)
		if err != nil {
			r.logger.Debug("checking holder process", "pid", rec.HolderPID, "error", err)
		} else if !alive {
			return fmt.Sprintf("holder process %d on %s exited", rec.HolderPID, rec.HolderHost)
		}
	}
	if idle := r.now().Sub(rec.LastSignOfLife()); idle > r.staleAfter {
		return fmt.Sprintf("holder heartbeat expired (last seen %s ago)", idle.Round(time.Second))
	}
	return ""
}

// expire ends an abandoned operation: running records fail, paused records
// (which cannot fail) are cancelled. The update is conditional on the status
// we saw, so a holder that comes back in time wins.
func (r *Reconciler) expire(ctx context.Context, rec *core.OperationRecord, reason string) (*core.OperationRecord, error) {
	final := core.StatusFailed
	if rec.Status == core.StatusPaused {
		final = core.StatusCancelled
	}
	now := r.now()
	updated, err := r.ledger.Update(ctx, rec.ID, core.Patch{
		Status:       &final,
		CompletedAt:  &now,
		AppendErrors: []core.ErrorEntry{{ItemID: "", Error: reason, Timestamp: now}},
	}, rec.Status)
	if err != nil {
		return nil, fmt.Errorf("expiring %s: %w", rec.ID, err)
	}

	r.logger.WithOperation(string(rec.ID)).Warn("abandoned operation expired", "reason", reason, "status", final)
	r.notifier.Notify(ctx, core.Notification{
		Kind:        core.NoticeStale,
		OperationID: rec.ID,
		Message:     fmt.Sprintf("%s was stopped: %s", rec.Label(), reason),
		Record:      updated,
		At:          now,
	})
	return updated, nil
}

// Start runs sweeps in the background until Stop or ctx cancellation. Ledger
// changes to major operations trigger an early sweep.
func (r *Reconciler) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("reconciler already running")
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	unsubscribe := r.ledger.Subscribe(func(ev core.ChangeEvent) {
		if ev.Record != nil && ev.Record.IsMajor() && !ev.Record.Status.IsActive() {
			r.Kick()
		}
	})

	go r.runLoop(ctx, unsubscribe)
	r.logger.Info("reconciler started", "interval", r.interval.String(), "stale_after", r.staleAfter.String())
	return nil
}

// Kick requests a sweep as soon as possible.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Reconciler) runLoop(ctx context.Context, unsubscribe func()) {
	defer close(r.doneCh)
	defer r.running.Store(false)
	defer unsubscribe()

	ticker := r.tickerFactory(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-r.stopCh:
			r.logger.Info("reconciler stopping")
			return
		case <-ctx.Done():
			return
		case <-r.kick:
			r.tick(ctx)
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if r.breaker.IsOpen() {
		return
	}
	report, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Warn("reconcile sweep failed", "error", err)
		return
	}
	if report.Promoted != nil || len(report.Stale) > 0 {
		r.logger.Debug("reconcile sweep", "stale", len(report.Stale), "promoted", report.Promoted != nil)
	}
}

// Stop halts the background loop.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.stopCh == nil {
		return nil
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	select {
	case <-r.doneCh:
		r.logger.Info("reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetBreaker lets sweeps run again after the breaker opened.
func (r *Reconciler) ResetBreaker() {
	r.breaker.Reset()
	r.logger.Info("reconciler breaker reset")
	r.Kick()
}

// Status reports the reconciler state.
func (r *Reconciler) Status() Status {
	failures, open, lastFailure := r.breaker.State()
	s := Status{
		Running:             r.running.Load(),
		ConsecutiveFailures: failures,
		BreakerOpen:         open,
	}
	if !lastFailure.IsZero() {
		s.LastFailureAt = &lastFailure
	}
	if last, ok := r.lastSweep.Load().(time.Time); ok {
		s.LastSweepAt = &last
	}
	return s
}
