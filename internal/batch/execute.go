package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/control"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/events"
	"github.com/hugo-lorenzo-mato/opsgate/internal/gate"
	"github.com/hugo-lorenzo-mato/opsgate/internal/lifecycle"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

// DefaultHeartbeatInterval keeps a record well inside the reconciler's
// default staleness window.
const DefaultHeartbeatInterval = 30 * time.Second

// Deps are the collaborators Execute needs. Notifier, Bus and Logger are
// optional.
type Deps struct {
	Ledger            core.Ledger
	Gate              *gate.Gate
	Lifecycle         *lifecycle.Manager
	Notifier          core.Notifier
	Bus               *events.EventBus
	Logger            *logging.Logger
	HeartbeatInterval time.Duration
}

// Result is the outcome of Execute.
type Result struct {
	Record  *core.OperationRecord `json:"record"`
	Summary Summary               `json:"summary"`
}

// Execute registers req as a minor operation, runs items against it and
// finishes the record: completed when the run went through, failed when a
// resource ran out, cancelled when the run was stopped. Pause and cancel
// requests written to the ledger by any process reach the run at its next
// batch boundary.
func Execute(ctx context.Context, deps Deps, runner Runner, req core.Request, items []Item, process ProcessFunc, opts ...RunOption) (Result, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = core.NopNotifier{}
	}

	req.TotalItems = len(items)
	rec, err := deps.Gate.RegisterMinor(ctx, req)
	if err != nil {
		return Result{}, err
	}
	id := rec.ID
	logger = logger.WithOperation(string(id)).WithActor(req.CreatedBy)
	ctx = logging.ContextWithOperation(ctx, string(id))

	plane := control.New()
	unbind, err := control.Bind(ctx, plane, deps.Ledger, id)
	if err != nil {
		// The reconciler never expires minor records.
		if cancelled, cerr := deps.Lifecycle.Cancel(context.WithoutCancel(ctx), id, "run control unavailable"); cerr == nil {
			rec = cancelled
		} else if !core.IsConflict(cerr) {
			logger.Warn("cancelling operation after bind failure", "error", cerr)
		}
		return Result{Record: rec}, err
	}
	defer unbind()

	stopBeat := startHeartbeat(ctx, deps.Lifecycle, id, deps.HeartbeatInterval, logger)
	opts = append(opts,
		WithPlane(plane),
		WithProgressSink(NewLedgerSink(deps.Lifecycle, id, deps.Bus)),
		WithLogger(logger),
	)
	summary := runner.Run(ctx, items, process, opts...)
	stopBeat()

	final, err := finish(context.WithoutCancel(ctx), deps.Lifecycle, id, summary, plane)
	if err != nil {
		return Result{Record: rec, Summary: summary}, err
	}
	if summary.CreditsDepleted {
		notifier.Notify(ctx, core.Notification{
			Kind:        core.NoticeCreditsDepleted,
			OperationID: id,
			Message: fmt.Sprintf("%s stopped after %d of %d items: credits depleted, add capacity before running it again",
				final.Label(), summary.Processed, summary.Total),
			Record: final,
			At:     time.Now(),
		})
	}
	logger.Info("batch run finished",
		"status", final.Status,
		"successful", summary.Successful,
		"failed", summary.Failed,
		"warnings", summary.Warnings,
		"credits_depleted", summary.CreditsDepleted,
	)
	return Result{Record: final, Summary: summary}, nil
}

func finish(ctx context.Context, lc *lifecycle.Manager, id core.OperationID, sum Summary, plane *control.Plane) (*core.OperationRecord, error) {
	rec, err := lc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		// Finished elsewhere, most likely a cancel from another process.
		return rec, nil
	}

	if sum.Cancelled {
		reason := plane.Reason()
		if reason == "" {
			reason = "run stopped"
		}
		return lc.Cancel(ctx, id, reason)
	}

	if rec.Status == core.StatusPaused {
		// The pause landed after the last batch; there is nothing left to hold.
		if _, err := lc.Resume(ctx, id); err != nil && !core.IsStaleState(err) {
			return nil, err
		}
	}
	status := core.StatusCompleted
	if sum.CreditsDepleted {
		status = core.StatusFailed
	}
	final, err := lc.Complete(ctx, id, status)
	if err != nil && core.IsConflict(err) {
		if current, getErr := lc.Get(ctx, id); getErr == nil && current.Status.IsTerminal() {
			return current, nil
		}
	}
	return final, err
}

func startHeartbeat(ctx context.Context, lc *lifecycle.Manager, id core.OperationID, every time.Duration, logger *logging.Logger) func() {
	if every <= 0 {
		every = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := lc.Heartbeat(ctx, id); err != nil {
					if core.IsConflict(err) || errors.Is(err, context.Canceled) {
						return
					}
					logger.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
