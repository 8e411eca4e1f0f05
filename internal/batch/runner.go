// Package batch runs the workload of a minor operation: items are processed
// in fixed-size batches, concurrently within a batch, with a pause between
// batches and a hard stop once an external resource reports exhaustion.
package batch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/opsgate/internal/control"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

// Defaults used when a Runner field is zero.
const (
	DefaultBatchSize       = 14
	DefaultInterBatchDelay = time.Second
)

// ItemStatus is the per-item state within a run.
type ItemStatus string

// Item statuses.
const (
	ItemPending ItemStatus = "pending"
	ItemRunning ItemStatus = "running"
	ItemSuccess ItemStatus = "success"
	ItemWarning ItemStatus = "warning"
	ItemError   ItemStatus = "error"
)

// Item is one unit of work.
type Item struct {
	ID    string `json:"id"`
	Value any    `json:"value,omitempty"`
}

// Outcome is what process reports for an item that did not fail. Empty marks
// an item that succeeded without producing anything usable.
type Outcome struct {
	Empty  bool   `json:"empty,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ProcessFunc does the work for one item. Returning an error built with
// core.ErrResourceExhausted stops the run after the current batch.
type ProcessFunc func(ctx context.Context, item Item) (Outcome, error)

// ItemState is the recorded result of one item.
type ItemState struct {
	ID     string     `json:"id"`
	Batch  int        `json:"batch"`
	Status ItemStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Summary is the result of a run, complete or not.
type Summary struct {
	Successful      int         `json:"successful"`
	Failed          int         `json:"failed"`
	Warnings        int         `json:"warnings"`
	CreditsDepleted bool        `json:"credits_depleted"`
	Cancelled       bool        `json:"cancelled"`
	Processed       int         `json:"processed"`
	Total           int         `json:"total"`
	Batches         int         `json:"batches"`
	Items           []ItemState `json:"items"`
}

// Runner holds the pacing policy. A zero BatchSize means DefaultBatchSize and a
// zero InterBatchDelay starts batches back to back.
type Runner struct {
	BatchSize       int
	InterBatchDelay time.Duration
}

type runConfig struct {
	plane   *control.Plane
	limiter *RateLimiter
	sink    ProgressSink
	logger  *logging.Logger
}

// RunOption configures a single run.
type RunOption func(*runConfig)

// WithPlane lets pause and cancel requests reach the run at batch boundaries.
func WithPlane(p *control.Plane) RunOption {
	return func(c *runConfig) {
		c.plane = p
	}
}

// WithRateLimiter makes every item take a token before it is processed.
func WithRateLimiter(l *RateLimiter) RunOption {
	return func(c *runConfig) {
		c.limiter = l
	}
}

// WithProgressSink receives a report after each batch settles.
func WithProgressSink(s ProgressSink) RunOption {
	return func(c *runConfig) {
		c.sink = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) RunOption {
	return func(c *runConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func (r Runner) batchSize() int {
	if r.BatchSize > 0 {
		return r.BatchSize
	}
	return DefaultBatchSize
}

// Run processes items and returns once every started batch has settled.
//
// Cancellation is checked only between batches: a cancelled plane or context
// stops the next batch from starting, in-flight items are left to finish. The
// context is still passed to process, so cancelling it also reaches item calls
// that honour it.
//
// Outcomes in a batch that reported resource exhaustion are kept in Items but
// only its failures count toward the tallies, since the provider state those
// results were produced under is unknown.
func (r Runner) Run(ctx context.Context, items []Item, process ProcessFunc, opts ...RunOption) Summary {
	cfg := runConfig{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger.WithContext(ctx)

	size := r.batchSize()
	batches := (len(items) + size - 1) / size
	sum := Summary{Total: len(items), Items: make([]ItemState, len(items))}
	for i, it := range items {
		sum.Items[i] = ItemState{ID: it.ID, Batch: i/size + 1, Status: ItemPending}
	}

	for b := 0; b < batches; b++ {
		if stop := r.boundary(ctx, cfg.plane); stop != nil {
			sum.Cancelled = true
			logger.Info("batch run stopped", "reason", stop.Error(),
				"processed", sum.Processed, "total", sum.Total)
			break
		}

		lo, hi := b*size, min((b+1)*size, len(items))
		states := sum.Items[lo:hi]
		exhausted := runBatch(ctx, items[lo:hi], states, process, cfg.limiter)

		report := BatchReport{Batch: b + 1, Batches: batches, CreditsDepleted: exhausted}
		for i := range states {
			st := &states[i]
			sum.Processed++
			switch {
			case st.Status == ItemError:
				sum.Failed++
				report.Errors = append(report.Errors, core.ErrorEntry{ItemID: st.ID, Error: st.Error})
			case exhausted:
			case st.Status == ItemWarning:
				sum.Warnings++
			default:
				sum.Successful++
			}
		}
		sum.Batches++
		report.Processed, report.Total = sum.Processed, sum.Total
		report.Successful, report.Failed, report.Warnings = sum.Successful, sum.Failed, sum.Warnings

		logger.Debug("batch settled", "batch", report.Batch, "of", batches,
			"successful", sum.Successful, "failed", sum.Failed, "warnings", sum.Warnings)
		if cfg.sink != nil {
			if err := cfg.sink.BatchSettled(ctx, report); err != nil {
				logger.Warn("recording batch progress failed", "batch", report.Batch, "error", err)
			}
		}

		if exhausted {
			sum.CreditsDepleted = true
			logger.Warn("resource exhausted, stopping run",
				"batch", report.Batch, "processed", sum.Processed, "total", sum.Total)
			break
		}
		if b < batches-1 && r.InterBatchDelay > 0 {
			if err := delay(ctx, cfg.plane, r.InterBatchDelay); err != nil {
				sum.Cancelled = true
				logger.Info("batch run stopped", "reason", err.Error(),
					"processed", sum.Processed, "total", sum.Total)
				break
			}
		}
	}
	return sum
}

// boundary returns non-nil when the next batch must not start. It blocks
// while the plane is paused.
func (r Runner) boundary(ctx context.Context, plane *control.Plane) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if plane == nil {
		return nil
	}
	if err := plane.CheckCancelled(); err != nil {
		return err
	}
	return plane.WaitIfPaused(ctx)
}

func delay(ctx context.Context, plane *control.Plane, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var cancelled <-chan struct{}
	if plane != nil {
		cancelled = plane.Cancelled()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cancelled:
		return control.ErrCancelled
	case <-timer.C:
		return nil
	}
}

// runBatch processes one batch and reports whether any item exhausted the
// resource. Item failures never cancel siblings.
func runBatch(ctx context.Context, items []Item, states []ItemState, process ProcessFunc, limiter *RateLimiter) bool {
	exhausted := make([]bool, len(items))

	var g errgroup.Group
	for i := range items {
		states[i].Status = ItemRunning
		g.Go(func() error {
			outcome, err := processItem(ctx, items[i], process, limiter)
			st := &states[i]
			switch {
			case err != nil:
				st.Status = ItemError
				st.Error = core.ErrorMessage(err)
				exhausted[i] = core.IsResourceExhausted(err)
			case outcome.Empty:
				st.Status = ItemWarning
				st.Detail = outcome.Detail
			default:
				st.Status = ItemSuccess
				st.Detail = outcome.Detail
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, e := range exhausted {
		if e {
			return true
		}
	}
	return false
}

func processItem(ctx context.Context, item Item, process ProcessFunc, limiter *RateLimiter) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.ErrProcessing(item.ID, fmt.Sprintf("panic: %v", r))
		}
	}()
	if limiter != nil {
		if err := limiter.Acquire(ctx); err != nil {
			return Outcome{}, fmt.Errorf("waiting for rate limit: %w", err)
		}
	}
	return process(ctx, item)
}

