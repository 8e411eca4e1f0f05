// Package gate is the admission controller for background operations. Major
// operations are admitted one at a time across every process sharing the
// ledger; minor operations bypass the gate and start immediately.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

// Admission is the outcome of StartOrQueueMajor.
type Admission struct {
	// Queued is set when another major operation holds the slot.
	Queued bool `json:"queued"`
	// Record is the stored operation, running or queued.
	Record *core.OperationRecord `json:"record"`
	// Blocker is the operation the new one waits behind. Nil unless Queued.
	Blocker *core.OperationRecord `json:"blocker,omitempty"`
}

// Gate decides whether a major operation may start now or must wait.
type Gate struct {
	ledger   core.Ledger
	registry *core.TypeRegistry
	notifier core.Notifier
	logger   *logging.Logger
	now      func() time.Time
	holder   core.Holder
}

// Option configures a Gate.
type Option func(*Gate)

// WithNotifier sets where blocker and queue notifications go.
func WithNotifier(n core.Notifier) Option {
	return func(g *Gate) {
		if n != nil {
			g.notifier = n
		}
	}
}

// WithRegistry sets the operation type registry used to classify requests.
func WithRegistry(r *core.TypeRegistry) Option {
	return func(g *Gate) {
		if r != nil {
			g.registry = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithHolder records h as the process holding operations admitted by this gate.
// Defaults to the current host and PID.
func WithHolder(h core.Holder) Option {
	return func(g *Gate) {
		g.holder = h
	}
}

// New creates a gate over ledger.
func New(ledger core.Ledger, opts ...Option) *Gate {
	g := &Gate{
		ledger:   ledger,
		registry: core.DefaultTypeRegistry(),
		notifier: core.NopNotifier{},
		logger:   logging.NewNop(),
		now:      time.Now,
		holder:   core.CurrentHolder(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithComponent("gate")
	return g
}

// Registry returns the type registry the gate classifies requests with.
func (g *Gate) Registry() *core.TypeRegistry {
	return g.registry
}

// CheckBlocker returns the major operation currently running or paused, or nil.
// The answer is advisory: only StartOrQueueMajor admits atomically.
func (g *Gate) CheckBlocker(ctx context.Context) (*core.OperationRecord, error) {
	recs, err := g.ledger.Query(ctx, core.Filter{
		Classifications: []core.Classification{core.ClassMajor},
		Statuses:        core.ActiveStatuses,
		Order:           core.OrderSeq,
		Limit:           1,
	})
	if err != nil {
		return nil, fmt.Errorf("checking for blocker: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// StartOrQueueMajor stores req as running when no major operation is active,
// and as queued behind the active one otherwise. Both outcomes are successes.
func (g *Gate) StartOrQueueMajor(ctx context.Context, req core.Request) (Admission, error) {
	class, err := g.registry.Resolve(req)
	if err != nil {
		return Admission{}, err
	}
	if class != core.ClassMajor {
		return Admission{}, core.ErrValidation(core.CodeInvalidRequest,
			fmt.Sprintf("operation type %q is %s; register it with RegisterMinor", req.Type, class))
	}

	rec := g.newRecord(req, class)
	admitted, blocker, err := g.ledger.AdmitMajor(ctx, rec)
	if err != nil {
		return Admission{}, fmt.Errorf("admitting major operation: %w", err)
	}

	log := g.logger.WithOperation(string(admitted.ID)).WithActor(req.CreatedBy)
	if blocker == nil {
		log.Info("major operation started", "type", admitted.Type, "description", admitted.Description)
		return Admission{Record: admitted}, nil
	}

	log.Info("major operation queued",
		"type", admitted.Type,
		"blocker_id", blocker.ID,
		"blocker_status", blocker.Status,
	)
	now := g.now()
	g.notifier.Notify(ctx, core.Notification{
		Kind:        core.NoticeBlockerDetected,
		OperationID: admitted.ID,
		Message:     fmt.Sprintf("%q is %s (started by %s)", blocker.Label(), blocker.Status, blocker.CreatedBy),
		Record:      admitted,
		Blocker:     blocker,
		At:          now,
	})
	g.notifier.Notify(ctx, core.Notification{
		Kind:        core.NoticeQueued,
		OperationID: admitted.ID,
		Message:     QueuedMessage(blocker),
		Record:      admitted,
		Blocker:     blocker,
		At:          now,
	})
	return Admission{Queued: true, Record: admitted, Blocker: blocker}, nil
}

// RegisterMinor stores req as running without consulting the gate.
func (g *Gate) RegisterMinor(ctx context.Context, req core.Request) (*core.OperationRecord, error) {
	class, err := g.registry.Resolve(req)
	if err != nil {
		return nil, err
	}
	if class != core.ClassMinor {
		return nil, core.ErrValidation(core.CodeInvalidRequest,
			fmt.Sprintf("operation type %q is %s; admit it with StartOrQueueMajor", req.Type, class))
	}

	rec := g.newRecord(req, class)
	now := g.now()
	rec.Status = core.StatusRunning
	rec.StartedAt = &now
	beat := now
	rec.HeartbeatAt = &beat

	id, err := g.ledger.Insert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("registering minor operation: %w", err)
	}
	stored, err := g.ledger.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading minor operation: %w", err)
	}
	g.logger.WithOperation(string(id)).WithActor(req.CreatedBy).
		Debug("minor operation registered", "type", stored.Type, "total_items", stored.TotalItems)
	return stored, nil
}

func (g *Gate) newRecord(req core.Request, class core.Classification) *core.OperationRecord {
	rec := core.NewRecord(req, class)
	rec.HolderHost = g.holder.Host
	rec.HolderPID = g.holder.PID
	return rec
}

// QueuedMessage is what a requester is told when its operation waits.
func QueuedMessage(blocker *core.OperationRecord) string {
	return fmt.Sprintf("queued behind %s, will start automatically", blocker.Label())
}
