// Package ledger implements the shared operation ledger: an in-memory backend
// for single-process use and tests, and a SQL backend (SQLite or MySQL) that
// several uncoordinated processes can share.
package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/opsgate/internal/events"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

// DefaultPollInterval is how often the SQL ledger looks for changes made by
// other processes when no signal wakes it earlier.
const DefaultPollInterval = time.Second

type options struct {
	now          func() time.Time
	newID        func() string
	bus          *events.EventBus
	logger       *logging.Logger
	pollInterval time.Duration
	signals      []ChangeSignal
}

func defaultOptions() options {
	return options{
		now:          time.Now,
		newID:        func() string { return uuid.NewString() },
		logger:       logging.NewNop(),
		pollInterval: DefaultPollInterval,
	}
}

// Option configures a ledger.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides operation ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithEventBus mirrors every change onto bus as an operation_changed event.
func WithEventBus(bus *events.EventBus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPollInterval sets how often the SQL ledger polls for remote changes.
// Zero or negative disables polling; remote changes are then only seen by Query.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithSignal adds a cross-process change signal to the SQL ledger.
func WithSignal(s ChangeSignal) Option {
	return func(o *options) {
		if s != nil {
			o.signals = append(o.signals, s)
		}
	}
}
