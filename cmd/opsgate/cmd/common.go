package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/opsgate/internal/adapters/ledger"
	"github.com/hugo-lorenzo-mato/opsgate/internal/config"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/events"
	"github.com/hugo-lorenzo-mato/opsgate/internal/gate"
	"github.com/hugo-lorenzo-mato/opsgate/internal/lifecycle"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
	"github.com/hugo-lorenzo-mato/opsgate/internal/reconciler"
)

// eventBufferSize is the per-subscriber buffer of the process event bus.
const eventBufferSize = 100

// loadConfig loads and validates configuration, honoring --config and flags
// bound to the global viper instance.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to stderr, or to log.file when
// set, so command output on stdout stays parseable.
func newLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	lc := cfg.LoggingConfig()
	lc.Output = os.Stderr
	closeFn := func() {}
	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		lc.Output = f
		closeFn = func() { _ = f.Close() }
	}
	return logging.New(lc), closeFn, nil
}

// Runtime is the set of collaborators one command invocation works with.
type Runtime struct {
	Config     *config.Config
	Logger     *logging.Logger
	Bus        *events.EventBus
	Notifier   core.Notifier
	Ledger     core.Ledger
	Gate       *gate.Gate
	Lifecycle  *lifecycle.Manager
	Reconciler *reconciler.Reconciler

	closers []func()
}

// openRuntime loads configuration and opens the shared ledger. The lifecycle
// manager promotes the next queued major operation through the reconciler, so
// finishing an operation from the CLI starts whatever waited behind it.
func openRuntime(ctx context.Context) (*Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Logger: logger}
	rt.closers = append(rt.closers, closeLog)

	rt.Bus = events.New(eventBufferSize)
	rt.closers = append(rt.closers, rt.Bus.Close)
	rt.Notifier = events.NewNotifier(rt.Bus)

	l, err := ledger.Open(ctx, cfg.LedgerSettings(),
		ledger.WithEventBus(rt.Bus),
		ledger.WithLogger(logger),
	)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	rt.Ledger = l
	rt.closers = append(rt.closers, func() {
		if err := ledger.Close(l); err != nil {
			logger.Warn("closing ledger", "error", err)
		}
	})

	rt.Reconciler = reconciler.New(reconciler.Config{
		Ledger:           l,
		Notifier:         rt.Notifier,
		Logger:           logger,
		Interval:         cfg.Reconciler.Interval,
		StaleAfter:       cfg.Reconciler.StaleAfter,
		FailureThreshold: cfg.Reconciler.FailureThreshold,
	})
	rt.Gate = gate.New(l,
		gate.WithNotifier(rt.Notifier),
		gate.WithLogger(logger),
	)
	rt.Lifecycle = lifecycle.New(l,
		lifecycle.WithPromoter(rt.Reconciler),
		lifecycle.WithEventBus(rt.Bus),
		lifecycle.WithLogger(logger),
	)
	return rt, nil
}

// Close releases everything in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// currentActor returns --actor, falling back to the OS user.
func currentActor() string {
	if actor != "" {
		return actor
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "cli"
}
