package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = DialectSQLite
	DriverMySQL  = DialectMySQL
)

// Settings selects and configures a ledger backend.
type Settings struct {
	// Driver is memory, sqlite or mysql.
	Driver string
	// Path is the SQLite database file (e.g. ".opsgate/ledger.db").
	Path string
	// DSN is the MySQL data source name.
	DSN string
	// PollInterval is how often remote changes are polled for. Zero uses
	// DefaultPollInterval; negative disables polling.
	PollInterval time.Duration
	// Watch enables fsnotify wakeups for SQLite ledgers.
	Watch bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string
}

// Open creates the ledger described by s.
func Open(ctx context.Context, s Settings, opts ...Option) (core.Ledger, error) {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", DriverSQLite:
		path := s.Path
		if path == "" {
			path = filepath.Join(".opsgate", "ledger.db")
		}
		if !strings.HasSuffix(path, ".db") {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}
		signals, err := s.signals(ctx, path)
		if err != nil {
			return nil, err
		}
		l, err := OpenSQLite(ctx, path, append(opts, s.sqlOptions(signals)...)...)
		if err != nil {
			closeSignals(signals)
			return nil, err
		}
		return l, nil

	case DriverMySQL:
		if s.DSN == "" {
			return nil, fmt.Errorf("mysql ledger requires a dsn")
		}
		signals, err := s.signals(ctx, "")
		if err != nil {
			return nil, err
		}
		l, err := OpenMySQL(ctx, s.DSN, append(opts, s.sqlOptions(signals)...)...)
		if err != nil {
			closeSignals(signals)
			return nil, err
		}
		return l, nil

	case DriverMemory:
		return NewMemory(opts...), nil

	default:
		return nil, fmt.Errorf("unknown ledger driver %q", s.Driver)
	}
}

func (s Settings) sqlOptions(signals []ChangeSignal) []Option {
	var opts []Option
	if s.PollInterval != 0 {
		opts = append(opts, WithPollInterval(s.PollInterval))
	}
	for _, sig := range signals {
		opts = append(opts, WithSignal(sig))
	}
	return opts
}

func (s Settings) signals(ctx context.Context, sqlitePath string) ([]ChangeSignal, error) {
	var signals []ChangeSignal
	if s.Watch && sqlitePath != "" {
		if err := ensureDir(sqlitePath); err != nil {
			return nil, err
		}
		w, err := NewFileWatcher(sqlitePath)
		if err != nil {
			return nil, err
		}
		signals = append(signals, w)
	}
	if s.RedisAddr != "" {
		r, err := NewRedisSignal(ctx, s.RedisAddr, s.RedisPassword, s.RedisDB, s.RedisChannel)
		if err != nil {
			closeSignals(signals)
			return nil, err
		}
		signals = append(signals, r)
	}
	return signals, nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}
	return nil
}

func closeSignals(signals []ChangeSignal) {
	for _, sig := range signals {
		_ = sig.Close()
	}
}

// Close closes a ledger, tolerating nil.
func Close(l core.Ledger) error {
	if l == nil {
		return nil
	}
	return l.Close()
}
