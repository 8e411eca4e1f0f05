package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

// schemaVersion is the newest embedded migration.
const schemaVersion = 1

// SQL is a ledger stored in SQLite or MySQL and shared by every process that
// opens the same database. Each write runs in a transaction that first takes
// the ledger_clock guard row, so writers are serialised and every committed
// change carries a strictly increasing change sequence. A partial (SQLite) or
// generated-column (MySQL) unique index backs the single-active-major rule.
type SQL struct {
	db      *sql.DB
	dialect dialect
	opts    options
	hub     *hub

	// emitted holds change sequences already announced locally, so the poller
	// does not re-emit them as remote.
	mu      sync.Mutex
	emitted map[int64]struct{}
	cursor  int64
	pollMu  sync.Mutex
	polling bool

	wake      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenSQLite opens (creating if needed) a ledger file.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQL, error) {
	dsn, err := SQLiteDSN(path)
	if err != nil {
		return nil, err
	}
	return OpenSQL(ctx, DialectSQLite, dsn, opts...)
}

// OpenMySQL opens a ledger in a MySQL database.
func OpenMySQL(ctx context.Context, dsn string, opts ...Option) (*SQL, error) {
	normalized, err := MySQLDSN(dsn)
	if err != nil {
		return nil, err
	}
	return OpenSQL(ctx, DialectMySQL, normalized, opts...)
}

// OpenSQL opens a database with the given dialect and runs migrations.
func OpenSQL(ctx context.Context, dialectName, dsn string, opts ...Option) (*SQL, error) {
	d, err := dialectFor(dialectName)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	l, err := newSQL(ctx, db, d, opts...)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (close error: %v)", err, closeErr)
		}
		return nil, err
	}
	return l, nil
}

func newSQL(ctx context.Context, db *sql.DB, d dialect, opts ...Option) (*SQL, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	l := &SQL{
		db:      db,
		dialect: d,
		opts:    o,
		hub:     newHub(o.bus, o.logger),
		emitted: make(map[int64]struct{}),
		wake:    make(chan struct{}, 1),
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s ledger: %w", d.name, err)
	}
	if err := l.migrate(ctx); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT value FROM ledger_clock WHERE id = 1").Scan(&l.cursor); err != nil {
		return nil, fmt.Errorf("reading ledger clock: %w", err)
	}
	l.startWatching()
	return l, nil
}

// Dialect reports the SQL dialect in use.
func (l *SQL) Dialect() string {
	return l.dialect.name
}

func (l *SQL) migrate(ctx context.Context) error {
	var version int
	if err := l.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		// Table doesn't exist yet
		version = 0
	}
	if version >= schemaVersion {
		return nil
	}

	stmts, err := l.dialect.migrationStatements()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying migration v%d: %w", schemaVersion, err)
		}
	}
	return nil
}

// write runs fn inside a transaction holding the guard row and returns the
// change sequence the transaction committed with.
func (l *SQL) write(ctx context.Context, fn func(tx *sql.Tx, changeSeq int64) error) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var clock int64
	if err := tx.QueryRowContext(ctx, "SELECT value FROM ledger_clock WHERE id = 1"+l.dialect.lockSuffix).Scan(&clock); err != nil {
		return 0, fmt.Errorf("locking ledger clock: %w", err)
	}
	changeSeq := clock + 1
	if _, err := tx.ExecContext(ctx, "UPDATE ledger_clock SET value = ? WHERE id = 1", changeSeq); err != nil {
		return 0, fmt.Errorf("advancing ledger clock: %w", err)
	}

	if err := fn(tx, changeSeq); err != nil {
		return 0, err
	}

	l.markEmitted(changeSeq)
	if err := tx.Commit(); err != nil {
		l.unmarkEmitted(changeSeq)
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	l.announce(changeSeq)
	return changeSeq, nil
}

// Insert implements core.Ledger.
func (l *SQL) Insert(ctx context.Context, rec *core.OperationRecord) (core.OperationID, error) {
	if rec == nil {
		return "", core.ErrValidation(core.CodeInvalidRecord, "record is required")
	}
	stored := rec.Clone()
	if err := core.PrepareInsert(stored, core.OperationID(l.opts.newID()), l.opts.now()); err != nil {
		return "", err
	}
	_, err := l.write(ctx, func(tx *sql.Tx, changeSeq int64) error {
		return l.insertTx(ctx, tx, stored, changeSeq)
	})
	if err != nil {
		return "", l.mapWriteError(ctx, err)
	}
	l.hub.emit(core.ChangeEvent{Kind: core.ChangeInserted, Record: stored, At: stored.UpdatedAt})
	return stored.ID, nil
}

func (l *SQL) insertTx(ctx context.Context, tx *sql.Tx, rec *core.OperationRecord, changeSeq int64) error {
	args, err := insertArgs(rec, changeSeq)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, insertOperation, args...)
	if err != nil {
		return fmt.Errorf("inserting operation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading operation seq: %w", err)
	}
	rec.Seq = seq
	return nil
}

func (l *SQL) updateTx(ctx context.Context, tx *sql.Tx, rec *core.OperationRecord, changeSeq int64) error {
	args, err := updateArgs(rec, changeSeq)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, updateOperation, args...); err != nil {
		return fmt.Errorf("updating operation %s: %w", rec.ID, err)
	}
	return nil
}

// Update implements core.Ledger.
func (l *SQL) Update(ctx context.Context, id core.OperationID, patch core.Patch, expected ...core.OperationStatus) (*core.OperationRecord, error) {
	var updated *core.OperationRecord
	_, err := l.write(ctx, func(tx *sql.Tx, changeSeq int64) error {
		rec, err := loadByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := core.ApplyConditional(rec, patch, expected, l.opts.now()); err != nil {
			return err
		}
		if err := l.updateTx(ctx, tx, rec, changeSeq); err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, l.mapWriteError(ctx, err)
	}
	l.hub.emit(core.ChangeEvent{Kind: core.ChangeUpdated, Record: updated, At: updated.UpdatedAt})
	return updated.Clone(), nil
}

// Get implements core.Ledger.
func (l *SQL) Get(ctx context.Context, id core.OperationID) (*core.OperationRecord, error) {
	return loadByID(ctx, l.db, id)
}

// Query implements core.Ledger.
func (l *SQL) Query(ctx context.Context, filter core.Filter) ([]*core.OperationRecord, error) {
	query, args := buildQuery(filter)
	rows, err := queryRows(ctx, l.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	out := make([]*core.OperationRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.rec)
	}
	return out, nil
}

// Subscribe implements core.Ledger. Subscribers see local writes immediately
// and writes from other processes once the poller picks them up.
func (l *SQL) Subscribe(fn func(core.ChangeEvent)) func() {
	return l.hub.subscribe(fn)
}

// AdmitMajor implements core.Ledger.
func (l *SQL) AdmitMajor(ctx context.Context, rec *core.OperationRecord) (*core.OperationRecord, *core.OperationRecord, error) {
	if rec == nil {
		return nil, nil, core.ErrValidation(core.CodeInvalidRecord, "record is required")
	}
	if !rec.IsMajor() {
		return nil, nil, core.ErrValidation(core.CodeInvalidRecord,
			fmt.Sprintf("admission requires a major operation, got %q", rec.Classification))
	}

	var admitted, blocker *core.OperationRecord
	_, err := l.write(ctx, func(tx *sql.Tx, changeSeq int64) error {
		active, err := activeMajor(ctx, tx)
		if err != nil {
			return err
		}
		now := l.opts.now()
		candidate := rec.Clone()
		prepareAdmission(candidate, active, now)
		if err := core.PrepareInsert(candidate, core.OperationID(l.opts.newID()), now); err != nil {
			return err
		}
		if err := l.insertTx(ctx, tx, candidate, changeSeq); err != nil {
			return err
		}
		admitted, blocker = candidate, active
		return nil
	})
	if err != nil {
		return nil, nil, l.mapWriteError(ctx, err)
	}
	l.hub.emit(core.ChangeEvent{Kind: core.ChangeInserted, Record: admitted, At: admitted.UpdatedAt})
	return admitted.Clone(), blocker, nil
}

// PromoteMajor implements core.Ledger.
func (l *SQL) PromoteMajor(ctx context.Context, id core.OperationID, holder core.Holder) (*core.OperationRecord, error) {
	var promoted *core.OperationRecord
	_, err := l.write(ctx, func(tx *sql.Tx, changeSeq int64) error {
		rec, err := loadByID(ctx, tx, id)
		if err != nil {
			return err
		}
		active, err := activeMajor(ctx, tx)
		if err != nil {
			return err
		}
		head, err := queueHead(ctx, tx)
		if err != nil {
			return err
		}
		if err := checkPromotable(rec, active, head); err != nil {
			return err
		}
		now := l.opts.now()
		if err := core.ApplyPatch(rec, promotionPatch(now, holder), now); err != nil {
			return err
		}
		if err := l.updateTx(ctx, tx, rec, changeSeq); err != nil {
			return err
		}
		promoted = rec
		return nil
	})
	if err != nil {
		return nil, l.mapWriteError(ctx, err)
	}
	l.hub.emit(core.ChangeEvent{Kind: core.ChangeUpdated, Record: promoted, At: promoted.UpdatedAt})
	return promoted.Clone(), nil
}

// mapWriteError turns a unique-index violation on the active-major slot into
// the domain error. Domain errors pass through unchanged.
func (l *SQL) mapWriteError(ctx context.Context, err error) error {
	if !l.dialect.isUniqueViolation(err) {
		return err
	}
	active, lookupErr := activeMajor(ctx, l.db)
	if lookupErr != nil || active == nil {
		return core.ErrSlotOccupied("unknown").WithCause(err)
	}
	return core.ErrSlotOccupied(active.ID).WithCause(err)
}

// Wake asks the poller to look for remote changes now.
func (l *SQL) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *SQL) startWatching() {
	if l.opts.pollInterval <= 0 && len(l.opts.signals) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.polling = true

	l.wg.Add(1)
	go l.pollLoop(ctx)

	for _, sig := range l.opts.signals {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := sig.Listen(ctx, l.Wake); err != nil && ctx.Err() == nil {
				l.opts.logger.Warn("change signal stopped", "signal", fmt.Sprintf("%T", sig), "error", err)
			}
		}()
	}
}

func (l *SQL) pollLoop(ctx context.Context) {
	defer l.wg.Done()

	var tick <-chan time.Time
	if l.opts.pollInterval > 0 {
		ticker := time.NewTicker(l.opts.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-l.wake:
		}
		if _, err := l.poll(ctx); err != nil && ctx.Err() == nil {
			l.opts.logger.Warn("polling ledger for remote changes", "error", err)
		}
	}
}

// poll emits every change committed by another process since the last poll.
// Intermediate states of a row changed several times between polls collapse
// into its latest state.
func (l *SQL) poll(ctx context.Context) (int, error) {
	l.pollMu.Lock()
	defer l.pollMu.Unlock()

	l.mu.Lock()
	cursor := l.cursor
	l.mu.Unlock()

	rows, err := queryRows(ctx, l.db,
		"SELECT "+operationColumns+" FROM operations WHERE change_seq > ? ORDER BY change_seq", cursor)
	if err != nil {
		return 0, fmt.Errorf("polling operations: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	remote := make([]storedRow, 0, len(rows))
	l.mu.Lock()
	for _, row := range rows {
		if row.changeSeq > l.cursor {
			l.cursor = row.changeSeq
		}
		if _, local := l.emitted[row.changeSeq]; !local {
			remote = append(remote, row)
		}
	}
	for seq := range l.emitted {
		if seq <= l.cursor {
			delete(l.emitted, seq)
		}
	}
	l.mu.Unlock()

	for _, row := range remote {
		kind := core.ChangeUpdated
		if row.createdSeq == row.changeSeq {
			kind = core.ChangeInserted
		}
		l.hub.emit(core.ChangeEvent{Kind: kind, Record: row.rec, At: row.rec.UpdatedAt, Remote: true})
	}
	return len(remote), nil
}

func (l *SQL) markEmitted(seq int64) {
	if !l.polling {
		return
	}
	l.mu.Lock()
	l.emitted[seq] = struct{}{}
	l.mu.Unlock()
}

func (l *SQL) unmarkEmitted(seq int64) {
	if !l.polling {
		return
	}
	l.mu.Lock()
	delete(l.emitted, seq)
	l.mu.Unlock()
}

func (l *SQL) announce(seq int64) {
	for _, sig := range l.opts.signals {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := sig.Announce(ctx, seq); err != nil {
			l.opts.logger.Debug("announcing ledger change", "change_seq", seq, "error", err)
		}
		cancel()
	}
}

// Close implements core.Ledger.
func (l *SQL) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		l.wg.Wait()
		for _, sig := range l.opts.signals {
			if cerr := sig.Close(); cerr != nil {
				l.opts.logger.Debug("closing change signal", "error", cerr)
			}
		}
		err = l.db.Close()
	})
	return err
}
