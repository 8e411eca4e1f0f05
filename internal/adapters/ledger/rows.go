package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

const operationColumns = `seq, id, operation_type, classification, status,
	total_items, completed_items, failed_items, error_log, context,
	description, created_by, queued_at, started_at, completed_at, heartbeat_at,
	holder_host, holder_pid, updated_at, created_change_seq, change_seq`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// storedRow is a record plus the bookkeeping columns the poller needs.
type storedRow struct {
	rec        *core.OperationRecord
	createdSeq int64
	changeSeq  int64
}

func scanRow(s scanner) (storedRow, error) {
	var (
		rec                                 core.OperationRecord
		errorLog                            string
		contextJSON                         sql.NullString
		queuedAt, updatedAt                 int64
		startedAt, completedAt, heartbeatAt sql.NullInt64
		row                                 storedRow
	)
	err := s.Scan(
		&rec.Seq, &rec.ID, &rec.Type, &rec.Classification, &rec.Status,
		&rec.TotalItems, &rec.CompletedItems, &rec.FailedItems, &errorLog, &contextJSON,
		&rec.Description, &rec.CreatedBy, &queuedAt, &startedAt, &completedAt, &heartbeatAt,
		&rec.HolderHost, &rec.HolderPID, &updatedAt, &row.createdSeq, &row.changeSeq,
	)
	if err != nil {
		return storedRow{}, err
	}

	rec.ErrorLog = []core.ErrorEntry{}
	if errorLog != "" {
		if err := json.Unmarshal([]byte(errorLog), &rec.ErrorLog); err != nil {
			return storedRow{}, fmt.Errorf("decoding error_log of %s: %w", rec.ID, err)
		}
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &rec.Context); err != nil {
			return storedRow{}, fmt.Errorf("decoding context of %s: %w", rec.ID, err)
		}
	}
	rec.QueuedAt = fromNanos(queuedAt)
	rec.UpdatedAt = fromNanos(updatedAt)
	rec.StartedAt = nullableTime(startedAt)
	rec.CompletedAt = nullableTime(completedAt)
	rec.HeartbeatAt = nullableTime(heartbeatAt)

	row.rec = &rec
	return row, nil
}

func queryOne(ctx context.Context, q queryer, where string, args ...any) (*core.OperationRecord, error) {
	row, err := scanRow(q.QueryRowContext(ctx,
		"SELECT "+operationColumns+" FROM operations WHERE "+where+" LIMIT 1", args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.rec, nil
}

func queryRows(ctx context.Context, q queryer, query string, args ...any) ([]storedRow, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storedRow
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func loadByID(ctx context.Context, q queryer, id core.OperationID) (*core.OperationRecord, error) {
	rec, err := queryOne(ctx, q, "id = ?", string(id))
	if err != nil {
		return nil, fmt.Errorf("loading operation %s: %w", id, err)
	}
	if rec == nil {
		return nil, core.ErrNotFound("operation", string(id))
	}
	return rec, nil
}

func activeMajor(ctx context.Context, q queryer) (*core.OperationRecord, error) {
	rec, err := queryOne(ctx, q,
		"classification = 'major' AND status IN ('running', 'paused') ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("loading active major operation: %w", err)
	}
	return rec, nil
}

func queueHead(ctx context.Context, q queryer) (*core.OperationRecord, error) {
	rec, err := queryOne(ctx, q,
		"classification = 'major' AND status = 'queued' ORDER BY queued_at, seq")
	if err != nil {
		return nil, fmt.Errorf("loading queue head: %w", err)
	}
	return rec, nil
}

// buildQuery turns a filter into SQL. Both dialects use ? placeholders.
func buildQuery(f core.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	where, args = appendIn(where, args, "id", f.IDs)
	where, args = appendIn(where, args, "classification", f.Classifications)
	where, args = appendIn(where, args, "status", f.Statuses)
	where, args = appendIn(where, args, "operation_type", f.Types)
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, f.CreatedBy)
	}

	var b strings.Builder
	b.WriteString("SELECT " + operationColumns + " FROM operations")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	switch f.Order {
	case core.OrderFIFO:
		b.WriteString(" ORDER BY queued_at ASC, seq ASC")
	case core.OrderRecentlyFinished:
		b.WriteString(" ORDER BY COALESCE(completed_at, updated_at) DESC, seq DESC")
	default:
		b.WriteString(" ORDER BY seq ASC")
	}
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}
	return b.String(), args
}

func appendIn[T ~string](where []string, args []any, column string, values []T) ([]string, []any) {
	if len(values) == 0 {
		return where, args
	}
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = "?"
		args = append(args, string(v))
	}
	return append(where, column+" IN ("+strings.Join(marks, ", ")+")"), args
}

const insertOperation = `INSERT INTO operations (
	id, operation_type, classification, status,
	total_items, completed_items, failed_items, error_log, context,
	description, created_by, queued_at, started_at, completed_at, heartbeat_at,
	holder_host, holder_pid, updated_at, created_change_seq, change_seq
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertArgs(rec *core.OperationRecord, changeSeq int64) ([]any, error) {
	errorLog, err := json.Marshal(rec.ErrorLog)
	if err != nil {
		return nil, fmt.Errorf("encoding error_log: %w", err)
	}
	var contextJSON any
	if rec.Context != nil {
		b, err := json.Marshal(rec.Context)
		if err != nil {
			return nil, fmt.Errorf("encoding context: %w", err)
		}
		contextJSON = string(b)
	}
	return []any{
		string(rec.ID), string(rec.Type), string(rec.Classification), string(rec.Status),
		rec.TotalItems, rec.CompletedItems, rec.FailedItems, string(errorLog), contextJSON,
		rec.Description, rec.CreatedBy, toNanos(rec.QueuedAt),
		nullableNanos(rec.StartedAt), nullableNanos(rec.CompletedAt), nullableNanos(rec.HeartbeatAt),
		rec.HolderHost, rec.HolderPID, toNanos(rec.UpdatedAt), changeSeq, changeSeq,
	}, nil
}

// Only the mutable columns are rewritten; identity, context and queued_at never change.
const updateOperation = `UPDATE operations SET
	status = ?, total_items = ?, completed_items = ?, failed_items = ?, error_log = ?,
	started_at = ?, completed_at = ?, heartbeat_at = ?,
	holder_host = ?, holder_pid = ?, updated_at = ?, change_seq = ?
WHERE id = ?`

func updateArgs(rec *core.OperationRecord, changeSeq int64) ([]any, error) {
	errorLog, err := json.Marshal(rec.ErrorLog)
	if err != nil {
		return nil, fmt.Errorf("encoding error_log: %w", err)
	}
	return []any{
		string(rec.Status), rec.TotalItems, rec.CompletedItems, rec.FailedItems, string(errorLog),
		nullableNanos(rec.StartedAt), nullableNanos(rec.CompletedAt), nullableNanos(rec.HeartbeatAt),
		rec.HolderHost, rec.HolderPID, toNanos(rec.UpdatedAt), changeSeq,
		string(rec.ID),
	}, nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
