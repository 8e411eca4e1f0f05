// Package middleware provides HTTP middleware for the opsgate API.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

// ActorHeader carries the caller's identity. Lifecycle calls log it and
// create requests fall back to it when created_by is empty.
const ActorHeader = "X-Opsgate-Actor"

type contextKey string

const (
	operationKey   contextKey = "operation"
	operationIDKey contextKey = "operationID"
)

// RecordLoader loads a single operation record.
type RecordLoader interface {
	Get(ctx context.Context, id core.OperationID) (*core.OperationRecord, error)
}

// GetOperation returns the record loaded by OperationContext, or nil.
func GetOperation(ctx context.Context) *core.OperationRecord {
	rec, _ := ctx.Value(operationKey).(*core.OperationRecord)
	return rec
}

// GetOperationID returns the operation ID taken from the URL, or "".
func GetOperationID(ctx context.Context) core.OperationID {
	id, _ := ctx.Value(operationIDKey).(core.OperationID)
	return id
}

// WithOperation stores a record in ctx.
func WithOperation(ctx context.Context, rec *core.OperationRecord) context.Context {
	ctx = context.WithValue(ctx, operationKey, rec)
	if rec != nil {
		ctx = context.WithValue(ctx, operationIDKey, rec.ID)
	}
	return ctx
}

// Actor copies the caller identity from the X-Opsgate-Actor header, or the
// actor query parameter, into the request context.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			actor = strings.TrimSpace(r.URL.Query().Get("actor"))
		}
		if actor != "" {
			r = r.WithContext(logging.ContextWithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// OperationContext loads the record named by the {operationID} URL parameter.
//
// Error responses:
//   - 400 Bad Request: operationID missing from URL
//   - 404 Not Found: no such operation
//   - 500 Internal Server Error: the ledger could not be read
func OperationContext(loader RecordLoader, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := core.OperationID(chi.URLParam(r, "operationID"))
			if id == "" {
				writeError(w, http.StatusBadRequest, "operationID is required")
				return
			}

			ctx := context.WithValue(r.Context(), operationIDKey, id)
			ctx = logging.ContextWithOperation(ctx, string(id))

			rec, err := loader.Get(ctx, id)
			if err != nil {
				if core.IsNotFound(err) {
					writeError(w, http.StatusNotFound, "operation not found: "+string(id))
					return
				}
				logger.Warn("operation context middleware: loading operation",
					"operation_id", id,
					"error", err,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusInternalServerError, "loading operation failed")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperation(ctx, rec)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
