package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

type mockLoader struct {
	records map[core.OperationID]*core.OperationRecord
	err     error
}

func (m *mockLoader) Get(_ context.Context, id core.OperationID) (*core.OperationRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, core.ErrNotFound("operation", string(id))
	}
	return rec, nil
}

func routed(loader RecordLoader, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.With(OperationContext(loader, slog.Default())).Get("/ops/{operationID}", h)
	return r
}

func TestOperationContext(t *testing.T) {
	t.Parallel()

	loader := &mockLoader{records: map[core.OperationID]*core.OperationRecord{
		"op-1": {ID: "op-1", Status: core.StatusRunning},
	}}

	var got *core.OperationRecord
	var gotID core.OperationID
	handler := routed(loader, func(w http.ResponseWriter, r *http.Request) {
		got = GetOperation(r.Context())
		gotID = GetOperationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/op-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || got.ID != "op-1" {
		t.Fatalf("record = %+v, want op-1", got)
	}
	if gotID != "op-1" {
		t.Errorf("operation id = %q, want op-1", gotID)
	}
}

func TestOperationContext_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		loader *mockLoader
		path   string
		want   int
	}{
		{"not found", &mockLoader{}, "/ops/missing", http.StatusNotFound},
		{"ledger failure", &mockLoader{err: errors.New("disk")}, "/ops/op-1", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := routed(tt.loader, func(http.ResponseWriter, *http.Request) { called = true })

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if called {
				t.Error("handler must not run")
			}
		})
	}
}

func TestOperationContext_MissingParam(t *testing.T) {
	t.Parallel()

	mw := OperationContext(&mockLoader{}, slog.Default())
	rec := httptest.NewRecorder()
	mw(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestActor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header", "alice", "", "alice"},
		{"query", "", "bob", "bob"},
		{"header wins", "alice", "bob", "alice"},
		{"none", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := Actor(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got = logging.ActorFromContext(r.Context())
			}))

			target := "/x"
			if tt.query != "" {
				target += "?actor=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(ActorHeader, tt.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("actor = %q, want %q", got, tt.want)
			}
		})
	}
}
