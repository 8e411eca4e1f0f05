// Package api provides the HTTP REST API and event stream for opsgate.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	opsmw "github.com/hugo-lorenzo-mato/opsgate/internal/api/middleware"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/events"
	"github.com/hugo-lorenzo-mato/opsgate/internal/gate"
	"github.com/hugo-lorenzo-mato/opsgate/internal/lifecycle"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
	"github.com/hugo-lorenzo-mato/opsgate/internal/observer"
	"github.com/hugo-lorenzo-mato/opsgate/internal/reconciler"
)

// Server provides HTTP endpoints for operation coordination.
type Server struct {
	router      chi.Router
	ledger      core.Ledger
	gate        *gate.Gate
	lifecycle   *lifecycle.Manager
	observer    *observer.Observer
	reconciler  *reconciler.Reconciler
	eventBus    *events.EventBus
	logger      *logging.Logger
	corsOrigins []string
	historySize int
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver serves views from a running observer instead of querying the
// ledger on every request.
func WithObserver(o *observer.Observer) ServerOption {
	return func(s *Server) {
		s.observer = o
	}
}

// WithReconciler exposes the reconciler status and manual sweep endpoints.
func WithReconciler(r *reconciler.Reconciler) ServerOption {
	return func(s *Server) {
		s.reconciler = r
	}
}

// WithCORSOrigins restricts cross-origin access. Empty allows any origin.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithHistoryLimit bounds recent history when views are computed per request.
func WithHistoryLimit(n int) ServerOption {
	return func(s *Server) {
		s.historySize = n
	}
}

// NewServer creates a new API server.
func NewServer(ledger core.Ledger, g *gate.Gate, m *lifecycle.Manager, eventBus *events.EventBus, opts ...ServerOption) *Server {
	s := &Server{
		ledger:    ledger,
		gate:      g,
		lifecycle: m,
		eventBus:  eventBus,
		logger:    logging.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(opsmw.Actor)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With", opsmw.ActorHeader},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// The event stream is long-lived; only the other routes get a timeout.
		r.Get("/events", s.handleSSE)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/views", s.handleViews)
			r.Get("/blocker", s.handleBlocker)
			r.Get("/types", s.handleTypes)

			r.Route("/operations", func(r chi.Router) {
				r.Get("/", s.handleListOperations)
				r.Post("/", s.handleCreateOperation)

				r.Route("/{operationID}", func(r chi.Router) {
					r.Use(opsmw.OperationContext(s.ledger, s.logger.Slog()))
					r.Get("/", s.handleGetOperation)
					r.Post("/progress", s.handleProgress)
					r.Post("/heartbeat", s.handleHeartbeat)
					r.Post("/pause", s.handlePause)
					r.Post("/resume", s.handleResume)
					r.Post("/cancel", s.handleCancel)
					r.Post("/complete", s.handleComplete)
				})
			})

			r.Route("/reconciler", func(r chi.Router) {
				r.Get("/", s.handleReconcilerStatus)
				r.Post("/sweep", s.handleReconcilerSweep)
				r.Post("/reset", s.handleReconcilerReset)
			})
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe starts the HTTP server and shuts it down when ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
