package api

import (
	"errors"
	"net/http"

	"github.com/hugo-lorenzo-mato/opsgate/internal/reconciler"
)

func (s *Server) handleReconcilerStatus(w http.ResponseWriter, _ *http.Request) {
	if s.reconciler == nil {
		respondError(w, http.StatusServiceUnavailable, "reconciler not enabled")
		return
	}
	respondJSON(w, http.StatusOK, s.reconciler.Status())
}

func (s *Server) handleReconcilerSweep(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		respondError(w, http.StatusServiceUnavailable, "reconciler not enabled")
		return
	}
	report, err := s.reconciler.Sweep(r.Context())
	if errors.Is(err, reconciler.ErrBreakerOpen) {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleReconcilerReset(w http.ResponseWriter, _ *http.Request) {
	if s.reconciler == nil {
		respondError(w, http.StatusServiceUnavailable, "reconciler not enabled")
		return
	}
	s.reconciler.ResetBreaker()
	respondJSON(w, http.StatusOK, s.reconciler.Status())
}
