package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	opsmw "github.com/hugo-lorenzo-mato/opsgate/internal/api/middleware"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/gate"
	"github.com/hugo-lorenzo-mato/opsgate/internal/lifecycle"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
	"github.com/hugo-lorenzo-mato/opsgate/internal/observer"
)

// AdmissionResponse is returned when an operation is created.
type AdmissionResponse struct {
	Queued        bool                  `json:"queued"`
	QueuePosition int                   `json:"queue_position,omitempty"`
	Message       string                `json:"message,omitempty"`
	Record        *core.OperationRecord `json:"record"`
	Blocker       *core.OperationRecord `json:"blocker,omitempty"`
}

// ProgressRequest is the body of POST /operations/{id}/progress.
type ProgressRequest struct {
	CompletedItems *int              `json:"completed_items,omitempty"`
	FailedItems    *int              `json:"failed_items,omitempty"`
	TotalItems     *int              `json:"total_items,omitempty"`
	Errors         []core.ErrorEntry `json:"errors,omitempty"`
}

// ReasonRequest is the optional body of pause and cancel.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// CompleteRequest is the body of POST /operations/{id}/complete.
type CompleteRequest struct {
	Status core.OperationStatus `json:"status"`
}

// decodeBody decodes an optional JSON body. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleCreateOperation(w http.ResponseWriter, r *http.Request) {
	var req core.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = logging.ActorFromContext(r.Context())
	}

	class, err := s.gate.Registry().Resolve(req)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	if class == core.ClassMinor {
		rec, err := s.gate.RegisterMinor(r.Context(), req)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, AdmissionResponse{Record: rec})
		return
	}

	adm, err := s.gate.StartOrQueueMajor(r.Context(), req)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if !adm.Queued {
		respondJSON(w, http.StatusCreated, AdmissionResponse{Record: adm.Record})
		return
	}

	resp := AdmissionResponse{
		Queued:  true,
		Message: gate.QueuedMessage(adm.Blocker),
		Record:  adm.Record,
		Blocker: adm.Blocker,
	}
	queued, err := s.ledger.Query(r.Context(), core.Filter{
		Classifications: []core.Classification{core.ClassMajor},
		Statuses:        []core.OperationStatus{core.StatusQueued},
		Order:           core.OrderFIFO,
	})
	if err == nil {
		resp.QueuePosition = observer.Views{QueuedMajor: queued}.QueuePosition(adm.Record.ID)
	}
	respondJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.ledger.Query(r.Context(), filter)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if records == nil {
		records = []*core.OperationRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, opsmw.GetOperation(r.Context()))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.lifecycle.UpdateProgress(r.Context(), opsmw.GetOperationID(r.Context()), lifecycle.Progress{
		CompletedItems: req.CompletedItems,
		FailedItems:    req.FailedItems,
		TotalItems:     req.TotalItems,
		Errors:         req.Errors,
	})
	s.respondRecord(w, rec, err)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lifecycle.Heartbeat(r.Context(), opsmw.GetOperationID(r.Context()))
	s.respondRecord(w, rec, err)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.lifecycle.Pause(r.Context(), opsmw.GetOperationID(r.Context()), req.Reason)
	s.respondRecord(w, rec, err)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lifecycle.Resume(r.Context(), opsmw.GetOperationID(r.Context()))
	s.respondRecord(w, rec, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.lifecycle.Cancel(r.Context(), opsmw.GetOperationID(r.Context()), req.Reason)
	s.respondRecord(w, rec, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.lifecycle.Complete(r.Context(), opsmw.GetOperationID(r.Context()), req.Status)
	s.respondRecord(w, rec, err)
}

func (s *Server) respondRecord(w http.ResponseWriter, rec *core.OperationRecord, err error) {
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleViews(w http.ResponseWriter, r *http.Request) {
	views, err := s.currentViews(r)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) currentViews(r *http.Request) (observer.Views, error) {
	if s.observer != nil && !s.observer.LastSync().IsZero() {
		return s.observer.Views(), nil
	}
	records, err := s.ledger.Query(r.Context(), core.Filter{})
	if err != nil {
		return observer.Views{}, err
	}
	return observer.Project(records, s.historySize), nil
}

func (s *Server) handleBlocker(w http.ResponseWriter, r *http.Request) {
	blocker, err := s.gate.CheckBlocker(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]*core.OperationRecord{"blocker": blocker})
}

func (s *Server) handleTypes(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.gate.Registry().Types())
}

func parseFilter(r *http.Request) (core.Filter, error) {
	q := r.URL.Query()
	var f core.Filter

	for _, v := range splitList(q["status"]) {
		st := core.OperationStatus(v)
		if !st.Valid() {
			return f, errors.New("invalid status: " + v)
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, v := range splitList(q["classification"]) {
		c := core.Classification(v)
		if !c.Valid() {
			return f, errors.New("invalid classification: " + v)
		}
		f.Classifications = append(f.Classifications, c)
	}
	for _, v := range splitList(q["type"]) {
		f.Types = append(f.Types, core.OperationType(v))
	}
	f.CreatedBy = q.Get("created_by")

	switch q.Get("order") {
	case "", "seq":
		f.Order = core.OrderSeq
	case "fifo":
		f.Order = core.OrderFIFO
	case "recent":
		f.Order = core.OrderRecentlyFinished
	default:
		return f, errors.New("invalid order: " + q.Get("order"))
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.New("invalid limit: " + raw)
		}
		f.Limit = n
	}
	return f, nil
}

// splitList accepts both repeated parameters and comma-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
