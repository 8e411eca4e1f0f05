package api

import (
	"errors"
	"net/http"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

func httpStatusForDomainError(err error) (int, bool) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Category {
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity, true
	case core.ErrCatNotFound:
		return http.StatusNotFound, true
	case core.ErrCatStaleState, core.ErrCatTerminalState:
		return http.StatusConflict, true
	case core.ErrCatResourceExhausted:
		return http.StatusPaymentRequired, true
	default:
		return http.StatusInternalServerError, true
	}
}

// errorBody is the JSON shape for failed requests. Conflicts carry the status
// the record was actually in so clients can re-fetch and decide again.
type errorBody struct {
	Error    string               `json:"error"`
	Category core.ErrorCategory   `json:"category,omitempty"`
	Code     string               `json:"code,omitempty"`
	Current  core.OperationStatus `json:"current_status,omitempty"`
	Details  map[string]any       `json:"details,omitempty"`
}

// respondDomainError maps err to a status code and writes it. Errors that are
// not domain errors are logged and reported as 500 without their text.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	status, ok := httpStatusForDomainError(err)
	if !ok {
		s.logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var domErr *core.DomainError
	errors.As(err, &domErr)
	body := errorBody{
		Error:    domErr.Message,
		Category: domErr.Category,
		Code:     domErr.Code,
		Details:  domErr.Details,
	}
	if current, ok := core.CurrentStatus(err); ok {
		body.Current = current
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	respondJSON(w, status, body)
}
