package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation        ErrorCategory = "validation"         // Malformed request or record
	ErrCatStaleState        ErrorCategory = "stale_state"        // Conditional update lost a race
	ErrCatTerminalState     ErrorCategory = "terminal_state"     // Write against a finished record
	ErrCatResourceExhausted ErrorCategory = "resource_exhausted" // Credits/quota depleted, halt batches
	ErrCatProcessing        ErrorCategory = "processing"         // Ordinary per-item failure
	ErrCatNotFound          ErrorCategory = "not_found"          // Resource not found
	ErrCatInternal          ErrorCategory = "internal"           // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Predefined error codes
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidRecord    = "INVALID_RECORD"
	CodeInvalidProgress  = "INVALID_PROGRESS"
	CodeUnknownType      = "UNKNOWN_OPERATION_TYPE"
	CodeStatusMismatch   = "STATUS_MISMATCH"
	CodeSlotOccupied     = "MAJOR_SLOT_OCCUPIED"
	CodeNotQueueHead     = "NOT_QUEUE_HEAD"
	CodeTerminal         = "RECORD_TERMINAL"
	CodeCreditsDepleted  = "CREDITS_DEPLETED"
	CodeItemFailed       = "ITEM_FAILED"
	CodeOperationMissing = "OPERATION_NOT_FOUND"
)

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrStaleState reports that the stored record was not in an expected status.
// Callers should re-fetch and decide again rather than replaying the mutation.
func ErrStaleState(id OperationID, current OperationStatus, expected []OperationStatus) *DomainError {
	return &DomainError{
		Category:  ErrCatStaleState,
		Code:      CodeStatusMismatch,
		Message:   fmt.Sprintf("operation %s is %s, expected one of %v", id, current, expected),
		Retryable: false,
		Details: map[string]interface{}{
			"operation_id":   string(id),
			"current_status": string(current),
		},
	}
}

// ErrSlotOccupied reports that another major operation holds the exclusive slot.
func ErrSlotOccupied(holder OperationID) *DomainError {
	return &DomainError{
		Category:  ErrCatStaleState,
		Code:      CodeSlotOccupied,
		Message:   fmt.Sprintf("major slot held by %s", holder),
		Retryable: false,
		Details: map[string]interface{}{
			"holder_id": string(holder),
		},
	}
}

// ErrNotQueueHead reports a promotion attempt that would jump the FIFO queue.
func ErrNotQueueHead(id, head OperationID) *DomainError {
	return &DomainError{
		Category:  ErrCatStaleState,
		Code:      CodeNotQueueHead,
		Message:   fmt.Sprintf("operation %s is not at the head of the queue (head is %s)", id, head),
		Retryable: false,
		Details: map[string]interface{}{
			"operation_id": string(id),
			"head_id":      string(head),
		},
	}
}

// ErrTerminalState reports a write against a completed, failed or cancelled record.
func ErrTerminalState(id OperationID, current OperationStatus) *DomainError {
	return &DomainError{
		Category:  ErrCatTerminalState,
		Code:      CodeTerminal,
		Message:   fmt.Sprintf("operation %s is already %s", id, current),
		Retryable: false,
		Details: map[string]interface{}{
			"operation_id":   string(id),
			"current_status": string(current),
		},
	}
}

// ErrResourceExhausted creates the distinguished fail-fast error of the batch runner.
func ErrResourceExhausted(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatResourceExhausted,
		Code:      CodeCreditsDepleted,
		Message:   message,
		Retryable: false,
	}
}

// ErrProcessing creates an ordinary item-level failure.
func ErrProcessing(itemID, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatProcessing,
		Code:      CodeItemFailed,
		Message:   message,
		Retryable: true,
		Details: map[string]interface{}{
			"item_id": itemID,
		},
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeOperationMissing,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(message string, cause error) *DomainError {
	return &DomainError{
		Category:  ErrCatInternal,
		Code:      "INTERNAL",
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	var domErr *DomainError
	return errors.As(err, &domErr) && domErr.Code == code
}

// ErrorMessage returns the human-readable message of err: the Message of a
// DomainError, or err.Error() for anything else.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var domErr *DomainError
	if errors.As(err, &domErr) && domErr.Message != "" {
		return domErr.Message
	}
	return err.Error()
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return err != nil && GetCategory(err) == cat
}

// IsValidation reports a malformed request or record.
func IsValidation(err error) bool { return IsCategory(err, ErrCatValidation) }

// IsStaleState reports a lost conditional update.
func IsStaleState(err error) bool { return IsCategory(err, ErrCatStaleState) }

// IsTerminalState reports a write against a finished record.
func IsTerminalState(err error) bool { return IsCategory(err, ErrCatTerminalState) }

// IsResourceExhausted reports the fail-fast resource exhaustion error.
func IsResourceExhausted(err error) bool { return IsCategory(err, ErrCatResourceExhausted) }

// IsNotFound reports a missing record.
func IsNotFound(err error) bool { return IsCategory(err, ErrCatNotFound) }

// IsConflict reports either kind of state-machine conflict.
func IsConflict(err error) bool { return IsStaleState(err) || IsTerminalState(err) }

// CurrentStatus extracts the stored status carried by a state conflict error.
func CurrentStatus(err error) (OperationStatus, bool) {
	var domErr *DomainError
	if !errors.As(err, &domErr) || domErr.Details == nil {
		return "", false
	}
	s, ok := domErr.Details["current_status"].(string)
	if !ok {
		return "", false
	}
	return OperationStatus(s), true
}
