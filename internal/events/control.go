package events

// Event type constants for control requests.
const (
	TypePauseRequest  = "pause_request"
	TypeResumeRequest = "resume_request"
	TypeCancelRequest = "cancel_request"
)

// ControlRequestEvent records a pause, resume or cancel request against an operation.
type ControlRequestEvent struct {
	BaseEvent
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NewPauseRequestEvent creates a new pause request event.
func NewPauseRequestEvent(operationID, actor, reason string) ControlRequestEvent {
	return ControlRequestEvent{
		BaseEvent: NewBaseEvent(TypePauseRequest, operationID),
		Actor:     actor,
		Reason:    reason,
	}
}

// NewResumeRequestEvent creates a new resume request event.
func NewResumeRequestEvent(operationID, actor string) ControlRequestEvent {
	return ControlRequestEvent{
		BaseEvent: NewBaseEvent(TypeResumeRequest, operationID),
		Actor:     actor,
	}
}

// NewCancelRequestEvent creates a new cancel request event.
func NewCancelRequestEvent(operationID, actor, reason string) ControlRequestEvent {
	return ControlRequestEvent{
		BaseEvent: NewBaseEvent(TypeCancelRequest, operationID),
		Actor:     actor,
		Reason:    reason,
	}
}
