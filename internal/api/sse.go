package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/events"
)

// keepAliveInterval is how often an idle stream gets a comment line so
// proxies do not close it.
const keepAliveInterval = 25 * time.Second

// handleSSE streams bus events as Server-Sent Events.
//
// Query parameters:
//   - operation: only events for this operation (global events still pass)
//   - types: comma-separated event types; empty streams everything
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.eventBus == nil {
		respondError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	ctx := r.Context()
	operationID := r.URL.Query().Get("operation")
	types := splitList(r.URL.Query()["types"])

	eventCh := s.eventBus.SubscribeForOperation(operationID, types...)
	defer s.eventBus.Unsubscribe(eventCh)

	s.logger.Info("SSE client connected", "remote_addr", r.RemoteAddr, "operation_id", operationID)

	s.sendSSEEvent(w, flusher, "connected", map[string]string{
		"status": "connected",
	})
	if views, err := s.currentViews(r); err == nil {
		s.sendSSEEvent(w, flusher, events.TypeViewsUpdated, map[string]interface{}{
			"views":     views,
			"timestamp": time.Now(),
		})
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", "remote_addr", r.RemoteAddr)
			return

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case event, ok := <-eventCh:
			if !ok {
				s.logger.Info("EventBus closed, ending SSE stream")
				return
			}
			s.sendEventToClient(w, flusher, event)
		}
	}
}

// sendSSEEvent writes an event to the SSE stream.
func (s *Server) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	// SSE format: event: type\ndata: json\n\n
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}

// sendEventToClient converts an Event to SSE format and sends it.
func (s *Server) sendEventToClient(w http.ResponseWriter, flusher http.Flusher, event events.Event) {
	var payload interface{}

	switch e := event.(type) {
	case events.OperationChangedEvent:
		payload = map[string]interface{}{
			"operation_id": e.OperationID(),
			"kind":         e.Kind,
			"record":       e.Record,
			"remote":       e.Remote,
			"timestamp":    e.Timestamp(),
		}

	case events.NotificationEvent:
		payload = map[string]interface{}{
			"operation_id": e.OperationID(),
			"message":      e.Message,
			"record":       e.Record,
			"blocker":      e.Blocker,
			"timestamp":    e.Timestamp(),
		}

	case events.ViewsUpdatedEvent:
		payload = map[string]interface{}{
			"views":     e.Views,
			"timestamp": e.Timestamp(),
		}

	case events.BatchProgressEvent:
		payload = map[string]interface{}{
			"operation_id": e.OperationID(),
			"batch":        e.Batch,
			"processed":    e.Processed,
			"total":        e.Total,
			"successful":   e.Successful,
			"failed":       e.Failed,
			"warnings":     e.Warnings,
			"timestamp":    e.Timestamp(),
		}

	case events.ControlRequestEvent:
		payload = map[string]interface{}{
			"operation_id": e.OperationID(),
			"actor":        e.Actor,
			"reason":       e.Reason,
			"timestamp":    e.Timestamp(),
		}

	default:
		payload = map[string]interface{}{
			"operation_id": event.OperationID(),
			"timestamp":    event.Timestamp(),
		}
	}

	s.sendSSEEvent(w, flusher, event.EventType(), payload)
}
