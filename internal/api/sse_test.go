package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/adapters/ledger"
	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/events"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

// mockFlusher satisfies http.Flusher.
type mockFlusher struct{}

func (mockFlusher) Flush() {}

func newSSETestServer(bus *events.EventBus) *Server {
	return &Server{
		logger:   logging.NewNop(),
		eventBus: bus,
		ledger:   ledger.NewMemory(),
	}
}

func parseSSEPayload(t *testing.T, body string) (eventType string, payload map[string]interface{}) {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			raw := strings.TrimPrefix(line, "data: ")
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				t.Fatalf("failed to unmarshal SSE data: %v", err)
			}
		}
	}
	return
}

func TestSendEventToClient_OperationChanged(t *testing.T) {
	t.Parallel()
	s := newSSETestServer(events.New(10))

	rec := httptest.NewRecorder()
	event := events.NewOperationChangedEvent(core.ChangeEvent{
		Kind:   core.ChangeUpdated,
		Record: &core.OperationRecord{ID: "op-1", Status: core.StatusPaused},
		Remote: true,
	})

	s.sendEventToClient(rec, mockFlusher{}, event)

	eventType, payload := parseSSEPayload(t, rec.Body.String())
	if eventType != events.TypeOperationChanged {
		t.Errorf("event type = %q, want %q", eventType, events.TypeOperationChanged)
	}
	if payload["operation_id"] != "op-1" {
		t.Errorf("operation_id = %v, want op-1", payload["operation_id"])
	}
	if payload["remote"] != true {
		t.Errorf("remote = %v, want true", payload["remote"])
	}
	record, _ := payload["record"].(map[string]interface{})
	if record["status"] != "paused" {
		t.Errorf("record status = %v, want paused", record["status"])
	}
}

func TestSendEventToClient_Notification(t *testing.T) {
	t.Parallel()
	s := newSSETestServer(events.New(10))

	rec := httptest.NewRecorder()
	event := events.NewNotificationEvent(core.Notification{
		Kind:        core.NoticeCreditsDepleted,
		OperationID: "op-7",
		Message:     "contacts stopped after 4 of 10 items",
	})

	s.sendEventToClient(rec, mockFlusher{}, event)

	eventType, payload := parseSSEPayload(t, rec.Body.String())
	if eventType != "credits_depleted" {
		t.Errorf("event type = %q, want credits_depleted", eventType)
	}
	if payload["message"] != "contacts stopped after 4 of 10 items" {
		t.Errorf("message = %v", payload["message"])
	}
	if payload["timestamp"] == nil {
		t.Error("expected timestamp to be present")
	}
}

func TestSendEventToClient_BatchProgress(t *testing.T) {
	t.Parallel()
	s := newSSETestServer(events.New(10))

	rec := httptest.NewRecorder()
	s.sendEventToClient(rec, mockFlusher{}, events.NewBatchProgressEvent("op-3", 2, 4, 10, 3, 1, 0))

	eventType, payload := parseSSEPayload(t, rec.Body.String())
	if eventType != events.TypeBatchProgress {
		t.Errorf("event type = %q", eventType)
	}
	if payload["processed"] != float64(4) || payload["total"] != float64(10) {
		t.Errorf("payload = %v", payload)
	}
}

func TestSendEventToClient_ControlRequest(t *testing.T) {
	t.Parallel()
	s := newSSETestServer(events.New(10))

	rec := httptest.NewRecorder()
	s.sendEventToClient(rec, mockFlusher{}, events.NewCancelRequestEvent("op-1", "alice", "wrong file"))

	eventType, payload := parseSSEPayload(t, rec.Body.String())
	if eventType != events.TypeCancelRequest {
		t.Errorf("event type = %q", eventType)
	}
	if payload["actor"] != "alice" || payload["reason"] != "wrong file" {
		t.Errorf("payload = %v", payload)
	}
}

func TestHandleSSE_StreamsFilteredEvents(t *testing.T) {
	bus := events.New(10)
	s := newSSETestServer(bus)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?operation=op-1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleSSE(rec, req)
	}()

	// Let the handler subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(events.NewBatchProgressEvent("op-2", 1, 2, 4, 2, 0, 0))
	bus.Publish(events.NewBatchProgressEvent("op-1", 1, 2, 4, 1, 1, 0))
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after the client went away")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Error("missing connected event")
	}
	if !strings.Contains(body, "event: views_updated") {
		t.Error("missing initial views")
	}
	if !strings.Contains(body, `"operation_id":"op-1"`) {
		t.Error("missing op-1 progress")
	}
	if strings.Contains(body, `"operation_id":"op-2"`) {
		t.Error("op-2 progress should have been filtered out")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestHandleSSE_NoBus(t *testing.T) {
	s := &Server{logger: logging.NewNop()}
	rec := httptest.NewRecorder()
	s.handleSSE(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
