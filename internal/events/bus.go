// Package events provides the in-process event bus that fans operation
// changes and notifications out to SSE clients, the CLI watcher and tests.
// It implements pub/sub with backpressure control and priority channels.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Timestamp() time.Time
	OperationID() string
}

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	Type      string    `json:"type"`
	Time      time.Time `json:"timestamp"`
	Operation string    `json:"operation_id,omitempty"`
}

func (e BaseEvent) EventType() string    { return e.Type }
func (e BaseEvent) Timestamp() time.Time { return e.Time }
func (e BaseEvent) OperationID() string  { return e.Operation }

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType, operationID string) BaseEvent {
	return BaseEvent{
		Type:      eventType,
		Time:      time.Now(),
		Operation: operationID,
	}
}

const (
	defaultBufferSize = 100
	priorityBuffer    = 50
	// defaultPriorityWait bounds how long PublishPriority blocks on one
	// priority subscriber that stopped reading.
	defaultPriorityWait = 5 * time.Second
)

type subscriber struct {
	ch          chan Event
	types       map[string]bool // empty: every type
	operationID string          // empty: every operation
}

func newSubscriber(buffer int, operationID string, types []string) *subscriber {
	sub := &subscriber{
		ch:          make(chan Event, buffer),
		types:       make(map[string]bool, len(types)),
		operationID: operationID,
	}
	for _, t := range types {
		sub.types[t] = true
	}
	return sub
}

// matches applies the type and operation filters. Events without an
// operation, like views_updated, reach every operation-scoped subscriber.
func (s *subscriber) matches(event Event) bool {
	if s.operationID != "" && event.OperationID() != "" && event.OperationID() != s.operationID {
		return false
	}
	return len(s.types) == 0 || s.types[event.EventType()]
}

// offer delivers without blocking. A full buffer loses its oldest event so
// slow readers always see the latest state. It returns how many events
// were lost.
func (s *subscriber) offer(event Event) int64 {
	select {
	case s.ch <- event:
		return 0
	default:
	}
	var lost int64
	select {
	case <-s.ch:
		lost++
	default:
	}
	select {
	case s.ch <- event:
	default:
		lost++
	}
	return lost
}

// EventBus fans events out to subscribers. Regular subscribers get ring
// buffer semantics; priority subscribers get blocking delivery for notices
// that must not be lost, such as credits_depleted.
type EventBus struct {
	mu           sync.RWMutex
	subscribers  []*subscriber
	prioritySubs []*subscriber
	bufferSize   int
	priorityWait time.Duration
	dropped      atomic.Int64
	closed       bool
}

// New creates an EventBus whose regular subscribers buffer bufferSize events.
func New(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &EventBus{bufferSize: bufferSize, priorityWait: defaultPriorityWait}
}

func (eb *EventBus) add(sub *subscriber, priority bool) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		close(sub.ch)
		return sub.ch
	}
	if priority {
		eb.prioritySubs = append(eb.prioritySubs, sub)
	} else {
		eb.subscribers = append(eb.subscribers, sub)
	}
	return sub.ch
}

// Subscribe creates a subscription for the given event types, or for every
// event when none are given.
func (eb *EventBus) Subscribe(types ...string) <-chan Event {
	return eb.add(newSubscriber(eb.bufferSize, "", types), false)
}

// SubscribeForOperation creates a subscription limited to one operation.
// An empty operationID receives events for every operation.
func (eb *EventBus) SubscribeForOperation(operationID string, types ...string) <-chan Event {
	return eb.add(newSubscriber(eb.bufferSize, operationID, types), false)
}

// SubscribePriority creates a subscription that receives PublishPriority
// events with blocking delivery. Regular Publish calls do not reach it.
func (eb *EventBus) SubscribePriority(types ...string) <-chan Event {
	return eb.add(newSubscriber(priorityBuffer, "", types), true)
}

// Unsubscribe removes a subscription and closes its channel.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers = removeSubscriber(eb.subscribers, ch)
	eb.prioritySubs = removeSubscriber(eb.prioritySubs, ch)
}

func removeSubscriber(subs []*subscriber, ch <-chan Event) []*subscriber {
	kept := subs[:0]
	for _, sub := range subs {
		if sub.ch == ch {
			close(sub.ch)
			continue
		}
		kept = append(kept, sub)
	}
	return kept
}

// Publish sends an event to all matching regular subscribers.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if !eb.closed {
		eb.publish(event)
	}
}

// PublishPriority sends an event to regular subscribers, then to priority
// subscribers, waiting up to the priority timeout for each.
func (eb *EventBus) PublishPriority(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	eb.publish(event)

	for _, sub := range eb.prioritySubs {
		if !sub.matches(event) {
			continue
		}
		timer := time.NewTimer(eb.priorityWait)
		select {
		case sub.ch <- event:
		case <-timer.C:
			eb.dropped.Add(1)
		}
		timer.Stop()
	}
}

// publish delivers to regular subscribers. Callers hold the read lock.
func (eb *EventBus) publish(event Event) {
	for _, sub := range eb.subscribers {
		if sub.matches(event) {
			if lost := sub.offer(event); lost > 0 {
				eb.dropped.Add(lost)
			}
		}
	}
}

// DroppedCount returns the total number of events lost to full buffers.
func (eb *EventBus) DroppedCount() int64 {
	return eb.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	for _, sub := range append(eb.subscribers, eb.prioritySubs...) {
		close(sub.ch)
	}
	eb.subscribers = nil
	eb.prioritySubs = nil
}
