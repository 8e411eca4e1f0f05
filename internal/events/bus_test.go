package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

func changed(id string, status core.OperationStatus) OperationChangedEvent {
	return NewOperationChangedEvent(core.ChangeEvent{
		Kind:   core.ChangeUpdated,
		Record: &core.OperationRecord{ID: core.OperationID(id), Status: status},
	})
}

func TestEventBus_Subscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()

	bus.Publish(changed("op-1", core.StatusRunning))

	select {
	case received := <-ch:
		if received.EventType() != TypeOperationChanged {
			t.Errorf("expected %s, got %s", TypeOperationChanged, received.EventType())
		}
		if received.OperationID() != "op-1" {
			t.Errorf("expected op-1, got %s", received.OperationID())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestEventBus_SubscribeByType(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	queuedCh := bus.Subscribe(TypeOperationQueued)
	allCh := bus.Subscribe()

	bus.Publish(changed("op-1", core.StatusQueued))
	bus.Publish(NewNotificationEvent(core.Notification{Kind: core.NoticeQueued, OperationID: "op-1"}))

	for i := 0; i < 2; i++ {
		select {
		case <-allCh:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("allCh should receive event %d", i)
		}
	}

	select {
	case received := <-queuedCh:
		if received.EventType() != TypeOperationQueued {
			t.Errorf("expected operation_queued, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("queuedCh should receive the notification")
	}

	select {
	case e := <-queuedCh:
		t.Errorf("queuedCh got unexpected %s", e.EventType())
	default:
	}
}

func TestEventBus_SubscribeForOperation(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	chA := bus.SubscribeForOperation("op-a")
	chAll := bus.SubscribeForOperation("")

	bus.Publish(changed("op-a", core.StatusRunning))
	bus.Publish(changed("op-b", core.StatusRunning))
	bus.Publish(NewViewsUpdatedEvent(nil))

	count := 0
drainA:
	for {
		select {
		case e := <-chA:
			count++
			if e.OperationID() != "op-a" && e.OperationID() != "" {
				t.Errorf("chA received event for %s", e.OperationID())
			}
		default:
			break drainA
		}
	}
	if count != 2 {
		t.Errorf("chA expected 2 events (own change + global views), got %d", count)
	}

	count = 0
drainAll:
	for {
		select {
		case <-chAll:
			count++
		default:
			break drainAll
		}
	}
	if count != 3 {
		t.Errorf("chAll expected 3 events, got %d", count)
	}
}

func TestEventBus_PriorityNeverDrops(t *testing.T) {
	bus := New(5)
	defer bus.Close()

	priorityCh := bus.SubscribePriority()

	for i := 0; i < 100; i++ {
		bus.Publish(changed("op-1", core.StatusRunning))
	}

	bus.PublishPriority(NewNotificationEvent(core.Notification{Kind: core.NoticeCreditsDepleted, OperationID: "op-1"}))

	select {
	case received := <-priorityCh:
		if received.EventType() != TypeCreditsDepleted {
			t.Errorf("expected credits_depleted, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("priority event was dropped")
	}
}

func TestEventBus_PriorityGivesUpOnStuckReader(t *testing.T) {
	bus := New(5)
	defer bus.Close()
	bus.priorityWait = 10 * time.Millisecond

	_ = bus.SubscribePriority(TypeCreditsDepleted)
	for i := 0; i < priorityBuffer+1; i++ {
		bus.PublishPriority(NewNotificationEvent(core.Notification{Kind: core.NoticeCreditsDepleted, OperationID: "op-1"}))
	}

	if got := bus.DroppedCount(); got != 1 {
		t.Errorf("DroppedCount = %d, want 1", got)
	}
}

func TestEventBus_RingBufferDropsOldest(t *testing.T) {
	bus := New(5)
	defer bus.Close()

	ch := bus.Subscribe()

	for i := 0; i < 10; i++ {
		bus.Publish(changed(fmt.Sprintf("op-%d", i), core.StatusRunning))
	}

	if bus.DroppedCount() == 0 {
		t.Error("expected some events to be dropped")
	}

	var last Event
drain:
	for {
		select {
		case e := <-ch:
			last = e
		default:
			break drain
		}
	}
	if last == nil || last.OperationID() != "op-9" {
		t.Errorf("expected newest event to survive, got %v", last)
	}
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	bus := New(100)
	defer bus.Close()

	ch := bus.Subscribe()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(changed("op-1", core.StatusRunning))
			}
		}()
	}
	wg.Wait()

	received := 0
drainLoop:
	for {
		select {
		case <-ch:
			received++
		default:
			break drainLoop
		}
	}

	if received == 0 {
		t.Error("should have received some events")
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestEventBus_SubscribeAfterClose(t *testing.T) {
	bus := New(10)
	bus.Close()

	ch := bus.Subscribe()
	if _, ok := <-ch; ok {
		t.Error("subscription on a closed bus should be closed")
	}
	bus.Publish(changed("op-1", core.StatusRunning))
}

func TestNotifier_PublishesNotifications(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe(TypeOperationPromoted)
	n := NewNotifier(bus)

	n.Notify(context.Background(), core.Notification{
		Kind:        core.NoticePromoted,
		OperationID: "op-7",
		Message:     "Universe rebuild started",
	})

	select {
	case e := <-ch:
		ne, ok := e.(NotificationEvent)
		if !ok {
			t.Fatalf("expected NotificationEvent, got %T", e)
		}
		if ne.Message != "Universe rebuild started" || ne.OperationID() != "op-7" {
			t.Errorf("unexpected event %+v", ne)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("notification not delivered")
	}

	var nilNotifier *Notifier
	nilNotifier.Notify(context.Background(), core.Notification{Kind: core.NoticeQueued})
}
