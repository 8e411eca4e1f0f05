package ledger

import (
	"sync"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
	"github.com/hugo-lorenzo-mato/opsgate/internal/events"
	"github.com/hugo-lorenzo-mato/opsgate/internal/logging"
)

// hub fans change events out to subscribers. Callbacks run synchronously on
// the writer's goroutine after the write is committed and must not block.
type hub struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]func(core.ChangeEvent)
	bus    *events.EventBus
	logger *logging.Logger
}

func newHub(bus *events.EventBus, logger *logging.Logger) *hub {
	return &hub{
		subs:   make(map[int]func(core.ChangeEvent)),
		bus:    bus,
		logger: logger,
	}
}

func (h *hub) subscribe(fn func(core.ChangeEvent)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) emit(ev core.ChangeEvent) {
	h.mu.RLock()
	fns := make([]func(core.ChangeEvent), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		h.deliver(fn, core.ChangeEvent{Kind: ev.Kind, Record: ev.Record.Clone(), At: ev.At, Remote: ev.Remote})
	}
	if h.bus != nil {
		h.bus.Publish(events.NewOperationChangedEvent(ev))
	}
}

func (h *hub) deliver(fn func(core.ChangeEvent), ev core.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("ledger subscriber panicked",
				"operation_id", ev.Record.ID,
				"panic", r)
		}
	}()
	fn(ev)
}
