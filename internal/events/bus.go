// ABOUTME: Process-wide fan-out of agent lifecycle events keyed by run id.
// ABOUTME: Synchronous, best-effort delivery in subscriber registration order.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Event is a single notification on the bus. Stream is "lifecycle" for
// run-start/end/error/subagent_complete notifications; other tags are free
// for collaborators to use for their own topics.
type Event struct {
	RunID      string
	Stream     string
	SessionKey string
	Phase      string
	Data       any
}

// Handler observes emitted events. A handler that panics is isolated by the
// bus; delivery continues to the remaining subscribers.
type Handler func(Event)

type subscriber struct {
	id      string
	handler Handler
}

// Bus is the sole transport between worker completion and the subagent
// registry / orchestrator. It subscribes to nothing and knows about no
// subscriber type, keeping it a leaf component with no cyclic references.
type Bus struct {
	mu          sync.Mutex
	subscribers []subscriber
	logger      *slog.Logger
}

// New creates an empty event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "events")}
}

// Subscribe registers handler and returns an unsubscribe function. Handlers
// are invoked by Emit in registration order.
func (b *Bus) Subscribe(handler Handler) (unsubscribe func()) {
	id := uuid.NewString()
	b.mu.Lock()
	b.subscribers = append(b.subscribers, subscriber{id: id, handler: handler})
	b.mu.Unlock()

	return func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Emit walks the current subscriber set in registration order, invoking
// each handler synchronously. A subscriber that panics is caught and
// logged; delivery continues to the rest of the set.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	snapshot := make([]subscriber, len(b.subscribers))
	copy(snapshot, b.subscribers)
	b.mu.Unlock()

	for _, s := range snapshot {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscriber, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event subscriber panicked", "panic", rec, "run_id", ev.RunID, "stream", ev.Stream)
		}
	}()
	s.handler(ev)
}
