package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventStore defines the interface for persisting events, kept narrow to
// avoid a circular dependency on internal/store.
type EventStore interface {
	Append(ctx context.Context, jobID, eventType string, payload []byte, metadata map[string]string) error
}

// Handler processes an Event; return error to signal failure.
type Handler func(Event) error

// Bus is a simple synchronous pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	eventStore  EventStore       // optional event store for persistence
	dlq         *DeadLetterQueue // optional sink for handler failures
}

func NewBus() *Bus { return &Bus{subscribers: map[string][]Handler{}} }

// NewBusWithEventStore creates a bus that persists events to the store.
func NewBusWithEventStore(store EventStore) *Bus {
	return &Bus{
		subscribers: map[string][]Handler{},
		eventStore:  store,
	}
}

// WithDeadLetterQueue routes handler failures to dlq instead of (or in
// addition to) the caller-visible error Publish already returns, so a
// failed finding/discovery event isn't lost once Publish's caller moves on.
func (b *Bus) WithDeadLetterQueue(dlq *DeadLetterQueue) *Bus {
	b.dlq = dlq
	return b
}

// Subscribe registers a handler for a given event name.
func (b *Bus) Subscribe(event string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subscribers[event] = append(b.subscribers[event], h)
	b.mu.Unlock()
}

// Publish delivers an event to all handlers synchronously.
// If an event store is configured, the event is persisted before being
// delivered to handlers; a failed persist lands in the dead-letter queue
// rather than blocking delivery.
func (b *Bus) Publish(e Event) error {
	if b.eventStore != nil {
		jobID := "unknown"
		if je, ok := e.(interface{ GetJobID() string }); ok && je.GetJobID() != "" {
			jobID = je.GetJobID()
		}
		payload, err := json.Marshal(e)
		if err != nil {
			payload = nil
		}
		if err := b.eventStore.Append(context.Background(), jobID, e.Name(), payload, nil); err != nil && b.dlq != nil {
			b.dlq.Enqueue(FailedEvent{Event: e, Error: err, Timestamp: time.Now()})
		}
	}

	b.mu.RLock()
	hs := append([]Handler(nil), b.subscribers[e.Name()]...)
	b.mu.RUnlock()
	for _, h := range hs {
		if err := h(e); err != nil {
			if b.dlq != nil {
				b.dlq.Enqueue(FailedEvent{Event: e, Error: err, Timestamp: time.Now()})
			}
			return err
		}
	}
	return nil
}
