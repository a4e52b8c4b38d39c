// Package bus provides the event bus used to broadcast cell execution
// lifecycle events to interested consumers.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope published on the bus. Data carries the typed
// payload; after a NATS round trip subscribers see it as decoded JSON.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates an event with a fresh id and the current timestamp
func NewEvent(eventType, source string, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler receives events delivered by a subscription
type Handler func(event *Event)

// EventBus publishes and subscribes to events by subject
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) error
	Close() error
}

// MemoryEventBus is an in-process EventBus. Handlers run synchronously
// in the publisher's goroutine.
type MemoryEventBus struct {
	handlers map[string][]Handler
	mu       sync.RWMutex
	closed   bool
}

// NewMemoryEventBus creates an in-process event bus
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		handlers: make(map[string][]Handler),
	}
}

// Publish delivers the event to every handler subscribed to the subject
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	handlers := b.handlers[subject]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil
	}

	for _, h := range handlers {
		h(event)
	}
	return nil
}

// Subscribe registers a handler for a subject
func (b *MemoryEventBus) Subscribe(subject string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil
}

// Close stops further delivery
func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]Handler)
	return nil
}
