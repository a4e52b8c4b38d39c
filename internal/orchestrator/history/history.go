// Package history keeps a bounded in-memory record of execution
// events per cell, fed by the event bus.
package history

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cellrun/cellrun/internal/events"
	"github.com/cellrun/cellrun/internal/events/bus"
	v1 "github.com/cellrun/cellrun/pkg/api/v1"
)

// Entry is one recorded execution event for a cell.
type Entry struct {
	EventType string    `json:"event_type"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is an in-memory per-cell execution history
type Store struct {
	entries    map[string][]*Entry
	mu         sync.RWMutex
	maxPerCell int
}

// NewStore creates a history store keeping at most maxPerCell entries
// per cell.
func NewStore(maxPerCell int) *Store {
	if maxPerCell <= 0 {
		maxPerCell = 100
	}
	return &Store{
		entries:    make(map[string][]*Entry),
		maxPerCell: maxPerCell,
	}
}

// Attach subscribes the store to all cell execution subjects on the
// bus.
func (s *Store) Attach(eventBus bus.EventBus) error {
	for _, subject := range events.CellSubjects() {
		if err := eventBus.Subscribe(subject, s.record); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) record(event *bus.Event) {
	payload := decodePayload(event.Data)
	if payload == nil || payload.CellID == "" {
		return
	}
	entry := &Entry{
		EventType: event.Type,
		Error:     payload.Error,
		Timestamp: event.Timestamp,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.entries[payload.CellID], entry)
	if len(entries) > s.maxPerCell {
		entries = entries[len(entries)-s.maxPerCell:]
	}
	s.entries[payload.CellID] = entries
}

// decodePayload normalizes the event payload: the in-process bus
// delivers the publisher's *v1.ExecutionEvent directly, a NATS round
// trip delivers decoded JSON.
func decodePayload(data interface{}) *v1.ExecutionEvent {
	if ee, ok := data.(*v1.ExecutionEvent); ok {
		return ee
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var ee v1.ExecutionEvent
	if err := json.Unmarshal(raw, &ee); err != nil {
		return nil
	}
	return &ee
}

// Get returns the recorded entries for a cell, newest last. Limit of
// zero means all.
func (s *Store) Get(cellID string, limit int) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[cellID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	result := make([]*Entry, len(entries))
	copy(result, entries)
	return result
}

// Delete removes all history for a cell.
func (s *Store) Delete(cellID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, cellID)
}
