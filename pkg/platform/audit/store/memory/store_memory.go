// Package memory provides the in-memory audit store for unit tests and
// Kafka-less dev mode.
package memory

import (
	"context"
	"sync"

	id "msgvault/pkg/domain"
	audit "msgvault/pkg/platform/audit"
)

// Store retains events in memory, in append order.
type Store struct {
	mu     sync.RWMutex
	events []audit.Event
}

// New creates an empty in-memory audit store.
func New() *Store {
	return &Store{}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// ListByThread returns events for a thread, oldest first.
func (s *Store) ListByThread(ctx context.Context, threadID id.ThreadID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.Event
	for _, ev := range s.events {
		if ev.ThreadID == threadID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// All returns every retained event, oldest first.
func (s *Store) All() []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}
