package security

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// MemoryEventStore holds at most capacity events in process.
type MemoryEventStore struct {
	mu       sync.RWMutex
	events   []model.SecurityEvent
	capacity int
}

var _ EventStore = (*MemoryEventStore)(nil)

func NewMemoryEventStore(capacity int) *MemoryEventStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryEventStore{capacity: capacity}
}

func (s *MemoryEventStore) Append(_ context.Context, ev model.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	if over := len(s.events) - s.capacity; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
	return nil
}

func (s *MemoryEventStore) ListBySession(_ context.Context, sessionID uuid.UUID, limit int) ([]model.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SecurityEvent, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.SessionID == nil || *ev.SessionID != sessionID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryEventStore) Recent(_ context.Context, limit int) ([]model.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.SecurityEvent, 0, n)
	for i := len(s.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

// Len returns the number of retained events.
func (s *MemoryEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
