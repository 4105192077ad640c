package security

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps limiter state in process. Suitable for a single instance.
type MemoryStore struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	blocks map[string]time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hits:   make(map[string][]time.Time),
		blocks: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.hits[key][:0]
	for _, t := range s.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.hits[key] = kept
	return len(kept), nil
}

func (s *MemoryStore) Block(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[key] = until
	return nil
}

func (s *MemoryStore) BlockedUntil(_ context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks[key], nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hits, key)
	delete(s.blocks, key)
	return nil
}

// Sweep drops keys with no hit newer than maxAge and no live block.
// Returns the number of keys removed.
func (s *MemoryStore) Sweep(now time.Time, maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, hits := range s.hits {
		if len(hits) > 0 && now.Sub(hits[len(hits)-1]) <= maxAge {
			continue
		}
		if until, ok := s.blocks[key]; ok && now.Before(until) {
			continue
		}
		delete(s.hits, key)
		delete(s.blocks, key)
		removed++
	}
	for key, until := range s.blocks {
		if _, ok := s.hits[key]; !ok && !now.Before(until) {
			delete(s.blocks, key)
			removed++
		}
	}
	return removed
}
