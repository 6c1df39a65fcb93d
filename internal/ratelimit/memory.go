package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps attempts in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Add records an entry.
func (s *MemoryStore) Add(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// Since returns entries at or after since.
func (s *MemoryStore) Since(_ context.Context, since time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.At.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Prune drops entries older than before.
func (s *MemoryStore) Prune(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if !e.At.Before(before) {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}
