package identity

import (
	"context"
	"sync"
)

// StaticStore resolves tokens from a fixed in-memory table. Suitable for dev/testing.
type StaticStore struct {
	mu     sync.RWMutex
	levels map[string]int
}

// NewStatic copies levels into a new StaticStore.
func NewStatic(levels map[string]int) *StaticStore {
	m := make(map[string]int, len(levels))
	for k, v := range levels {
		m[k] = v
	}
	return &StaticStore{levels: m}
}

// Lookup implements Store.
func (s *StaticStore) Lookup(_ context.Context, tokenID string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	level, ok := s.levels[tokenID]
	return level, ok, nil
}

// Set adds or replaces a token's clearance.
func (s *StaticStore) Set(tokenID string, level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[tokenID] = level
}
