package snapshot

import (
	"context"
	"sync"
)

// InMemoryStore keeps the latest descriptor in memory. Intended for tests
// and for nodes that delegate durability elsewhere.
type InMemoryStore struct {
	mu     sync.Mutex
	latest *Descriptor
}

// NewInMemoryStore returns an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Persist replaces the stored descriptor.
func (s *InMemoryStore) Persist(_ context.Context, d Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := d
	cp.Data = append([]byte(nil), d.Data...)
	s.latest = &cp
	return nil
}

// LoadLatest returns a copy of the stored descriptor, or nil.
func (s *InMemoryStore) LoadLatest() (*Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil {
		return nil, nil
	}
	cp := *s.latest
	cp.Data = append([]byte(nil), s.latest.Data...)
	return &cp, nil
}
