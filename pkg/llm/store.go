package llm

import (
	"context"
	"sync"
)

// ConfigStore is the mutable model configuration source. Get returns
// found=false when the store has no entry for id.
type ConfigStore interface {
	Get(ctx context.Context, id string) (spec ModelSpec, found bool, err error)
	List(ctx context.Context) ([]ModelSpec, error)
}

// MemoryConfigStore is an in-memory ConfigStore.
type MemoryConfigStore struct {
	mu    sync.RWMutex
	specs map[string]ModelSpec
}

// NewMemoryConfigStore creates a store seeded with specs.
func NewMemoryConfigStore(specs ...ModelSpec) *MemoryConfigStore {
	s := &MemoryConfigStore{specs: make(map[string]ModelSpec)}
	for _, spec := range specs {
		s.specs[spec.ID] = spec.clone()
	}
	return s
}

func (s *MemoryConfigStore) Get(_ context.Context, id string) (ModelSpec, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[id]
	if !ok {
		return ModelSpec{}, false, nil
	}
	return spec.clone(), true, nil
}

func (s *MemoryConfigStore) List(_ context.Context) ([]ModelSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModelSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, spec.clone())
	}
	return out, nil
}

// Put inserts or replaces a spec.
func (s *MemoryConfigStore) Put(spec ModelSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.ID] = spec.clone()
}

// Remove deletes a spec.
func (s *MemoryConfigStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.specs, id)
}
