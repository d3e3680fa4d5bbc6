package checkpoint

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]Checkpoint{}}
}

func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	cp.CompletedSteps = append([]string{}, cp.CompletedSteps...)
	s.mu.Lock()
	s.data[cp.Key] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, key string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.data[key]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	cp.CompletedSteps = append([]string{}, cp.CompletedSteps...)
	return cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
