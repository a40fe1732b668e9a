package cache

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryStore is a thread-safe, in-memory BlobStore.
// It is primarily intended for local development and testing.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a copy of the bytes stored under key.
func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("key '%s': %w", key, ErrNotFound)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Exists reports whether key is stored.
func (s *InMemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

// Put stores a copy of data under key.
func (s *InMemoryStore) Put(_ context.Context, key string, data []byte) error {
	value := make([]byte, len(data))
	copy(value, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
