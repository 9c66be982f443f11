package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

// MemoryStore implements interfaces.Store with a process-local map. Used in
// tests and for ephemeral single-node deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns the value stored under key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrConfigNotFound, key)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put stores the value under key.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	return nil
}

// Delete removes the key. Absent keys are ignored.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List returns all keys under the given prefix.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Name returns a unique identifier for this storage backend.
func (s *MemoryStore) Name() string {
	return "memory"
}

// LocationURI returns the URI that identifies this storage backend.
func (s *MemoryStore) LocationURI() string {
	return "memory://"
}
