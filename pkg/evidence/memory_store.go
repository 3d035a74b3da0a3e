package evidence

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps evidence in memory. Used by tests and single-process
// development setups.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}}
}

func (s *MemoryStore) PutEvidence(_ context.Context, tenant, ref string, data []byte) error {
	key, err := refKey(tenant, ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.blobs[key]; ok {
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrMismatch, ref)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[key] = cp
	return nil
}

func (s *MemoryStore) ReadEvidence(_ context.Context, tenant, ref string) ([]byte, error) {
	key, err := refKey(tenant, ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, ref)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}
