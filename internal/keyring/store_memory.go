package keyring

import (
	"context"
	"sync"

	id "msgvault/pkg/domain"
)

// MemoryStore is the in-memory epoch store for unit tests and single-node
// dev mode.
type MemoryStore struct {
	mu     sync.Mutex
	epochs map[id.ThreadID]Epoch
}

// NewMemoryStore creates an empty in-memory epoch store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{epochs: make(map[id.ThreadID]Epoch)}
}

func (s *MemoryStore) Epoch(ctx context.Context, threadID id.ThreadID) (Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[threadID], nil
}

func (s *MemoryStore) Bump(ctx context.Context, threadID id.ThreadID) (Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[threadID]++
	return s.epochs[threadID], nil
}
