package message

import (
	"context"
	"sync"
	"time"

	id "msgvault/pkg/domain"
	"msgvault/pkg/platform/sentinel"
)

type threadState struct {
	thread   Thread
	messages []Message // ascending seq; seq = index+1
}

// MemoryStore is the in-memory implementation for unit tests and
// single-node dev mode. Sequence assignment happens under the store mutex,
// so the gapless-monotonic invariant holds under concurrent appends.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[id.ThreadID]*threadState
}

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[id.ThreadID]*threadState)}
}

func (s *MemoryStore) CreateThread(ctx context.Context, thread Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[thread.ID]; exists {
		return sentinel.ErrConflict
	}
	s.threads[thread.ID] = &threadState{thread: thread}
	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, threadID id.ThreadID) (Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.threads[threadID]
	if !ok {
		return Thread{}, sentinel.ErrNotFound
	}
	return state.thread, nil
}

func (s *MemoryStore) ArchiveThread(ctx context.Context, threadID id.ThreadID, archivedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.threads[threadID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if state.thread.ArchivedAt == nil {
		state.thread.ArchivedAt = &archivedAt
	}
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg Message, seal func(seq uint64) ([]byte, error)) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.threads[msg.ThreadID]
	if !ok {
		return Message{}, sentinel.ErrNotFound
	}
	if state.thread.ArchivedAt != nil {
		return Message{}, sentinel.ErrInvalidState
	}

	msg.Seq = uint64(len(state.messages)) + 1
	sealed, err := seal(msg.Seq)
	if err != nil {
		return Message{}, err
	}
	msg.Sealed = sealed
	state.messages = append(state.messages, msg)
	return msg, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, threadID id.ThreadID, afterSeq uint64, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.threads[threadID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	start := int(afterSeq) // seq N lives at index N-1
	if start >= len(state.messages) {
		return nil, nil
	}
	end := len(state.messages)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]Message, end-start)
	copy(out, state.messages[start:end])
	return out, nil
}

func (s *MemoryStore) LastSeq(ctx context.Context, threadID id.ThreadID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.threads[threadID]
	if !ok {
		return 0, sentinel.ErrNotFound
	}
	return uint64(len(state.messages)), nil
}
