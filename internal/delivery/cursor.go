package delivery

import (
	"context"
	"sync"

	id "msgvault/pkg/domain"
)

// CursorStore remembers how far each session has acknowledged each thread,
// so a reconnect resumes instead of replaying from zero. Cursors only move
// forward: a stale or duplicate ack is ignored, never a regression.
type CursorStore interface {
	// Ack records seq as delivered-and-processed.
	Ack(ctx context.Context, sessionID id.SessionID, threadID id.ThreadID, seq uint64) error

	// Get returns the last acknowledged seq, 0 when none.
	Get(ctx context.Context, sessionID id.SessionID, threadID id.ThreadID) (uint64, error)
}

type cursorKey struct {
	session id.SessionID
	thread  id.ThreadID
}

// MemoryCursorStore keeps cursors in process.
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[cursorKey]uint64
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[cursorKey]uint64)}
}

func (s *MemoryCursorStore) Ack(ctx context.Context, sessionID id.SessionID, threadID id.ThreadID, seq uint64) error {
	key := cursorKey{session: sessionID, thread: threadID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursors[key] {
		s.cursors[key] = seq
	}
	return nil
}

func (s *MemoryCursorStore) Get(ctx context.Context, sessionID id.SessionID, threadID id.ThreadID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[cursorKey{session: sessionID, thread: threadID}], nil
}
