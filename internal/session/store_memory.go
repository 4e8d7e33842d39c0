package session

import (
	"context"
	"sync"
	"time"

	id "msgvault/pkg/domain"
	"msgvault/pkg/platform/sentinel"
)

// MemoryStore holds sessions in process for tests and single-node dev mode.
// Expiry is lazy: reads past the record's deadline report not found, the way
// a Redis TTL would.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]memorySession
	denied   map[string]time.Time
	now      func() time.Time
}

type memorySession struct {
	sess     Session
	deadline time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[id.SessionID]memorySession),
		denied:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// recordGrace keeps expired sessions visible briefly so validation can say
// "expired" instead of "unknown".
const recordGrace = time.Hour

func (s *MemoryStore) Save(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = memorySession{
		sess:     sess,
		deadline: sess.ExpiresAt.Add(recordGrace),
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sessionID id.SessionID) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionID]
	if !ok || s.now().After(rec.deadline) {
		return Session{}, sentinel.ErrNotFound
	}
	return rec.sess, nil
}

func (s *MemoryStore) Touch(ctx context.Context, sessionID id.SessionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok || s.now().After(rec.deadline) {
		return sentinel.ErrNotFound
	}
	rec.sess.LastSeenAt = at
	s.sessions[sessionID] = rec
	return nil
}

func (s *MemoryStore) DenyToken(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[jti] = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) IsTokenDenied(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	until, ok := s.denied[jti]
	return ok && s.now().Before(until), nil
}
