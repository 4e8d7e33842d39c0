package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	id "msgvault/pkg/domain"
	"msgvault/pkg/platform/sentinel"
)

const (
	sessionKeyPrefix = "svlt:sess:"
	denyKeyPrefix    = "svlt:deny:jti:"
)

// RedisStore is the shared-state session store for multi-node deployments.
// Records are JSON values with a TTL; Redis expiry is the reaper.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(sessionID id.SessionID) string {
	return sessionKeyPrefix + sessionID.String()
}

func (s *RedisStore) Save(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := time.Until(sess.ExpiresAt.Add(recordGrace))
	if ttl <= 0 {
		return fmt.Errorf("session %s already past its retention window", sess.ID)
	}
	if err := s.client.Set(ctx, sessionKey(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID id.SessionID) (Session, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) Touch(ctx context.Context, sessionID id.SessionID, at time.Time) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.LastSeenAt = at
	return s.Save(ctx, sess)
}

func (s *RedisStore) DenyToken(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" || ttl <= 0 {
		return nil
	}
	// Key existence is the marker.
	if err := s.client.Set(ctx, denyKeyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("deny token: %w", err)
	}
	return nil
}

func (s *RedisStore) IsTokenDenied(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	n, err := s.client.Exists(ctx, denyKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check token denylist: %w", err)
	}
	return n > 0, nil
}
