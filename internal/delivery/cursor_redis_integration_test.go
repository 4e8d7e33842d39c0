//go:build integration

package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	id "msgvault/pkg/domain"
	"msgvault/pkg/testutil/containers"
)

type RedisCursorSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *RedisCursorStore
}

func TestRedisCursorSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCursorSuite))
}

func (s *RedisCursorSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = NewRedisCursorStore(s.redis.Client)
}

func (s *RedisCursorSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCursorSuite) TestAckAndGet() {
	ctx := context.Background()
	sessionID := id.NewSessionID()
	threadID := id.NewThreadID()

	cursor, err := s.store.Get(ctx, sessionID, threadID)
	s.Require().NoError(err)
	s.Equal(uint64(0), cursor)

	s.Require().NoError(s.store.Ack(ctx, sessionID, threadID, 3))

	cursor, err = s.store.Get(ctx, sessionID, threadID)
	s.Require().NoError(err)
	s.Equal(uint64(3), cursor)
}

func (s *RedisCursorSuite) TestNeverRegresses() {
	ctx := context.Background()
	sessionID := id.NewSessionID()
	threadID := id.NewThreadID()

	s.Require().NoError(s.store.Ack(ctx, sessionID, threadID, 5))
	s.Require().NoError(s.store.Ack(ctx, sessionID, threadID, 2))

	cursor, err := s.store.Get(ctx, sessionID, threadID)
	s.Require().NoError(err)
	s.Equal(uint64(5), cursor)
}

func (s *RedisCursorSuite) TestScopedPerSessionAndThread() {
	ctx := context.Background()
	sessionA := id.NewSessionID()
	sessionB := id.NewSessionID()
	threadID := id.NewThreadID()

	s.Require().NoError(s.store.Ack(ctx, sessionA, threadID, 7))
	s.Require().NoError(s.store.Ack(ctx, sessionB, threadID, 2))

	cursor, err := s.store.Get(ctx, sessionA, threadID)
	s.Require().NoError(err)
	s.Equal(uint64(7), cursor)

	cursor, err = s.store.Get(ctx, sessionB, threadID)
	s.Require().NoError(err)
	s.Equal(uint64(2), cursor)

	cursor, err = s.store.Get(ctx, sessionA, id.NewThreadID())
	s.Require().NoError(err)
	s.Equal(uint64(0), cursor)
}
