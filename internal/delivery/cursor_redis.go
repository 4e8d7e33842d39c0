package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	id "msgvault/pkg/domain"
)

const cursorKeyPrefix = "svlt:cur:"

// cursorTTL bounds cursor lifetime. A session gone longer than this has
// expired anyway; its next realtime session starts a fresh cursor.
const cursorTTL = 7 * 24 * time.Hour

// RedisCursorStore shares cursors across nodes. Forward-only advance runs
// on the server to keep the hot path at one round trip; the rare race
// between two connections of one session resolves to the higher seq.
type RedisCursorStore struct {
	client *redis.Client
}

func NewRedisCursorStore(client *redis.Client) *RedisCursorStore {
	return &RedisCursorStore{client: client}
}

// ackScript advances the cursor only forward and refreshes the TTL.
var ackScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local seq = tonumber(ARGV[1])
if seq > cur then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return seq
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return cur
`)

func cursorRedisKey(sessionID id.SessionID, threadID id.ThreadID) string {
	return cursorKeyPrefix + sessionID.String() + ":" + threadID.String()
}

func (s *RedisCursorStore) Ack(ctx context.Context, sessionID id.SessionID, threadID id.ThreadID, seq uint64) error {
	err := ackScript.Run(ctx, s.client,
		[]string{cursorRedisKey(sessionID, threadID)},
		strconv.FormatUint(seq, 10),
		strconv.FormatInt(cursorTTL.Milliseconds(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("ack cursor: %w", err)
	}
	return nil
}

func (s *RedisCursorStore) Get(ctx context.Context, sessionID id.SessionID, threadID id.ThreadID) (uint64, error) {
	val, err := s.client.Get(ctx, cursorRedisKey(sessionID, threadID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	seq, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", val, err)
	}
	return seq, nil
}
