package delivery

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "msgvault/pkg/domain"
)

func cursorStores(t *testing.T) map[string]CursorStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]CursorStore{
		"memory": NewMemoryCursorStore(),
		"redis":  NewRedisCursorStore(client),
	}
}

func TestCursorStore_AckAndGet(t *testing.T) {
	for name, store := range cursorStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sessionID := id.NewSessionID()
			threadID := id.NewThreadID()

			seq, err := store.Get(ctx, sessionID, threadID)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), seq)

			require.NoError(t, store.Ack(ctx, sessionID, threadID, 7))

			seq, err = store.Get(ctx, sessionID, threadID)
			require.NoError(t, err)
			assert.Equal(t, uint64(7), seq)
		})
	}
}

func TestCursorStore_NeverRegresses(t *testing.T) {
	for name, store := range cursorStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sessionID := id.NewSessionID()
			threadID := id.NewThreadID()

			require.NoError(t, store.Ack(ctx, sessionID, threadID, 10))
			require.NoError(t, store.Ack(ctx, sessionID, threadID, 4))

			seq, err := store.Get(ctx, sessionID, threadID)
			require.NoError(t, err)
			assert.Equal(t, uint64(10), seq, "stale ack must not move the cursor back")
		})
	}
}

func TestCursorStore_ScopedPerSessionAndThread(t *testing.T) {
	for name, store := range cursorStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sessA := id.NewSessionID()
			sessB := id.NewSessionID()
			threadID := id.NewThreadID()

			require.NoError(t, store.Ack(ctx, sessA, threadID, 5))

			seq, err := store.Get(ctx, sessB, threadID)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), seq)

			seq, err = store.Get(ctx, sessA, id.NewThreadID())
			require.NoError(t, err)
			assert.Equal(t, uint64(0), seq)
		})
	}
}
