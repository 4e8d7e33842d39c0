package keyring

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgvault/internal/platform/logger"
	"msgvault/internal/platform/metrics"
	id "msgvault/pkg/domain"
	dErrors "msgvault/pkg/domain-errors"
	"msgvault/pkg/platform/audit"
	auditmem "msgvault/pkg/platform/audit/store/memory"
)

func newTestService(t *testing.T, cacheSize int) (*Service, *auditmem.Store) {
	t.Helper()
	auditStore := auditmem.New()
	svc, err := New(
		bytes.Repeat([]byte{0x42}, 32),
		NewMemoryStore(),
		cacheSize,
		audit.NewPublisher(auditStore),
		metrics.NewWithRegistry(prometheus.NewRegistry()),
		logger.Discard(),
	)
	require.NoError(t, err)
	return svc, auditStore
}

func TestNew_RejectsShortMasterKey(t *testing.T) {
	_, err := New([]byte("too short"), NewMemoryStore(), 16, nil, nil, logger.Discard())
	assert.Error(t, err)
}

func TestKeyFor_Deterministic(t *testing.T) {
	svc, _ := newTestService(t, 16)
	threadID := id.NewThreadID()

	k1, err := svc.KeyFor(context.Background(), threadID, 0)
	require.NoError(t, err)
	k2, err := svc.KeyFor(context.Background(), threadID, 0)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, ThreadKey{}, k1)
}

func TestKeyFor_DistinctPerThreadAndEpoch(t *testing.T) {
	svc, _ := newTestService(t, 16)
	ctx := context.Background()
	a, b := id.NewThreadID(), id.NewThreadID()

	keyA, err := svc.KeyFor(ctx, a, 0)
	require.NoError(t, err)
	keyB, err := svc.KeyFor(ctx, b, 0)
	require.NoError(t, err)
	assert.NotEqual(t, keyA, keyB, "different threads must derive different keys")

	_, err = svc.Rotate(ctx, a, id.NewUserID())
	require.NoError(t, err)
	keyA1, err := svc.KeyFor(ctx, a, 1)
	require.NoError(t, err)
	assert.NotEqual(t, keyA, keyA1, "epochs of the same thread must derive different keys")
}

func TestKeyFor_RejectsFutureEpoch(t *testing.T) {
	svc, _ := newTestService(t, 16)
	threadID := id.NewThreadID()

	_, err := svc.KeyFor(context.Background(), threadID, 1)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestRotate_OldEpochStaysDerivable(t *testing.T) {
	svc, _ := newTestService(t, 16)
	ctx := context.Background()
	threadID := id.NewThreadID()

	before, err := svc.KeyFor(ctx, threadID, 0)
	require.NoError(t, err)

	epoch, err := svc.Rotate(ctx, threadID, id.NewUserID())
	require.NoError(t, err)
	assert.Equal(t, Epoch(1), epoch)

	after, err := svc.KeyFor(ctx, threadID, 0)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rotation must not change historical keys")

	key, activeEpoch, err := svc.ActiveKey(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, Epoch(1), activeEpoch)
	assert.NotEqual(t, before, key)
}

func TestRotate_EmitsAudit(t *testing.T) {
	svc, auditStore := newTestService(t, 16)
	threadID := id.NewThreadID()
	actor := id.NewUserID()

	_, err := svc.Rotate(context.Background(), threadID, actor)
	require.NoError(t, err)

	events, err := auditStore.ListByThread(context.Background(), threadID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionKeyRotated, events[0].Action)
	assert.Equal(t, actor, events[0].UserID)
	assert.Equal(t, "1", events[0].Fields["epoch"])
}

func TestRotate_Concurrent(t *testing.T) {
	svc, _ := newTestService(t, 16)
	threadID := id.NewThreadID()

	const rotations = 16
	var wg sync.WaitGroup
	for i := 0; i < rotations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Rotate(context.Background(), threadID, id.NewUserID())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	epoch, err := svc.ActiveEpoch(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, Epoch(rotations), epoch)
}

func TestKeyCache_EvictsOldest(t *testing.T) {
	cache := newKeyCache(2)

	a := cacheKey{thread: "a", epoch: 0}
	b := cacheKey{thread: "b", epoch: 0}
	c := cacheKey{thread: "c", epoch: 0}

	cache.put(a, ThreadKey{1})
	cache.put(b, ThreadKey{2})
	cache.put(c, ThreadKey{3})

	assert.Equal(t, 2, cache.len())
	_, ok := cache.get(a)
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = cache.get(c)
	assert.True(t, ok)
}

func TestKeyCache_InvalidateThreadDropsAllEpochs(t *testing.T) {
	cache := newKeyCache(8)
	cache.put(cacheKey{thread: "t", epoch: 0}, ThreadKey{1})
	cache.put(cacheKey{thread: "t", epoch: 1}, ThreadKey{2})
	cache.put(cacheKey{thread: "other", epoch: 0}, ThreadKey{3})

	cache.invalidateThread("t")

	assert.Equal(t, 1, cache.len())
	_, ok := cache.get(cacheKey{thread: "other", epoch: 0})
	assert.True(t, ok)
}
