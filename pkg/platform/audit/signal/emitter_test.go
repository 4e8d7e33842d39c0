package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgvault/internal/platform/logger"
	"msgvault/internal/platform/metrics"
	audit "msgvault/pkg/platform/audit"
)

type captureBroker struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (b *captureBroker) Publish(ctx context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *captureBroker) Close() {}

func (b *captureBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads)
}

func newTestEmitter(broker audit.Broker, opts ...Option) *Emitter {
	return NewEmitter(16, broker,
		metrics.NewWithRegistry(prometheus.NewRegistry()),
		logger.Discard(),
		opts...,
	)
}

func TestEmitter_EmitFillsDefaults(t *testing.T) {
	e := newTestEmitter(&captureBroker{})
	e.Emit(audit.Event{Action: audit.ActionSessionHeartbeat})

	batch := e.buffer.DequeueBatch(1)
	require.Len(t, batch, 1)
	assert.NotEqual(t, uuid.Nil, batch[0].ID)
	assert.False(t, batch[0].Timestamp.IsZero())
	assert.Equal(t, audit.CategorySignal, batch[0].Category)
}

func TestEmitter_EmitKeepsExplicitValues(t *testing.T) {
	e := newTestEmitter(&captureBroker{})
	eventID := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.Emit(audit.Event{ID: eventID, Action: audit.ActionSubscriberDropped, Timestamp: at})

	batch := e.buffer.DequeueBatch(1)
	require.Len(t, batch, 1)
	assert.Equal(t, eventID, batch[0].ID)
	assert.Equal(t, at, batch[0].Timestamp)
}

func TestEmitter_FlushPublishesBufferedEvents(t *testing.T) {
	broker := &captureBroker{}
	e := newTestEmitter(broker)

	for i := 0; i < 3; i++ {
		e.Emit(audit.Event{Action: audit.ActionRateLimitExceeded})
	}
	e.Flush(context.Background())

	require.Equal(t, 3, broker.count())
	assert.Equal(t, 0, e.buffer.Len())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(broker.payloads[0], &payload))
	assert.Equal(t, string(audit.ActionRateLimitExceeded), payload["action"])
}

func TestEmitter_FlushDrainsInBatches(t *testing.T) {
	broker := &captureBroker{}
	e := newTestEmitter(broker, WithBatchSize(2))

	for i := 0; i < 5; i++ {
		e.Emit(audit.Event{Action: audit.ActionSessionHeartbeat})
	}
	e.Flush(context.Background())

	assert.Equal(t, 5, broker.count())
	assert.Equal(t, 0, e.buffer.Len())
}

func TestEmitter_PublishFailureDropsBatch(t *testing.T) {
	broker := &captureBroker{err: errors.New("broker down")}
	e := newTestEmitter(broker)

	e.Emit(audit.Event{Action: audit.ActionRateLimitExceeded})
	e.Emit(audit.Event{Action: audit.ActionRateLimitExceeded})
	e.Flush(context.Background())

	// Lossy by contract: the batch is gone, not retried.
	assert.Equal(t, 0, broker.count())
	assert.Equal(t, 0, e.buffer.Len())
}

func TestEmitter_RunFlushesOnShutdown(t *testing.T) {
	broker := &captureBroker{}
	e := newTestEmitter(broker, WithFlushInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Emit(audit.Event{Action: audit.ActionSessionHeartbeat})
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("emitter did not stop")
	}
	assert.Equal(t, 1, broker.count())
}
