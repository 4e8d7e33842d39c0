package outbox

import (
	"context"
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
)

// fakeSource is an in-memory outbox table.
type fakeSource struct {
	mu       sync.Mutex
	rows     []Row
	fetchErr error
}

func (s *fakeSource) add(n int) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := make([]Row, 0, n)
	for i := 0; i < n; i++ {
		row := Row{ID: uuid.New(), AggregateID: "agg", Payload: []byte(`{"n":1}`)}
		s.rows = append(s.rows, row)
		added = append(added, row)
	}
	return added
}

func (s *fakeSource) FetchUnpublished(ctx context.Context, limit int) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if limit > len(s.rows) {
		limit = len(s.rows)
	}
	out := make([]Row, limit)
	copy(out, s.rows[:limit])
	return out, nil
}

func (s *fakeSource) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := make(map[uuid.UUID]bool, len(ids))
	for _, rowID := range ids {
		marked[rowID] = true
	}
	kept := s.rows[:0]
	for _, row := range s.rows {
		if !marked[row.ID] {
			kept = append(kept, row)
		}
	}
	s.rows = kept
	return nil
}

func (s *fakeSource) Backlog(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *fakeSource) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// fakeBroker records publishes. A non-negative failAfter makes every
// publish beyond that count fail until it is reset.
type fakeBroker struct {
	mu        sync.Mutex
	published []string
	failAfter int
}

func (b *fakeBroker) setFailAfter(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAfter = n
}

func (b *fakeBroker) Publish(ctx context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAfter >= 0 && len(b.published) >= b.failAfter {
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, key)
	return nil
}

func (b *fakeBroker) Close() {}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func newTestWorker(source Source, broker *fakeBroker) *Worker {
	return NewWorker(source, broker,
		metrics.NewWithRegistry(prometheus.NewRegistry()),
		logger.Discard(),
		WithPollInterval(10*time.Millisecond),
		WithBatchSize(10),
	)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{failAfter: -1}
}

func TestWorker_CyclePublishesAndMarks(t *testing.T) {
	source := &fakeSource{}
	source.add(3)
	broker := newFakeBroker()
	w := newTestWorker(source, broker)

	require.NoError(t, w.cycle(context.Background()))

	assert.Equal(t, 3, broker.count())
	assert.Equal(t, 0, source.remaining())
}

func TestWorker_CycleDrainsMultipleBatches(t *testing.T) {
	source := &fakeSource{}
	source.add(25)
	broker := newFakeBroker()
	w := newTestWorker(source, broker)

	require.NoError(t, w.cycle(context.Background()))

	assert.Equal(t, 25, broker.count())
	assert.Equal(t, 0, source.remaining())
}

func TestWorker_BrokerFailureKeepsUnpublishedRows(t *testing.T) {
	source := &fakeSource{}
	source.add(5)
	broker := &fakeBroker{failAfter: 0}
	w := newTestWorker(source, broker)

	err := w.cycle(context.Background())
	require.Error(t, err)

	// Nothing reached the broker, so nothing may be marked.
	assert.Equal(t, 0, broker.count())
	assert.Equal(t, 5, source.remaining())
}

func TestWorker_PartialFailureMarksAcceptedRows(t *testing.T) {
	source := &fakeSource{}
	source.add(4)
	broker := &fakeBroker{failAfter: 2}
	w := newTestWorker(source, broker)

	// Broker accepts two rows then fails. The accepted rows must be marked
	// so they are not re-sent on the next cycle.
	err := w.cycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, broker.count())
	assert.Equal(t, 2, source.remaining())

	broker.setFailAfter(-1)
	require.NoError(t, w.cycle(context.Background()))
	assert.Equal(t, 4, broker.count())
	assert.Equal(t, 0, source.remaining())
}

func TestWorker_FetchErrorPropagates(t *testing.T) {
	source := &fakeSource{fetchErr: errors.New("db down")}
	w := newTestWorker(source, &fakeBroker{})

	assert.Error(t, w.cycle(context.Background()))
}

func TestWorker_RunDrainsOnShutdown(t *testing.T) {
	source := &fakeSource{}
	broker := newFakeBroker()
	w := newTestWorker(source, broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	source.add(2)
	require.Eventually(t, func() bool { return source.remaining() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Rows written after the last tick still drain during shutdown.
	source.add(3)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, 0, source.remaining())
	assert.Equal(t, 5, broker.count())
}
