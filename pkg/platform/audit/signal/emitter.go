package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"msgvault/internal/platform/metrics"
	audit "msgvault/pkg/platform/audit"
)

// Emitter accepts signal events without blocking and flushes them to the
// broker in batches on an interval.
type Emitter struct {
	buffer  *RingBuffer
	broker  audit.Broker
	metrics *metrics.Metrics
	logger  *slog.Logger

	flushInterval time.Duration
	batchSize     int

	lastDropped int64
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithFlushInterval overrides the flush interval (default 5s).
func WithFlushInterval(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.flushInterval = d
		}
	}
}

// WithBatchSize overrides the per-flush batch size (default 500).
func WithBatchSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// NewEmitter creates an emitter over a ring buffer of the given capacity.
func NewEmitter(capacity int, broker audit.Broker, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Emitter {
	e := &Emitter{
		buffer:        NewRingBuffer(capacity),
		broker:        broker,
		metrics:       m,
		logger:        logger,
		flushInterval: 5 * time.Second,
		batchSize:     500,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit enqueues a signal event. Never blocks; under pressure the oldest
// buffered event is dropped instead.
func (e *Emitter) Emit(event audit.Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = audit.CategorySignal
	}
	e.buffer.Enqueue(event)
}

// Run flushes on an interval until ctx is cancelled, then flushes once more.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			e.Flush(ctx)
		}
	}
}

// Flush drains the buffer to the broker. Publish failures re-drop the
// batch: signals are lossy by contract and retrying them would delay the
// next batch.
func (e *Emitter) Flush(ctx context.Context) {
	if dropped := e.buffer.Dropped(); dropped > e.lastDropped {
		if e.metrics != nil {
			e.metrics.AuditDropped.Add(float64(dropped - e.lastDropped))
		}
		e.logger.Warn("signal buffer dropped events", "dropped", dropped-e.lastDropped)
		e.lastDropped = dropped
	}

	for {
		batch := e.buffer.DequeueBatch(e.batchSize)
		if len(batch) == 0 {
			return
		}
		for _, event := range batch {
			payload, err := audit.Marshal(event)
			if err != nil {
				e.logger.Error("failed to marshal signal event", "error", err)
				continue
			}
			if err := e.broker.Publish(ctx, event.AggregateID(), payload); err != nil {
				if e.metrics != nil {
					e.metrics.AuditDropped.Add(float64(len(batch)))
				}
				e.logger.Warn("signal flush failed, dropping batch",
					"batch_size", len(batch),
					"error", err,
				)
				return
			}
			if e.metrics != nil {
				e.metrics.AuditPublished.Inc()
			}
		}
		if len(batch) < e.batchSize {
			return
		}
	}
}
