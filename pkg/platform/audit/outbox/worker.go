// Package outbox drains the audit outbox table to the broker.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"msgvault/internal/platform/metrics"
	audit "msgvault/pkg/platform/audit"
	"msgvault/pkg/platform/circuit"
)

// Row is one unpublished outbox entry.
type Row struct {
	ID          uuid.UUID
	AggregateID string
	Payload     []byte
}

// Source serves the worker's outbox queries. Implemented by the Postgres
// audit store.
type Source interface {
	FetchUnpublished(ctx context.Context, limit int) ([]Row, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID) error
	Backlog(ctx context.Context) (int64, error)
}

// Worker polls the outbox and publishes batches to the broker. Rows are
// marked published only after the broker accepts them, so a crash between
// publish and mark yields at-least-once delivery; consumers dedupe on event
// ID.
type Worker struct {
	source  Source
	broker  audit.Broker
	breaker *circuit.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger

	pollInterval time.Duration
	batchSize    int
}

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval overrides the polling interval (default 1s).
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithBatchSize overrides the per-cycle batch size (default 100).
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// NewWorker creates an outbox worker.
func NewWorker(source Source, broker audit.Broker, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		source:       source,
		broker:       broker,
		breaker:      circuit.New("audit-broker", circuit.WithFailureThreshold(5), circuit.WithSuccessThreshold(2)),
		metrics:      m,
		logger:       logger,
		pollInterval: time.Second,
		batchSize:    100,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled, then performs one final drain so
// events written before shutdown still reach the broker.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0 // retry forever; the breaker limits broker load

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := w.cycle(drainCtx); err != nil {
				w.logger.Error("outbox drain on shutdown failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := w.cycle(ctx); err != nil {
				wait := retry.NextBackOff()
				w.logger.Warn("outbox cycle failed",
					"error", err,
					"retry_in", wait.String(),
				)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
				continue
			}
			retry.Reset()
		}
	}
}

// cycle drains the outbox until it is empty or an error occurs.
func (w *Worker) cycle(ctx context.Context) error {
	for {
		rows, err := w.source.FetchUnpublished(ctx, w.batchSize)
		if err != nil {
			return err
		}
		w.observeBacklog(ctx)
		if len(rows) == 0 {
			return nil
		}

		published := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			if w.breaker.IsOpen() {
				// Probe with a single row; success closes the circuit.
				if err := w.publish(ctx, row); err != nil {
					return err
				}
				published = append(published, row.ID)
				break
			}
			if err := w.publish(ctx, row); err != nil {
				// Mark what the broker already accepted before bailing.
				if markErr := w.source.MarkPublished(ctx, published); markErr != nil {
					w.logger.Error("failed to mark published outbox rows", "error", markErr)
				}
				return err
			}
			published = append(published, row.ID)
		}

		if err := w.source.MarkPublished(ctx, published); err != nil {
			return err
		}
		if len(rows) < w.batchSize {
			return nil
		}
	}
}

func (w *Worker) publish(ctx context.Context, row Row) error {
	err := w.broker.Publish(ctx, row.AggregateID, row.Payload)
	if err != nil {
		if _, change := w.breaker.RecordFailure(); change.Opened {
			w.logger.Error("audit broker circuit opened", "breaker", w.breaker.Name())
		}
		return err
	}
	if _, change := w.breaker.RecordSuccess(); change.Closed {
		w.logger.Info("audit broker circuit closed", "breaker", w.breaker.Name())
	}
	if w.metrics != nil {
		w.metrics.AuditPublished.Inc()
	}
	return nil
}

func (w *Worker) observeBacklog(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	backlog, err := w.source.Backlog(ctx)
	if err != nil {
		return
	}
	w.metrics.OutboxBacklog.Set(float64(backlog))
}
