package delivery

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"msgvault/internal/platform/metrics"
	id "msgvault/pkg/domain"
	"msgvault/pkg/platform/audit"
)

const (
	registryShards    = 16
	defaultQueueSize  = 128
	defaultReplaySize = 100
)

// Source replays committed events for catch-up. The message service
// implements it over the sealed store.
type Source interface {
	Replay(ctx context.Context, threadID id.ThreadID, afterSeq uint64, limit int) ([]Event, error)
}

// Signaler accepts best-effort audit signals without blocking.
type Signaler interface {
	Emit(event audit.Event)
}

type nopSignaler struct{}

func (nopSignaler) Emit(audit.Event) {}

type shard struct {
	mu   sync.RWMutex
	subs map[id.ThreadID]map[*Subscription]struct{}
}

// Hub routes committed messages to subscriptions. Publishing never blocks:
// a subscription that cannot absorb an event is closed as a slow consumer
// and its client reconnects from its cursor.
type Hub struct {
	source     Source
	signals    Signaler
	metrics    *metrics.Metrics
	logger     *slog.Logger
	queueSize  int
	replaySize int
	retryLimit time.Duration

	shards [registryShards]*shard

	closedMu sync.Mutex
	isClosed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize overrides the per-subscription queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithReplayBatchSize overrides the catch-up batch size.
func WithReplayBatchSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.replaySize = n
		}
	}
}

// WithReplayRetryLimit overrides how long replay retries a failing store
// before giving up on the subscription.
func WithReplayRetryLimit(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.retryLimit = d
		}
	}
}

func NewHub(source Source, signals Signaler, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Hub {
	if signals == nil {
		signals = nopSignaler{}
	}
	h := &Hub{
		source:     source,
		signals:    signals,
		metrics:    m,
		logger:     logger,
		queueSize:  defaultQueueSize,
		replaySize: defaultReplaySize,
		retryLimit: 30 * time.Second,
	}
	for i := range h.shards {
		h.shards[i] = &shard{subs: make(map[id.ThreadID]map[*Subscription]struct{})}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) shardFor(threadID id.ThreadID) *shard {
	f := fnv.New32a()
	f.Write(threadID.Bytes())
	return h.shards[f.Sum32()%registryShards]
}

// Subscribe attaches a consumer to a thread, resuming after afterSeq. The
// live tap registers before replay starts, so nothing committed after the
// call can be missed; replayed and live events are spliced without
// duplicates. Replay errors close the subscription with the cause.
func (h *Hub) Subscribe(ctx context.Context, connID id.ConnectionID, sessionID id.SessionID, threadID id.ThreadID, afterSeq uint64) (*Subscription, error) {
	h.closedMu.Lock()
	if h.isClosed {
		h.closedMu.Unlock()
		return nil, ErrHubClosed
	}
	h.closedMu.Unlock()

	sub := newSubscription(connID, sessionID, threadID, h.queueSize, afterSeq)

	sh := h.shardFor(threadID)
	sh.mu.Lock()
	if sh.subs[threadID] == nil {
		sh.subs[threadID] = make(map[*Subscription]struct{})
	}
	sh.subs[threadID][sub] = struct{}{}
	sh.mu.Unlock()

	h.metrics.ActiveSubscriptions.Inc()

	go h.replay(ctx, sub)
	return sub, nil
}

// replay catches a fresh subscription up from the store, then splices the
// events that arrived live in the meantime.
func (h *Hub) replay(ctx context.Context, sub *Subscription) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = h.retryLimit

	cursor := sub.lastDelivered()
	for {
		if sub.closed() || ctx.Err() != nil {
			return
		}
		if sub.caughtUp() {
			break
		}

		var events []Event
		err := backoff.Retry(func() error {
			var rErr error
			events, rErr = h.source.Replay(ctx, sub.ThreadID, cursor, h.replaySize)
			return rErr
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			h.logger.ErrorContext(ctx, "replay failed, dropping subscription",
				"thread_id", sub.ThreadID.String(),
				"session_id", sub.SessionID.String(),
				"error", err)
			h.drop(sub, err)
			return
		}

		h.metrics.ReplayBatchSize.Observe(float64(len(events)))

		for _, ev := range events {
			delivered, overflow := sub.offerReplay(ev)
			if overflow {
				h.slowConsumer(sub)
				return
			}
			if delivered {
				h.metrics.MessagesDelivered.Inc()
			}
		}
		cursor = sub.lastDelivered()

		if len(events) < h.replaySize {
			break
		}
	}

	delivered, overflow := sub.splice()
	if overflow {
		h.slowConsumer(sub)
		return
	}
	for i := 0; i < delivered; i++ {
		h.metrics.MessagesDelivered.Inc()
	}
}

// Publish fans one committed event out to the thread's subscriptions. It
// never blocks on a consumer.
func (h *Hub) Publish(ev Event) {
	started := time.Now()

	sh := h.shardFor(ev.ThreadID)
	sh.mu.RLock()
	subs := make([]*Subscription, 0, len(sh.subs[ev.ThreadID]))
	for sub := range sh.subs[ev.ThreadID] {
		subs = append(subs, sub)
	}
	sh.mu.RUnlock()

	for _, sub := range subs {
		delivered, overflow, stalled := sub.offerLive(ev)
		if overflow {
			h.slowConsumer(sub)
			continue
		}
		if stalled {
			h.outOfSync(sub)
			continue
		}
		for i := 0; i < delivered; i++ {
			h.metrics.MessagesDelivered.Inc()
		}
	}

	h.metrics.FanoutDuration.Observe(time.Since(started).Seconds())
}

// Detach removes a subscription from the registry and closes it cleanly.
func (h *Hub) Detach(sub *Subscription) {
	h.metrics.QueueDepthOnDetach.Observe(float64(sub.queueDepth()))
	h.remove(sub)
	sub.close(nil)
}

// DetachSession tears down every subscription belonging to a session, used
// on revocation.
func (h *Hub) DetachSession(sessionID id.SessionID) int {
	var dropped []*Subscription
	for _, sh := range h.shards {
		sh.mu.Lock()
		for _, subs := range sh.subs {
			for sub := range subs {
				if sub.SessionID == sessionID {
					dropped = append(dropped, sub)
				}
			}
		}
		sh.mu.Unlock()
	}
	for _, sub := range dropped {
		h.remove(sub)
		sub.close(ErrSessionDetached)
	}
	return len(dropped)
}

// Close tears down all subscriptions. Subscribe fails afterwards.
func (h *Hub) Close() {
	h.closedMu.Lock()
	h.isClosed = true
	h.closedMu.Unlock()

	for _, sh := range h.shards {
		sh.mu.Lock()
		for threadID, subs := range sh.subs {
			for sub := range subs {
				sub.close(ErrHubClosed)
				h.metrics.ActiveSubscriptions.Dec()
			}
			delete(sh.subs, threadID)
		}
		sh.mu.Unlock()
	}
}

func (h *Hub) slowConsumer(sub *Subscription) {
	h.remove(sub)
	if !sub.close(ErrSlowConsumer) {
		return
	}

	h.metrics.DroppedSubscribers.Inc()
	h.signals.Emit(audit.Event{
		Action:    audit.ActionSubscriberDropped,
		ThreadID:  sub.ThreadID,
		SessionID: sub.SessionID,
		Fields: map[string]string{
			"queue_size": strconv.Itoa(h.queueSize),
			"last_seq":   strconv.FormatUint(sub.lastDelivered(), 10),
		},
	})
	h.logger.Warn("dropped slow consumer",
		"thread_id", sub.ThreadID.String(),
		"session_id", sub.SessionID.String(),
		"last_seq", sub.lastDelivered())
}

// outOfSync drops a subscription whose sequence gap outlived its pending
// buffer. The consumer resubscribes and replay fills the gap from the store.
func (h *Hub) outOfSync(sub *Subscription) {
	h.remove(sub)
	if !sub.close(ErrSequenceGap) {
		return
	}
	h.logger.Warn("dropped out-of-sync subscriber",
		"thread_id", sub.ThreadID.String(),
		"session_id", sub.SessionID.String(),
		"last_seq", sub.lastDelivered())
}

// drop removes a subscription and closes it with the given cause.
func (h *Hub) drop(sub *Subscription, cause error) {
	h.remove(sub)
	sub.close(cause)
}

func (h *Hub) remove(sub *Subscription) {
	sh := h.shardFor(sub.ThreadID)
	sh.mu.Lock()
	if subs, ok := sh.subs[sub.ThreadID]; ok {
		if _, present := subs[sub]; present {
			delete(subs, sub)
			h.metrics.ActiveSubscriptions.Dec()
			if len(subs) == 0 {
				delete(sh.subs, sub.ThreadID)
			}
		}
	}
	sh.mu.Unlock()
}
