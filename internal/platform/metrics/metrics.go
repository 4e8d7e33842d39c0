// Package metrics holds all Prometheus metrics for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	MessagesAppended   prometheus.Counter
	MessagesDelivered  prometheus.Counter
	DroppedSubscribers prometheus.Counter
	RateLimitExceeded  *prometheus.CounterVec
	KeyRotations       prometheus.Counter
	AuditPublished     prometheus.Counter
	AuditDropped       prometheus.Counter

	ActiveConnections   prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
	OutboxBacklog       prometheus.Gauge

	AppendDuration     prometheus.Histogram
	FanoutDuration     prometheus.Histogram
	ReplayBatchSize    prometheus.Histogram
	QueueDepthOnDetach prometheus.Histogram

	HTTPDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(nil)
}

// NewWithRegistry creates metrics on a custom registry. Tests pass a fresh
// registry to avoid duplicate-registration panics across packages.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		MessagesAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgvault_messages_appended_total",
			Help: "Total number of messages appended to threads",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgvault_messages_delivered_total",
			Help: "Total number of message events delivered to subscribers",
		}),
		DroppedSubscribers: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgvault_delivery_dropped_subscribers_total",
			Help: "Subscriptions closed because the consumer could not keep up",
		}),
		RateLimitExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "msgvault_ratelimit_exceeded_total",
			Help: "Total number of rate limited operations",
		}, []string{"op"}),
		KeyRotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgvault_key_rotations_total",
			Help: "Total number of thread key epoch rotations",
		}),
		AuditPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgvault_audit_events_published_total",
			Help: "Audit events successfully published to the broker",
		}),
		AuditDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "msgvault_audit_events_dropped_total",
			Help: "Audit signal events dropped under pressure",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msgvault_active_connections",
			Help: "Currently open WebSocket connections",
		}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msgvault_active_subscriptions",
			Help: "Currently registered delivery subscriptions",
		}),
		OutboxBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "msgvault_outbox_backlog",
			Help: "Unpublished rows in the audit outbox",
		}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "msgvault_append_duration_seconds",
			Help:    "Latency of message append, including seal and persist",
			Buckets: prometheus.DefBuckets,
		}),
		FanoutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "msgvault_fanout_duration_seconds",
			Help:    "Time spent publishing one event to all subscribers",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01},
		}),
		ReplayBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "msgvault_replay_batch_size",
			Help:    "Messages replayed per subscribe batch",
			Buckets: []float64{1, 10, 25, 50, 100, 200, 500},
		}),
		QueueDepthOnDetach: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "msgvault_ws_queue_depth_on_detach",
			Help:    "Subscriber queue depth observed when a connection detached",
			Buckets: []float64{0, 1, 4, 16, 64, 128, 256},
		}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "msgvault_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}
