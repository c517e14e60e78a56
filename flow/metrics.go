package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus metrics for workflow execution.
//
// All metrics are namespaced "flowgraph":
//   - inflight_vertices (gauge): vertices executing right now
//   - mailbox_depth (gauge, vertex_id): ready envelopes per mailbox
//   - enqueues_total (counter, vertex_id): messages accepted by mailboxes
//   - evictions_total (counter, vertex_id): envelopes evicted on overflow
//   - retries_total (counter, vertex_id, reason): retry attempts
//   - dead_letters_total (counter, vertex_id, reason): DLQ arrivals
//   - vertex_latency_ms (histogram, vertex_id, status): execution duration
//   - breaker_transitions_total (counter, kind, to): circuit state changes
//
// Expose them via promhttp against the registry handed to NewMetrics.
// A nil *Metrics is safe: every method is a no-op.
type Metrics struct {
	inflight     prometheus.Gauge
	mailboxDepth *prometheus.GaugeVec
	enqueues     *prometheus.CounterVec
	evictions    *prometheus.CounterVec
	retries      *prometheus.CounterVec
	deadLetters  *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	breakers     *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set. A nil registry uses the
// Prometheus default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowgraph",
			Name:      "inflight_vertices",
			Help:      "Current number of vertices executing concurrently",
		}),
		mailboxDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowgraph",
			Name:      "mailbox_depth",
			Help:      "Ready envelopes waiting in each vertex mailbox",
		}, []string{"vertex_id"}),
		enqueues: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "enqueues_total",
			Help:      "Messages accepted by vertex mailboxes",
		}, []string{"vertex_id"}),
		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "evictions_total",
			Help:      "Envelopes evicted from full mailboxes",
		}, []string{"vertex_id"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "retries_total",
			Help:      "Cumulative vertex retry attempts",
		}, []string{"vertex_id", "reason"}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "dead_letters_total",
			Help:      "Messages moved to the dead-letter queue",
		}, []string{"vertex_id", "reason"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowgraph",
			Name:      "vertex_latency_ms",
			Help:      "Vertex execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"vertex_id", "status"}),
		breakers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions per vertex kind",
		}, []string{"kind", "to"}),
	}
}

// SetInflight records the number of concurrently executing vertices.
func (m *Metrics) SetInflight(n int) {
	if m == nil {
		return
	}
	m.inflight.Set(float64(n))
}

// SetMailboxDepth records the ready depth of one mailbox.
func (m *Metrics) SetMailboxDepth(vertexID string, depth int) {
	if m == nil {
		return
	}
	m.mailboxDepth.WithLabelValues(vertexID).Set(float64(depth))
}

// IncEnqueue counts one accepted message.
func (m *Metrics) IncEnqueue(vertexID string) {
	if m == nil {
		return
	}
	m.enqueues.WithLabelValues(vertexID).Inc()
}

// IncEviction counts one overflow eviction.
func (m *Metrics) IncEviction(vertexID string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(vertexID).Inc()
}

// IncRetry counts one retry attempt.
func (m *Metrics) IncRetry(vertexID, reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(vertexID, reason).Inc()
}

// IncDeadLetter counts one DLQ arrival.
func (m *Metrics) IncDeadLetter(vertexID, reason string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(vertexID, reason).Inc()
}

// ObserveLatency records one execution duration.
func (m *Metrics) ObserveLatency(vertexID string, latency time.Duration, status string) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(vertexID, status).Observe(float64(latency.Milliseconds()))
}

// IncBreakerTransition counts one circuit state change.
func (m *Metrics) IncBreakerTransition(kind, to string) {
	if m == nil {
		return
	}
	m.breakers.WithLabelValues(kind, to).Inc()
}
