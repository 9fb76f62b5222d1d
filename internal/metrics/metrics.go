// Package metrics provides Prometheus metrics for the DNS relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "dnsrelay"
)

// Drop reasons used as the "reason" label of QueriesDropped.
const (
	DropRateLimited   = "rate_limited"
	DropQueueFull     = "queue_full"
	DropEvicted       = "evicted"
	DropShutdown      = "shutdown"
	DropUpstreamError = "upstream_error"
	DropSendError     = "send_error"
	DropPanic         = "panic"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Query flow
	QueriesReceived prometheus.Counter
	QueriesRelayed  prometheus.Counter
	QueriesDropped  *prometheus.CounterVec

	// Upstream exchanges
	UpstreamErrors  *prometheus.CounterVec
	UpstreamLatency prometheus.Histogram

	// Worker pool
	RelaysInFlight prometheus.Gauge
	QueueDepth     prometheus.Gauge

	// Data transfer
	BytesReceived prometheus.Counter
	BytesSent     prometheus.Counter

	// Lifecycle
	ServerStarts  prometheus.Counter
	ReceiveErrors prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance registered with the
// default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a new Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		QueriesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_received_total",
			Help:      "Total UDP query datagrams received",
		}),
		QueriesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_relayed_total",
			Help:      "Total queries answered with an upstream response",
		}),
		QueriesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_dropped_total",
			Help:      "Total queries dropped without a reply by reason",
		}, []string{"reason"}),

		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total upstream exchange failures by stage",
		}, []string{"stage"}),
		UpstreamLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Histogram of successful upstream round trips in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		RelaysInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_in_flight",
			Help:      "Number of queries currently being relayed upstream",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of queries waiting for a worker",
		}),

		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total query bytes received from local clients",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total response bytes sent to local clients",
		}),

		ServerStarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_starts_total",
			Help:      "Total number of times the relay listener was started",
		}),
		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Total non-timeout errors reading from the listening socket",
		}),
	}
}

// RecordQueryReceived records an incoming datagram of n bytes.
func (m *Metrics) RecordQueryReceived(n int) {
	m.QueriesReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

// RecordRelayStart records a query entering the upstream exchange.
func (m *Metrics) RecordRelayStart() {
	m.RelaysInFlight.Inc()
}

// RecordRelayEnd records a query leaving the upstream exchange.
func (m *Metrics) RecordRelayEnd() {
	m.RelaysInFlight.Dec()
}

// RecordRelayed records a reply of n bytes sent after an upstream round trip.
func (m *Metrics) RecordRelayed(n int, latencySeconds float64) {
	m.QueriesRelayed.Inc()
	m.BytesSent.Add(float64(n))
	m.UpstreamLatency.Observe(latencySeconds)
}

// RecordDrop records a query dropped without a reply.
func (m *Metrics) RecordDrop(reason string) {
	m.QueriesDropped.WithLabelValues(reason).Inc()
}

// RecordUpstreamError records a failed upstream exchange.
func (m *Metrics) RecordUpstreamError(stage string) {
	if stage == "" {
		stage = "unknown"
	}
	m.UpstreamErrors.WithLabelValues(stage).Inc()
	m.QueriesDropped.WithLabelValues(DropUpstreamError).Inc()
}

// SetQueueDepth sets the number of queries waiting for a worker.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// RecordServerStart records a listener start.
func (m *Metrics) RecordServerStart() {
	m.ServerStarts.Inc()
}

// RecordReceiveError records a failed socket read.
func (m *Metrics) RecordReceiveError() {
	m.ReceiveErrors.Inc()
}
