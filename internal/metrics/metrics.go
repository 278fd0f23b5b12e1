// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskpulse"

// Webhook outcomes used as the "result" label.
const (
	ResultAccepted     = "accepted"
	ResultDuplicate    = "duplicate"
	ResultUnauthorized = "unauthorized"
	ResultInvalid      = "invalid"
	ResultRateLimited  = "rate_limited"
	ResultStoreError   = "store_error"
)

// Metrics reports realtime and webhook activity. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connections     prometheus.Gauge
	subscriptions   prometheus.Counter
	evictions       prometheus.Counter
	deliveries      prometheus.Counter
	webhookRequests *prometheus.CounterVec
	webhookDuration prometheus.Histogram
}

// MustNewMetrics constructs Metrics registered on reg. Tests should pass a
// fresh prometheus.NewRegistry(). Registration errors other than
// AlreadyRegistered panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Number of registered realtime connections.",
		}),
		subscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "subscriptions_total",
			Help:      "Total SUBSCRIBE messages applied.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "evictions_total",
			Help:      "Connections removed by the heartbeat monitor.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "broadcast_deliveries_total",
			Help:      "Status updates enqueued to subscribers.",
		}),
		webhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Agent callbacks by outcome.",
		}, []string{"result"}),
		webhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "duration_seconds",
			Help:      "Time to verify, store and broadcast an agent callback.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.connections = register(reg, m.connections)
	m.subscriptions = register(reg, m.subscriptions)
	m.evictions = register(reg, m.evictions)
	m.deliveries = register(reg, m.deliveries)
	m.webhookRequests = register(reg, m.webhookRequests)
	m.webhookDuration = register(reg, m.webhookDuration)
	return m
}

// register returns the collector already registered under the same
// descriptor, if any.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) Subscribed() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.Add(float64(n))
}

// ObserveWebhook records one callback outcome and its handling time.
func (m *Metrics) ObserveWebhook(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(result).Inc()
	m.webhookDuration.Observe(d.Seconds())
}
