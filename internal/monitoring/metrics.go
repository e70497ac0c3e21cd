// Package monitoring - metrics.go exports Prometheus metrics.
//
// DESIGN: One registry per Metrics value, so tests and multiple gateways in
// one process never collide on the default registry:
//   - requests_total / request_duration_seconds: client traffic by path and status
//   - upstream_attempts_total:                   every backend call by status
//   - retries_total:                             retries by backoff strategy
//   - ratelimit_classifications_total:           429/5xx reasons
//   - warmup_intercepts_total, background_downgrades_total, signatures_captured_total
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "antigravity_gateway"

// Metrics collects operational metrics.
type Metrics struct {
	registry *prometheus.Registry

	requests              *prometheus.CounterVec
	requestDuration       *prometheus.HistogramVec
	upstreamAttempts      *prometheus.CounterVec
	retries               *prometheus.CounterVec
	classifications       *prometheus.CounterVec
	warmupIntercepts      prometheus.Counter
	backgroundDowngrades  *prometheus.CounterVec
	signaturesCaptured    prometheus.Counter
	accountsUnavailable   prometheus.Counter
	signatureCacheEntries prometheus.Gauge
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of client requests",
		}, []string{"path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Client request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"path"}),
		upstreamAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_attempts_total",
			Help:      "Backend calls by resulting status (0 = transport error)",
		}, []string{"status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Retries by backoff strategy",
		}, []string{"strategy"}),
		classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ratelimit_classifications_total",
			Help:      "Classified backend failures by reason",
		}, []string{"reason"}),
		warmupIntercepts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "warmup_intercepts_total",
			Help:      "Warmup requests answered locally",
		}),
		backgroundDowngrades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "background_downgrades_total",
			Help:      "Background tasks routed to a cheaper model",
		}, []string{"task"}),
		signaturesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "signatures_captured_total",
			Help:      "Thought signatures captured from backend streams",
		}),
		accountsUnavailable: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "accounts_unavailable_total",
			Help:      "Account selections that found no usable account",
		}),
		signatureCacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "signature_cache_entries",
			Help:      "Entries in the thought-signature cache",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest records a finished client request.
func (m *Metrics) RecordRequest(path string, status int, latency time.Duration) {
	m.requests.WithLabelValues(path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path).Observe(latency.Seconds())
}

// RecordUpstreamAttempt records one backend call.
func (m *Metrics) RecordUpstreamAttempt(status int) {
	m.upstreamAttempts.WithLabelValues(strconv.Itoa(status)).Inc()
}

// RecordRetry records a retry with the chosen strategy.
func (m *Metrics) RecordRetry(strategy string) {
	m.retries.WithLabelValues(strategy).Inc()
}

// RecordClassification records a classified failure reason.
func (m *Metrics) RecordClassification(reason string) {
	m.classifications.WithLabelValues(reason).Inc()
}

// RecordWarmup records a locally answered warmup.
func (m *Metrics) RecordWarmup() { m.warmupIntercepts.Inc() }

// RecordDowngrade records a background task downgrade.
func (m *Metrics) RecordDowngrade(task string) {
	m.backgroundDowngrades.WithLabelValues(task).Inc()
}

// RecordSignatures adds captured thought signatures.
func (m *Metrics) RecordSignatures(n int) {
	if n > 0 {
		m.signaturesCaptured.Add(float64(n))
	}
}

// RecordNoAccounts records a failed account selection.
func (m *Metrics) RecordNoAccounts() { m.accountsUnavailable.Inc() }

// SetSignatureCacheEntries reports the signature cache size.
func (m *Metrics) SetSignatureCacheEntries(n int) {
	m.signatureCacheEntries.Set(float64(n))
}
