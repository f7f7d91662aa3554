package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics records RPC activity against the escrow module, segmented by
// method and outcome.
type EscrowMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deedvault",
				Subsystem: "escrow",
				Name:      "requests_total",
				Help:      "Total escrow RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deedvault",
				Subsystem: "escrow",
				Name:      "errors_total",
				Help:      "Total escrow RPC errors segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "deedvault",
				Subsystem: "escrow",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for escrow RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
	})
	return escrowRegistry
}

// MustRegister attaches the collectors to the given registerer. Safe to call
// once per process.
func (m *EscrowMetrics) MustRegister(reg prometheus.Registerer) {
	if m == nil || reg == nil {
		return
	}
	reg.MustRegister(m.requests, m.errors, m.latency)
}

// Observe records a completed request.
func (m *EscrowMetrics) Observe(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordError counts a failed request by error code.
func (m *EscrowMetrics) RecordError(method string, code int) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(method, strconv.Itoa(code)).Inc()
}
