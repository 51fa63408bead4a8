// Package metrics exposes controller counters and latencies to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vmsnap"

// Metrics holds the controller collectors on a private registry.
type Metrics struct {
	registry         *prometheus.Registry
	operations       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	resyncs          *prometheus.CounterVec
	allocatedExpired prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Snapshot operations by operation and result.",
		}, []string{"operation", "result"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent waiting for host agent answers.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"command"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_total",
			Help:      "Resync attempts by result.",
		}, []string{"result"}),
		allocatedExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocated_expired_total",
			Help:      "Allocated snapshot rows removed by the sweep.",
		}),
	}
	m.registry.MustRegister(m.operations, m.dispatchDuration, m.resyncs, m.allocatedExpired)
	return m
}

// ObserveDispatch records an agent round trip. Outcome is kept out of the
// labels; failed commands also show up in operations_total.
func (m *Metrics) ObserveDispatch(command, _ string, d time.Duration) {
	m.dispatchDuration.WithLabelValues(command).Observe(d.Seconds())
}

// ObserveOperation counts a finished create, delete or revert.
func (m *Metrics) ObserveOperation(operation, result string) {
	m.operations.WithLabelValues(operation, result).Inc()
}

// ObserveResync counts a resync attempt.
func (m *Metrics) ObserveResync(result string) {
	m.resyncs.WithLabelValues(result).Inc()
}

// AllocatedExpired adds n swept rows.
func (m *Metrics) AllocatedExpired(n int) {
	m.allocatedExpired.Add(float64(n))
}

// Registry returns the registry backing these collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
