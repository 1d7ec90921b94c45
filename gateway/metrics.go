/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-conngate/admission"
	"github.com/acronis/go-conngate/internal/libinfo"
)

const metricsLabelReason = "reason"

// MetricsCollector represents a collector of metrics of the admission gate.
type MetricsCollector interface {
	// SetActiveConnections sets the current number of connections that hold a slot.
	SetActiveConnections(int)

	// SetQueuedConnections sets the current number of connections waiting for a free slot.
	SetQueuedConnections(int)

	// IncAdmittedConnections increments the total number of admitted connections.
	IncAdmittedConnections()

	// IncRejectedConnections increments the total number of rejected connections with the given reason.
	IncRejectedConnections(reason admission.RejectReason)

	// ObserveConnectionDuration observes the total time the connection slot was held.
	ObserveConnectionDuration(d time.Duration)
}

// DefaultConnectionDurationBuckets is default buckets into which observations
// of holding a connection slot are counted.
var DefaultConnectionDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// DurationBuckets is a list of buckets for the connection duration histogram.
	DurationBuckets []float64

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics for the admission gate.
type PrometheusMetrics struct {
	ActiveConnections  prometheus.Gauge
	QueuedConnections  prometheus.Gauge
	AdmittedTotal      prometheus.Counter
	RejectedTotal      *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	durationBuckets := opts.DurationBuckets
	if durationBuckets == nil {
		durationBuckets = DefaultConnectionDurationBuckets
	}
	constLabels := libinfo.AddPrometheusLibVersionLabel(opts.ConstLabels)

	activeConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   opts.Namespace,
		Name:        "gate_active_connections",
		Help:        "Current number of connections that hold a slot.",
		ConstLabels: constLabels,
	})

	queuedConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   opts.Namespace,
		Name:        "gate_queued_connections",
		Help:        "Current number of connections waiting for a free slot.",
		ConstLabels: constLabels,
	})

	admittedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "gate_admitted_connections_total",
		Help:        "Number of admitted connections.",
		ConstLabels: constLabels,
	})

	rejectedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "gate_rejected_connections_total",
		Help:        "Number of rejected connections.",
		ConstLabels: constLabels,
	}, []string{metricsLabelReason})

	connectionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   opts.Namespace,
		Name:        "gate_connection_duration_seconds",
		Help:        "Total time the connection slot was held.",
		Buckets:     durationBuckets,
		ConstLabels: constLabels,
	})

	return &PrometheusMetrics{
		ActiveConnections:  activeConnections,
		QueuedConnections:  queuedConnections,
		AdmittedTotal:      admittedTotal,
		RejectedTotal:      rejectedTotal,
		ConnectionDuration: connectionDuration,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.ActiveConnections,
		pm.QueuedConnections,
		pm.AdmittedTotal,
		pm.RejectedTotal,
		pm.ConnectionDuration,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.ActiveConnections)
	prometheus.Unregister(pm.QueuedConnections)
	prometheus.Unregister(pm.AdmittedTotal)
	prometheus.Unregister(pm.RejectedTotal)
	prometheus.Unregister(pm.ConnectionDuration)
}

// SetActiveConnections sets the current number of connections that hold a slot.
func (pm *PrometheusMetrics) SetActiveConnections(n int) {
	pm.ActiveConnections.Set(float64(n))
}

// SetQueuedConnections sets the current number of connections waiting for a free slot.
func (pm *PrometheusMetrics) SetQueuedConnections(n int) {
	pm.QueuedConnections.Set(float64(n))
}

// IncAdmittedConnections increments the total number of admitted connections.
func (pm *PrometheusMetrics) IncAdmittedConnections() {
	pm.AdmittedTotal.Inc()
}

// IncRejectedConnections increments the total number of rejected connections with the given reason.
func (pm *PrometheusMetrics) IncRejectedConnections(reason admission.RejectReason) {
	pm.RejectedTotal.With(prometheus.Labels{metricsLabelReason: string(reason)}).Inc()
}

// ObserveConnectionDuration observes the total time the connection slot was held.
func (pm *PrometheusMetrics) ObserveConnectionDuration(d time.Duration) {
	pm.ConnectionDuration.Observe(d.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) SetActiveConnections(int)                      {}
func (disabledMetrics) SetQueuedConnections(int)                      {}
func (disabledMetrics) IncAdmittedConnections()                       {}
func (disabledMetrics) IncRejectedConnections(admission.RejectReason) {}
func (disabledMetrics) ObserveConnectionDuration(time.Duration)       {}
