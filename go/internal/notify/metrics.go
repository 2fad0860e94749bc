package notify

import (
	"github.com/mcdev12/roundsync/go/internal/events"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines the interface for collecting bus metrics
type MetricsCollector interface {
	RecordDelivered(kind events.Kind, subscribers int)
	RecordDropped(reason string)
	RecordRefetch(source string, coalesced int)
	RecordBroadcast(success bool)
	RecordSourceFailure(source string)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordDelivered(events.Kind, int) {}
func (NoOpMetricsCollector) RecordDropped(string)             {}
func (NoOpMetricsCollector) RecordRefetch(string, int)        {}
func (NoOpMetricsCollector) RecordBroadcast(bool)             {}
func (NoOpMetricsCollector) RecordSourceFailure(string)       {}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	delivered      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	refetches      *prometheus.CounterVec
	coalesced      prometheus.Histogram
	broadcasts     *prometheus.CounterVec
	sourceFailures *prometheus.CounterVec
}

func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundsync",
			Subsystem: "bus",
			Name:      "notifications_delivered_total",
			Help:      "Notifications handed to local subscribers.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundsync",
			Subsystem: "bus",
			Name:      "notifications_dropped_total",
			Help:      "Notifications discarded before delivery.",
		}, []string{"reason"}),
		refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundsync",
			Subsystem: "bus",
			Name:      "refetch_signals_total",
			Help:      "Debounced refetch signals emitted.",
		}, []string{"source"}),
		coalesced: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "roundsync",
			Subsystem: "bus",
			Name:      "refetch_coalesced_changes",
			Help:      "Raw changes folded into one refetch signal.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundsync",
			Subsystem: "bus",
			Name:      "broadcasts_total",
			Help:      "Peer broadcasts by outcome after retries.",
		}, []string{"status"}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundsync",
			Subsystem: "bus",
			Name:      "source_failures_total",
			Help:      "Change source or peer subscription failures.",
		}, []string{"source"}),
	}
	reg.MustRegister(m.delivered, m.dropped, m.refetches, m.coalesced, m.broadcasts, m.sourceFailures)
	return m
}

func (m *PrometheusMetrics) RecordDelivered(kind events.Kind, subscribers int) {
	m.delivered.WithLabelValues(string(kind)).Add(float64(subscribers))
}

func (m *PrometheusMetrics) RecordDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) RecordRefetch(source string, coalesced int) {
	m.refetches.WithLabelValues(source).Inc()
	m.coalesced.Observe(float64(coalesced))
}

func (m *PrometheusMetrics) RecordBroadcast(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.broadcasts.WithLabelValues(status).Inc()
}

func (m *PrometheusMetrics) RecordSourceFailure(source string) {
	m.sourceFailures.WithLabelValues(source).Inc()
}
