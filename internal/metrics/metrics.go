// Package metrics exposes the controller's Prometheus metrics. Adapted from the
// teacher's pkg/metrics package: package-level collectors registered once, a Timer
// helper for histogram observations, and an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ScalerCycleDuration tracks how long one scaler pass takes, by scaler kind
	// ("worker" or "app").
	ScalerCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "umpire_scaler_cycle_duration_seconds",
			Help:    "Duration of one scaler pass",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scaler"},
	)

	// HealerCycleDuration tracks how long one healer pass takes.
	HealerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "umpire_healer_cycle_duration_seconds",
			Help:    "Duration of one healer pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ServiceDesiredReplicas reports the last replica count the controller set for
	// a service, labeled by service name.
	ServiceDesiredReplicas = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "umpire_service_desired_replicas",
			Help: "Desired replica count last set by the controller, by service",
		},
		[]string{"service"},
	)

	// MessagesRedeliveredTotal counts messages reclaimed from dead consumers and
	// re-appended to their stream.
	MessagesRedeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "umpire_messages_redelivered_total",
			Help: "Total number of stranded messages reclaimed and redelivered",
		},
	)

	// WorkflowsAbortedTotal counts abort commands processed by the control listener.
	WorkflowsAbortedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "umpire_workflows_aborted_total",
			Help: "Total number of workflow abort commands processed",
		},
	)
)

func init() {
	prometheus.MustRegister(ScalerCycleDuration)
	prometheus.MustRegister(HealerCycleDuration)
	prometheus.MustRegister(ServiceDesiredReplicas)
	prometheus.MustRegister(MessagesRedeliveredTotal)
	prometheus.MustRegister(WorkflowsAbortedTotal)
}

// Handler returns the HTTP handler that serves /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on the given vector, for the given
// label values.
func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
