// Package metrics registers the Prometheus instrumentation for the signal
// service: hydration queue counters, stage latencies and HTTP totals.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. Registered on a private registry
// so tests can build as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Hydration queue
	TasksEnqueued  prometheus.Counter
	TasksSucceeded prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksRunning   prometheus.Gauge
	QueueLength    prometheus.Gauge

	// Stage latencies
	BackfillDur prometheus.Histogram
	TrainDur    prometheus.Histogram
	InferDur    prometheus.Histogram

	// HTTP surface
	HTTPRequests *prometheus.CounterVec // labels: path, code

	// Model lifecycle
	ModelSwaps prometheus.Counter
}

// New registers and returns all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edged_tasks_enqueued_total",
			Help: "Hydration tasks accepted into the queue",
		}),
		TasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edged_tasks_succeeded_total",
			Help: "Hydration tasks finished in state done",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edged_tasks_failed_total",
			Help: "Hydration tasks finished in state failed",
		}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edged_tasks_running",
			Help: "Hydration tasks currently executing (0 or 1, single worker)",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edged_queue_length",
			Help: "Hydration tasks waiting in the queue",
		}),
		BackfillDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edged_backfill_duration_seconds",
			Help:    "Wall time of one backfill run",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 300},
		}),
		TrainDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edged_train_duration_seconds",
			Help:    "Wall time of one training run",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
		}),
		InferDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edged_infer_duration_seconds",
			Help:    "Wall time of one inference call",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edged_http_requests_total",
			Help: "HTTP requests served, by path and status code",
		}, []string{"path", "code"}),
		ModelSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edged_model_swaps_total",
			Help: "Times a new model artifact was installed as current",
		}),
	}

	m.registry.MustRegister(
		m.TasksEnqueued,
		m.TasksSucceeded,
		m.TasksFailed,
		m.TasksRunning,
		m.QueueLength,
		m.BackfillDur,
		m.TrainDur,
		m.InferDur,
		m.HTTPRequests,
		m.ModelSwaps,
	)
	return m
}

// Handler returns the Prometheus text exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
