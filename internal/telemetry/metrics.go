// Package telemetry exposes Prometheus metrics for the scheduler and workers.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the engine records into.
type Metrics struct {
	registry *prometheus.Registry

	JobsDispatched  *prometheus.CounterVec
	JobsCompleted   *prometheus.CounterVec
	JobsFailed      *prometheus.CounterVec
	JobsRetried     *prometheus.CounterVec
	JobsCancelled   prometheus.Counter
	JobsDeadLetter  prometheus.Counter
	JobsHeld        prometheus.Counter
	LeaseContention prometheus.Counter
	RateLimited     *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	JobDuration     *prometheus.HistogramVec
	EncodeDuration  prometheus.Histogram
	UploadDuration  prometheus.Histogram
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autopost_jobs_dispatched_total",
			Help: "Jobs handed to the worker pool, by category.",
		}, []string{"category"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autopost_jobs_completed_total",
			Help: "Jobs that finished successfully, by category.",
		}, []string{"category"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autopost_jobs_failed_total",
			Help: "Jobs that reached FAILED, by category.",
		}, []string{"category"}),
		JobsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autopost_jobs_retried_total",
			Help: "Retry transitions scheduled, by category.",
		}, []string{"category"}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "autopost_jobs_cancelled_total",
			Help: "Jobs cancelled before completion.",
		}),
		JobsDeadLetter: factory.NewCounter(prometheus.CounterOpts{
			Name: "autopost_jobs_dead_letter_total",
			Help: "Jobs pushed to the dead-letter queue.",
		}),
		JobsHeld: factory.NewCounter(prometheus.CounterOpts{
			Name: "autopost_jobs_held_total",
			Help: "Jobs parked because their campaign is paused.",
		}),
		LeaseContention: factory.NewCounter(prometheus.CounterOpts{
			Name: "autopost_lease_contention_total",
			Help: "Dispatch attempts deferred because the account lease was held.",
		}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autopost_rate_limited_total",
			Help: "Dispatch attempts deferred by the category rate budget.",
		}, []string{"category"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "autopost_queue_ready_depth",
			Help: "Total jobs waiting in category ready queues.",
		}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autopost_job_duration_seconds",
			Help:    "Wall time from dispatch to settlement, by category.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"category"}),
		EncodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "autopost_encode_duration_seconds",
			Help:    "ffmpeg encode wall time per variation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "autopost_upload_duration_seconds",
			Help:    "Bridge upload wall time.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
