package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creation_engine_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "creation_engine_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	ModelCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creation_engine_model_call_latency_seconds",
			Help:    "Remote model call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model", "outcome"},
	)

	ModelRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creation_engine_model_retries_total",
			Help: "Total number of retried remote model calls",
		},
		[]string{"model"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "creation_engine_stage_duration_seconds",
			Help: "Pipeline stage duration in seconds",
		},
		[]string{"stage"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creation_engine_jobs_total",
			Help: "Total number of pipeline jobs by outcome",
		},
		[]string{"outcome"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creation_engine_cache_lookups_total",
			Help: "Total number of result cache lookups",
		},
		[]string{"result"}, // hit, miss, error
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "creation_engine_active_jobs",
			Help: "Number of jobs currently running",
		},
	)

	QueueMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creation_engine_queue_messages_total",
			Help: "Total number of queue messages by outcome",
		},
		[]string{"outcome"},
	)
)
