package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

type PipelineMetrics struct {
	Count    *prometheus.CounterVec
	Duration *prometheus.SummaryVec
}

type EngineMetrics struct {
	Version prometheus.Counter

	JobsInFlight prometheus.Gauge

	DiscoveryCacheHits    prometheus.Counter
	DiscoveryCacheMisses  prometheus.Counter
	ScannerCandidates     *prometheus.CounterVec
	ScannerFailures       *prometheus.CounterVec
	RankerFallbacks       prometheus.Counter
	PublishedPosts        *prometheus.CounterVec
	ScheduledPostFailures *prometheus.CounterVec
	StorageMigratedBytes  prometheus.Counter
	PeriodicTaskRuns      *prometheus.CounterVec
	PeriodicTaskCollapsed *prometheus.CounterVec

	ObjectStoreClient ClientMetrics
	PublisherClient   ClientMetrics
	StockClient       ClientMetrics

	TransformPipeline PipelineMetrics
}

var pipelineLabels = []string{"niche", "stage", "version"}

func NewMetrics() *EngineMetrics {
	m := &EngineMetrics{
		// Fired once on startup to let us check which version of this service we're running
		Version: promauto.NewCounter(prometheus.CounterOpts{
			Name: "version",
			Help: "Current Git SHA / Tag that's running. Incremented once on app startup.",
		}),

		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "A count of the transform jobs in flight",
		}),

		DiscoveryCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "discovery_cache_hits",
			Help: "Aggregations served from the shared cache",
		}),
		DiscoveryCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "discovery_cache_misses",
			Help: "Aggregations that had to fan out to scanners",
		}),
		ScannerCandidates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_candidates_total",
			Help: "Candidates returned per scanner platform",
		}, []string{"platform"}),
		ScannerFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scanner_failures_total",
			Help: "Scanner calls that returned a warning instead of candidates",
		}, []string{"platform"}),
		RankerFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ranker_fallbacks_total",
			Help: "Aggregations that fell back to views-descending ordering",
		}),
		PublishedPosts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "published_posts_total",
			Help: "Successful platform publishes",
		}, []string{"platform"}),
		ScheduledPostFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduled_post_failures_total",
			Help: "Scheduled posts that transitioned to Failed",
		}, []string{"platform"}),
		StorageMigratedBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "storage_migrated_bytes_total",
			Help: "Bytes migrated from local disk to the object store",
		}),
		PeriodicTaskRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "periodic_task_runs_total",
			Help: "Periodic task executions by task name",
		}, []string{"task"}),
		PeriodicTaskCollapsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "periodic_task_collapsed_total",
			Help: "Ticks collapsed because the task was already in flight",
		}, []string{"task"}),

		ObjectStoreClient: newClientMetrics("object_store"),
		PublisherClient:   newClientMetrics("publisher"),
		StockClient:       newClientMetrics("stock"),

		TransformPipeline: PipelineMetrics{
			Count: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "transform_pipeline_count",
				Help: "Number of transform pipeline runs",
			}, pipelineLabels),
			Duration: promauto.NewSummaryVec(prometheus.SummaryOpts{
				Name: "transform_pipeline_duration",
				Help: "Time taken to run the transform pipeline",
			}, pipelineLabels),
		},
	}

	return m
}

func newClientMetrics(client string) ClientMetrics {
	return ClientMetrics{
		RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: client + "_client_retry_count",
			Help: "The number of retries on requests made by the " + client + " client",
		}, []string{"host"}),
		FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: client + "_client_failure_count",
			Help: "The number of failed requests made by the " + client + " client",
		}, []string{"host", "operation"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    client + "_client_request_duration",
			Help:    "The duration of requests made by the " + client + " client",
			Buckets: []float64{.005, .05, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"host", "operation"}),
	}
}

var Metrics = NewMetrics()
