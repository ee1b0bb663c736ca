package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection runs
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leakhawk_detection_runs_total",
			Help: "Total number of detection runs",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leakhawk_detection_run_duration_seconds",
			Help:    "Duration of detection runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leakhawk_detection_stage_duration_seconds",
			Help:    "Duration of each detection stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	ThreatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leakhawk_detection_threats_total",
			Help: "Total number of threats emitted",
		},
		[]string{"rule"},
	)

	// Similarity
	SimilarityLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leakhawk_similarity_lookups_total",
			Help: "Total nearest-neighbour lookups by path",
		},
		[]string{"path"},
	)

	SimilarityErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leakhawk_similarity_errors_total",
			Help: "Total similarity lookups that failed for a record",
		},
	)

	// Embedding worker
	EmbeddingBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leakhawk_embedding_batches_total",
			Help: "Total embedding batches by outcome",
		},
		[]string{"status"},
	)

	EmbeddingRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leakhawk_embedding_retries_total",
			Help: "Total embedding batch retries",
		},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leakhawk_embedding_jobs_total",
			Help: "Total embedding jobs by outcome",
		},
		[]string{"outcome"},
	)

	// Notification plumbing
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leakhawk_detection_notification_failures_total",
			Help: "Best-effort realtime publishes and webhook enqueues that failed",
		},
		[]string{"kind"},
	)
)
