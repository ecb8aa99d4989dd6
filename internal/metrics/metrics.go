package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intake watcher metrics
	IntakeFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchline_intake_files_total",
			Help: "Total number of files seen at the drop location",
		},
		[]string{"result"}, // ingested, duplicate, error
	)

	IntakeBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchline_intake_bytes_total",
			Help: "Total bytes of raw file content uploaded",
		},
	)

	IntakePublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchline_intake_publish_errors_total",
			Help: "Total number of broker publish failures during intake",
		},
	)

	IntakeCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batchline_intake_cycle_duration_seconds",
			Help:    "Duration of one drop location scan cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Ingestion worker metrics
	WorkerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchline_worker_events_total",
			Help: "Total number of file events consumed, by job outcome",
		},
		[]string{"outcome"},
	)

	WorkerCandidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchline_worker_candidates_total",
			Help: "Total number of record candidates processed",
		},
		[]string{"kind", "result"}, // result: created, updated, unchanged, error
	)

	WorkerJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batchline_worker_job_duration_seconds",
			Help:    "Duration of one ingest job in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerDLQParked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchline_worker_dlq_parked_total",
			Help: "Total number of file events parked on the dead letter stream",
		},
	)

	// Delivery dispatcher metrics
	DispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchline_dispatch_attempts_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"result"}, // delivered, failed
	)

	DispatchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchline_dispatch_outcomes_total",
			Help: "Total number of deliveries reaching a terminal or requeued state",
		},
		[]string{"status"}, // delivered, requeued, abandoned
	)

	DispatchAttemptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batchline_dispatch_attempt_duration_seconds",
			Help:    "Duration of one webhook POST in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchDueBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchline_dispatch_due_backlog",
			Help: "Number of deliveries due at the last scheduler pass",
		},
	)
)
