// Package metrics holds the Prometheus collectors of the backup server and
// the HTTP endpoint that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "backupchan"

// Result label values
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	ScheduledJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_job_runs_total",
			Help:      "Total number of scheduled job runs",
		},
		[]string{"job", "result"},
	)

	ScheduledJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduled_job_duration_seconds",
			Help:      "Scheduled job run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	DelayedJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delayed_jobs_total",
			Help:      "Delayed jobs by name and terminal state",
		},
		[]string{"job", "state"},
	)

	BackupsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_ingested_total",
			Help:      "Backup uploads processed, by result",
		},
		[]string{"result"},
	)

	IngestedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_bytes_total",
			Help:      "Bytes stored by successful backup uploads",
		},
	)

	BackupsRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_removed_total",
			Help:      "Backups removed or recycled by scheduled jobs",
		},
		[]string{"job", "action"},
	)

	OpenSequentialUploads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequential_uploads_open",
			Help:      "Number of open sequential upload sessions",
		},
	)
)

// Result maps an error to a result label value
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
