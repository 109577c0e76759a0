// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts requests served by the admin API.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// TaskRunsTotal counts finished runs by outcome.
	TaskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_runs_total",
			Help: "Total number of finished task runs by result type.",
		},
		[]string{"task", "result"},
	)

	TaskRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_run_duration_seconds",
			Help:    "Duration of task runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"task"},
	)

	// TasksRunning is the number of runs currently executing on this node.
	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_running",
			Help: "Number of task runs currently executing on this node.",
		},
	)

	// StoreConflictsTotal counts transactions rejected by a concurrent writer.
	StoreConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklog_commit_conflicts_total",
			Help: "Total number of task log commits rejected because of concurrent modification.",
		},
		[]string{"operation"},
	)

	// RetryExhaustedTotal counts task log operations that gave up after the retry budget.
	RetryExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklog_retries_exhausted_total",
			Help: "Total number of task log operations that failed after all retries.",
		},
		[]string{"operation"},
	)

	// ClusterLockDeniedTotal counts starts skipped because another node holds or just used the task.
	ClusterLockDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_lock_denied_total",
			Help: "Total number of task starts skipped because the cluster lock was not granted.",
		},
		[]string{"task"},
	)

	// IsLeader marks the node running the janitor.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the janitor leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
