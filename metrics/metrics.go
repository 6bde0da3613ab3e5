package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SnapshotsBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lakekernel_snapshots_built_total",
		Help: "Total number of snapshots built, by mode (full or incremental).",
	}, []string{"mode"})

	SnapshotBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lakekernel_snapshot_build_duration_seconds",
		Help:    "Duration of snapshot builds.",
		Buckets: prometheus.DefBuckets,
	})

	ActionsReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lakekernel_actions_replayed_total",
		Help: "Total number of log actions consumed by replay.",
	}, []string{"action"})

	ActionsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lakekernel_actions_superseded_total",
		Help: "Total number of log actions ignored because a newer action decided their slot.",
	})

	LogFilesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lakekernel_log_files_read_total",
		Help: "Total number of log files read by the default engine.",
	}, []string{"kind"})

	ScanFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lakekernel_scan_files_total",
		Help: "Total number of files considered by scans, by result (emitted, partition_pruned, stats_skipped).",
	}, []string{"result"})

	CheckpointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lakekernel_checkpoints_written_total",
		Help: "Total number of checkpoints written.",
	})
)
