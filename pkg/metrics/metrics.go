package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "carbonlake_build_info",
			Help: "Build information of the carbonlake pipeline",
		},
		[]string{"version", "commit", "date"},
	)

	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonlake_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"status"},
	)

	StageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonlake_stage_runs_total",
			Help: "Total number of pipeline stage executions",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carbonlake_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"stage"},
	)

	RowsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonlake_rows_processed_total",
			Help: "Rows flowing into and out of pipeline stages",
		},
		[]string{"stage", "direction"},
	)

	RowsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carbonlake_rows_dropped_total",
			Help: "Rows dropped during validation, by reason",
		},
		[]string{"reason"},
	)

	SnapshotBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carbonlake_snapshot_bytes",
			Help: "Size of the most recently ingested raw snapshot",
		},
	)
)
