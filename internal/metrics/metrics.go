package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest, tracker, prediction and maintenance collectors.

var (
	// Ingest
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalwatch",
		Subsystem: "ingest",
		Name:      "frames_total",
		Help:      "Telemetry frames by outcome (applied, malformed, duplicate, dropped, failed)",
	}, []string{"outcome"})

	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signalwatch",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Frames waiting for the sequential processor",
	})

	IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "signalwatch",
		Subsystem: "ingest",
		Name:      "frame_duration_seconds",
		Help:      "Time to apply one telemetry frame",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// Configuration cache
	MappingCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalwatch",
		Subsystem: "mapping_cache",
		Name:      "lookups_total",
		Help:      "Mapping cache lookups by result (hit, miss)",
	}, []string{"result"})

	MappingCacheRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalwatch",
		Subsystem: "mapping_cache",
		Name:      "refreshes_total",
		Help:      "Whole-cache invalidations after the refresh interval",
	})

	// Tracker
	StateWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalwatch",
		Subsystem: "tracker",
		Name:      "state_writes_total",
		Help:      "Fixture state records written",
	}, []string{"state"})

	StateRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalwatch",
		Subsystem: "tracker",
		Name:      "state_rejected_total",
		Help:      "Resolved states not persisted, by reason (unknown, unchanged, out_of_order)",
	}, []string{"reason"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalwatch",
		Subsystem: "tracker",
		Name:      "transitions_total",
		Help:      "Observed transitions by verdict (accepted, implausible, unknown_duration)",
	}, []string{"verdict"})

	TransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signalwatch",
		Subsystem: "tracker",
		Name:      "dwell_seconds",
		Help:      "Accepted dwell durations",
		Buckets:   []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 240, 300},
	}, []string{"from", "to"})

	// Prediction
	Predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalwatch",
		Subsystem: "predict",
		Name:      "predictions_total",
		Help:      "Predictions by source (statistic, default, fallback, invalid)",
	}, []string{"source"})

	// Maintenance
	MaintenancePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalwatch",
		Subsystem: "retention",
		Name:      "passes_total",
		Help:      "Maintenance passes by outcome (ok, error, skipped)",
	}, []string{"outcome"})

	MaintenanceDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalwatch",
		Subsystem: "retention",
		Name:      "rows_deleted_total",
		Help:      "Rows removed by maintenance, by table",
	}, []string{"table"})

	MaintenanceLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "signalwatch",
		Subsystem: "retention",
		Name:      "pass_duration_seconds",
		Help:      "Maintenance pass duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Export
	StatsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalwatch",
		Subsystem: "export",
		Name:      "statistics_total",
		Help:      "Transition statistics pushed to PostgreSQL by outcome (ok, error)",
	}, []string{"outcome"})
)
