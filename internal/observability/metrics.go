package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics definitions
var (
	BuildsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_builds_started_total",
		Help: "Total number of incremental builds started.",
	})

	BuildsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_builds_completed_total",
		Help: "Total number of incremental builds finished, by outcome.",
	}, []string{"outcome"})

	CyclesPerBuild = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_build_cycles",
		Help:    "Number of compilation cycles needed to reach a fixed point.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
	})

	InvalidatedSources = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_invalidated_sources",
		Help: "Number of sources scheduled for recompilation in the current build.",
	})

	CompileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_compile_seconds",
		Help:    "Time spent inside the front end for a single cycle.",
		Buckets: prometheus.DefBuckets,
	})

	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_analysis_merge_seconds",
		Help:    "Time spent merging a cycle result into the analysis.",
		Buckets: prometheus.DefBuckets,
	})

	RollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_rollbacks_total",
		Help: "Total number of builds that rolled back generated class files.",
	})

	AnalysisSources = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_analysis_sources",
		Help: "Number of sources tracked by the most recently merged analysis.",
	})

	AnalysisClasses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_analysis_classes",
		Help: "Number of classes tracked by the most recently merged analysis.",
	})

	StoreWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_store_write_seconds",
		Help:    "Time spent persisting an analysis to the store.",
		Buckets: prometheus.DefBuckets,
	})

	WatcherEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_watcher_events_total",
		Help: "Total number of file system events received by the watcher.",
	})

	WatcherRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_watcher_rebuilds_total",
		Help: "Total number of rebuilds triggered by the watcher.",
	})
)
