package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide counters. Package-level so that short-lived tracker
// instances (tests, the replay tool) share one registration.
var (
	metricReports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memtaint_reports_total",
		Help: "Unique uninitialized-value reports delivered.",
	})
	metricPoisonOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memtaint_poison_ops_total",
		Help: "Poison operations performed.",
	})
	metricMoves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memtaint_metadata_moves_total",
		Help: "Metadata propagation operations performed.",
	})
	metricChains = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memtaint_origin_chains_total",
		Help: "Provenance chain records created across copies.",
	})
	metricPages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memtaint_tracked_pages",
		Help: "Pages currently carrying metadata.",
	})
)
