// Package metrics holds the process-wide build counters. They are written
// out as a node_exporter textfile at the end of a run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PackageBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abiforge_package_builds_total",
			Help: "Packages processed by the executor, by final state",
		},
		[]string{"state"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "abiforge_phase_duration_seconds",
			Help:    "Time spent in each build phase",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
		[]string{"phase"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abiforge_cache_lookups_total",
			Help: "Artifact cache lookups, by result",
		},
		[]string{"result"},
	)

	Remediations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "abiforge_abi_remediations_total",
			Help: "Alternate versions selected to satisfy ABI requirements",
		},
	)

	ResolutionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abiforge_resolution_errors_total",
			Help: "Failed resolutions, by kind",
		},
		[]string{"kind"},
	)
)

// WriteTextfile dumps every registered metric to path in the Prometheus
// text format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
