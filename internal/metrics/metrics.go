// Package metrics holds the prometheus collectors shared by the sort
// participants.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shardsort",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each phase of a sort run.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"phase", "role"})

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardsort",
			Name:      "runs_total",
			Help:      "Completed sort runs by result.",
		}, []string{"result"})

	KernelLaunches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shardsort",
			Name:      "kernel_launches_total",
			Help:      "Partition kernel launches.",
		})

	ElementsSorted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardsort",
			Name:      "elements_sorted_total",
			Help:      "Elements sorted locally, by sorter kind.",
		}, []string{"sorter"})
)

func init() {
	registry.MustRegister(PhaseDuration, RunsTotal, KernelLaunches, ElementsSorted)
}

// Registry returns the registry holding every shardsort collector.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
