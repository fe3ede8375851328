package experiment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// assignmentsTotal counts assignment requests.
	// Labels: outcome (new, existing, ineligible, inactive)
	assignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "splitgoat",
		Subsystem: "experiment",
		Name:      "assignments_total",
		Help:      "Assignment requests by outcome",
	}, []string{"outcome"})

	// conversionsTotal counts conversion events.
	// Labels: outcome (attributed, unattributed)
	conversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "splitgoat",
		Subsystem: "experiment",
		Name:      "conversions_total",
		Help:      "Conversion events by attribution outcome",
	}, []string{"outcome"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "splitgoat",
		Subsystem: "experiment",
		Name:      "transitions_total",
		Help:      "Successful lifecycle transitions by target status",
	}, []string{"status"})

	// cacheLookups counts assignment cache lookups.
	// Labels: result (hit, miss)
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "splitgoat",
		Subsystem: "experiment",
		Name:      "assignment_cache_lookups_total",
		Help:      "Assignment cache lookups by result",
	}, []string{"result"})

	resultsDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "splitgoat",
		Subsystem: "experiment",
		Name:      "results_duration_seconds",
		Help:      "Time to aggregate experiment results",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
)
