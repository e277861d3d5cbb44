package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BundleBuildFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packlane_build_failed",
			Help: "Number of times a bundle build has failed",
		},
		[]string{"bundle", "error_type"},
	)

	BundleBuildCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "packlane_build_count",
			Help: "Total number of times a bundle build has run",
		},
	)

	BundleBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packlane_build_duration_seconds",
			Help:    "Bundle build duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60},
		},
		[]string{"bundle"},
	)

	LastBundleBuildStart = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "packlane_last_build_start_timestamp",
			Help: "Unix timestamp of when the last bundle build started",
		},
		[]string{"bundle"},
	)

	LastBundleBuildEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "packlane_last_build_end_timestamp",
			Help: "Unix timestamp of when the last bundle build ended",
		},
		[]string{"bundle"},
	)
)
