package gps

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gps_reports_total",
		Help: "GPS reports received grouped by outcome.",
	}, []string{"result"})

	reportLagSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gps_report_lag_seconds",
		Help:    "Delay between a report's observation time and its receipt.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	sinkFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gps_sink_failures_total",
		Help: "GPS reports the downstream sink failed to accept.",
	})

	prunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gps_rides_pruned_total",
		Help: "Rides whose reports were dropped after the retention window.",
	})
)
