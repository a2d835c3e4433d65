package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ride_transitions_total",
	Help: "Ride lifecycle transitions grouped by action and outcome.",
}, []string{"action", "result"})
