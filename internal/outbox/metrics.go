package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_events_delivered_total",
		Help: "Ride events delivered from the outbox grouped by event type.",
	}, []string{"event_type"})
	failedAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_events_failed_attempts_total",
		Help: "Delivery attempts that NATS rejected.",
	})
	abandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_events_abandoned_total",
		Help: "Ride events given up on after exhausting their attempts.",
	})
	deliveryLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ride_events_delivery_lag_seconds",
		Help: "Age of the oldest event in the last delivered batch.",
	})
)
