package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_events_total",
		Help: "Ride events delivered to the notification sink grouped by outcome.",
	}, []string{"result"})

	hubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notify_ws_subscribers",
		Help: "Open websocket subscriptions to ride events.",
	})
)
