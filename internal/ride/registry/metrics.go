package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_claims_total",
		Help: "Driver claim attempts grouped by outcome.",
	}, []string{"result"})

	releasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_releases_total",
		Help: "Drivers returned to the available pool.",
	})
)
