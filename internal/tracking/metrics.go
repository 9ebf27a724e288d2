package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_samples_total",
		Help: "Location samples received grouped by outcome.",
	}, []string{"result"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_active_sessions",
		Help: "Requests currently relaying provider location.",
	})

	staleFeeds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracking_stale_feeds_total",
		Help: "Sessions marked stale after the provider stopped reporting.",
	})
)
