package proximity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proximity_query_seconds",
		Help:    "Time spent finding candidate providers for a request.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	candidatesReturned = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proximity_candidates",
		Help:    "Number of eligible providers returned per query.",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})
)
