package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_requests_created_total",
		Help: "Service requests created, by category and initial outcome.",
	}, []string{"category", "outcome"})
	acceptOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_accept_total",
		Help: "Accept calls by outcome (accepted, repeat or a conflict reason).",
	}, []string{"outcome"})
	fanoutNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_fanout_notifications_total",
		Help: "Offer notifications sent during fan-out.",
	}, []string{"result"})
	offersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_offers_expired_total",
		Help: "Requests that reached the offer TTL without an accept.",
	})
)
