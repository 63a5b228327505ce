package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagled_sessions_created_total",
		Help: "Deployment sessions established.",
	})
	metricNoncesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagled_join_nonces_issued_total",
		Help: "Join nonces issued, including idempotent re-reads.",
	})
	metricNoncesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eagled_join_nonces_rejected_total",
		Help: "Nonce consume attempts that found no live row (replayed, expired, or unknown).",
	})
	metricContinueRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eagled_continue_requests_total",
		Help: "Continuation requests by outcome.",
	}, []string{"outcome"})
)
