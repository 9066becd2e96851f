package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	CandidateSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "candidate_selections_total", Help: "Eligibility filter runs by outcome"},
		[]string{"outcome"},
	)
	OffersIssued = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_issued_total", Help: "Offers written and pushed to drivers"})
	OfferOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_outcomes_total", Help: "Offers by terminal state"},
		[]string{"state"},
	)
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Ride requests by resolution"},
		[]string{"outcome"},
	)
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "claim_conflicts_total", Help: "Accepts that lost the claim race"})
	ActiveDispatches = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_dispatches", Help: "Offer sequences running in this process"})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_latency_seconds",
		Help:      "Time from ride request to resolution",
		Buckets:   []float64{1, 3, 5, 10, 20, 30, 60, 120, 300},
	})
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride lifecycle transitions"},
		[]string{"status"},
	)
	NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Push deliveries that failed"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
