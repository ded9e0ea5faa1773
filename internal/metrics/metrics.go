// Package metrics declares the Prometheus collectors of the checkout
// service.  They register with the default registry and are served on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by route and status.",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkout",
		Name:      "http_request_seconds",
		Help:      "HTTP request latency, by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	ReservationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "reservations_created_total",
		Help:      "Reservations inserted by successful holds.",
	})

	ReserveRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "reserve_rejected_total",
		Help:      "Hold attempts rejected, by reason.",
	}, []string{"reason"})

	ReservationsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "reservations_released_total",
		Help:      "Reservations moved to released, by source.",
	}, []string{"source"})

	OrdersCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "orders_committed_total",
		Help:      "Orders created by the fulfillment committer.",
	})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "session_transitions_total",
		Help:      "Checkout session state changes, by target status.",
	}, []string{"status"})

	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "gateway_requests_total",
		Help:      "Payment gateway calls, by operation and outcome.",
	}, []string{"op", "outcome"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkout",
		Name:      "gateway_request_seconds",
		Help:      "Payment gateway call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "checkout",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one reconciliation sweep.",
		Buckets:   prometheus.DefBuckets,
	})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "webhook_events_total",
		Help:      "Payment webhook deliveries, by event kind and outcome.",
	}, []string{"kind", "outcome"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "rate_limited_total",
		Help:      "Checkout attempts refused by the rate limiter.",
	})

	ResponseCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "response_cache_lookups_total",
		Help:      "Availability cache lookups, by result.",
	}, []string{"result"})

	IntegrityAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "checkout",
		Name:      "integrity_alerts_total",
		Help:      "Committed decrements that found too little stock on hand.",
	})
)
