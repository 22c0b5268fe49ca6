// Package ssmetrics defines prometheus metrics for the self-serve service.
package ssmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selfserve",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "selfserve",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// CheckoutRunsTotal counts orchestrator runs by outcome.
	CheckoutRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selfserve",
		Subsystem: "billing",
		Name:      "checkout_runs_total",
		Help:      "Checkout provisioning runs by outcome.",
	}, []string{"outcome"})

	// StepFailuresTotal counts per-step failures, fatal and degraded alike.
	StepFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selfserve",
		Subsystem: "billing",
		Name:      "step_failures_total",
		Help:      "Workflow step failures by step name and severity.",
	}, []string{"step", "severity"})
)
