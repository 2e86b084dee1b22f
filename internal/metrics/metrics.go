// Package metrics exposes Prometheus instrumentation for the capture pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimsWon counts conditional claims this worker won.
	ClaimsWon = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapvault_claims_won_total",
		Help: "The total number of schedule claims won by this worker.",
	})
	// ClaimsLost counts claim races lost to another worker.
	ClaimsLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapvault_claims_lost_total",
		Help: "The total number of schedule claim races lost to other workers.",
	})
	// CapturesSucceeded counts captures that reached succeeded.
	CapturesSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapvault_captures_succeeded_total",
		Help: "The total number of captures persisted and marked succeeded.",
	})
	// CapturesFailed counts captures by terminal failure class.
	CapturesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapvault_captures_failed_total",
		Help: "The total number of captures that failed terminally, by class.",
	}, []string{"class"})
	// RenderRetries counts render attempts beyond the first.
	RenderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapvault_render_retries_total",
		Help: "The total number of render retries, by failure class.",
	}, []string{"class"})
	// DeadLetters counts jobs routed to the dead-letter channel.
	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapvault_dead_letters_total",
		Help: "The total number of captures routed to the dead-letter channel.",
	})
	// RenderDuration observes successful render wall time.
	RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapvault_render_duration_seconds",
		Help:    "Wall time of successful renders.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	// Verifications counts verification outcomes.
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapvault_verifications_total",
		Help: "The total number of verification runs, by outcome.",
	}, []string{"outcome"})
)
