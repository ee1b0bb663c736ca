package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Deliveries
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leakhawk_webhook_deliveries_total",
			Help: "Total webhook delivery attempts by outcome",
		},
		[]string{"outcome", "destination"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leakhawk_webhook_delivery_duration_seconds",
			Help:    "Duration of webhook HTTP calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"destination"},
	)

	// Retry and dead-letter flow
	RetriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leakhawk_webhook_retries_scheduled_total",
			Help: "Total deliveries parked on the retry subject",
		},
	)

	RetriesForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leakhawk_webhook_retries_forwarded_total",
			Help: "Total retried deliveries forwarded back for another attempt",
		},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leakhawk_webhook_dead_letters_total",
			Help: "Total deliveries dead-lettered by error code",
		},
		[]string{"code"},
	)

	DeadLetterFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leakhawk_webhook_dead_letter_failures_total",
			Help: "Total dead-letter publishes that failed",
		},
	)
)
