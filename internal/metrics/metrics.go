// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger service operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	LedgerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Duration of ledger service operations",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2},
		},
		[]string{"operation"},
	)

	LedgerImbalances = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_imbalance_total",
			Help: "Detected ledger invariant violations",
		},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Provider notifications by disposition",
		},
		[]string{"provider", "disposition"},
	)

	AllocationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_outcomes_total",
			Help: "Daily allocation per-user outcomes",
		},
		[]string{"outcome"},
	)
)
