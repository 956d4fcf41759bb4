// Package metrics defines the prometheus instruments for the execution core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts orders accepted and sent to the exchange, by symbol.
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_orders_submitted_total",
		Help: "Total number of orders submitted to the exchange",
	},
	[]string{"symbol"},
)

// OrdersRejected counts signals rejected before submission, by cause
// (duplicate, capacity, risk).
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_orders_rejected_total",
		Help: "Total number of signals rejected before reaching the exchange",
	},
	[]string{"cause"},
)

// OrdersFilled counts orders that reached a filled state.
var OrdersFilled = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradecore_orders_filled_total",
		Help: "Total number of orders fully filled",
	},
)

// OrdersFailed counts orders that exhausted submission retries.
var OrdersFailed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradecore_orders_failed_total",
		Help: "Total number of orders marked failed",
	},
)

// Event bus delivery instruments.
var (
	BusPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_bus_published_total",
			Help: "Events published on the in-process bus",
		},
		[]string{"topic"},
	)

	BusDeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_bus_delivery_failures_total",
			Help: "Handler deliveries that exhausted the retry schedule",
		},
		[]string{"topic"},
	)
)

// BreakerState exposes each circuit breaker's state as a gauge
// (0=closed, 1=open, 2=half-open).
var BreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "tradecore_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
	},
	[]string{"name"},
)

// Reconciliation instruments.
var (
	ReconcileCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_reconcile_cycles_total",
			Help: "Reconciliation cycles by outcome (ok, skipped)",
		},
		[]string{"outcome"},
	)

	ReconcileDrift = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_reconcile_drift_total",
			Help: "Position drift detections by class (local_only, exchange_only)",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted, OrdersRejected, OrdersFilled, OrdersFailed,
		BusPublished, BusDeliveryFailures,
		BreakerState,
		ReconcileCycles, ReconcileDrift,
	)
}
