package trader

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics, served by the API server at /metrics:
//   - ladder_orders_placed_total{direction,kind}
//   - ladder_batch_rollbacks_total
//   - ladder_order_transitions_total{from,to}
//   - ladder_reconcile_anomalies_total{kind}
//   - ladder_ticks_total{result}
//   - ladder_free_capital{strategy,ticker}
//   - ladder_gateway_calls_total{op,result}
//   - ladder_gateway_breaker_state{gateway}
var (
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_orders_placed_total",
			Help: "Orders placed through an order batch",
		},
		[]string{"direction", "kind"},
	)

	batchRollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ladder_batch_rollbacks_total",
			Help: "Order batches rolled back by cancelling their orders",
		},
	)

	orderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_order_transitions_total",
			Help: "Ledger status transitions applied by reconciliation",
		},
		[]string{"from", "to"},
	)

	reconcileAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_reconcile_anomalies_total",
			Help: "Ledger/broker consistency anomalies",
		},
		[]string{"kind"}, // missing_at_broker | orphan_at_broker | illegal_transition
	)

	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_ticks_total",
			Help: "Strategy ticks by result",
		},
		[]string{"result"},
	)

	freeCapitalGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ladder_free_capital",
			Help: "Free capital per strategy after the last tick",
		},
		[]string{"strategy", "ticker"},
	)

	gatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_gateway_calls_total",
			Help: "Brokerage gateway calls by operation and result",
		},
		[]string{"op", "result"},
	)

	breakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ladder_gateway_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"gateway"},
	)
)

func init() {
	prometheus.MustRegister(
		ordersPlaced,
		batchRollbacks,
		orderTransitions,
		reconcileAnomalies,
		ticksTotal,
		freeCapitalGauge,
		gatewayCalls,
		breakerStateGauge,
	)
}
