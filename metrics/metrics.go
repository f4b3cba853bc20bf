// Package metrics holds the Prometheus collectors the engine updates:
//   - hedge_orders_sent_total{side,intent}
//   - hedge_position_closes_total{reason}
//   - hedge_trades_finalized_total{outcome}
//   - hedge_reconcile_mismatches_total{class}
//   - hedge_critical_faults_total
//   - hedge_telemetry_failures_total{sink}
//   - hedge_session_state
//   - hedge_open_positions
//
// They are registered in init() and served by the api package at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hedge_orders_sent_total",
			Help: "Market orders sent",
		},
		[]string{"side", "intent"},
	)

	// Close requests by reason: hold_expired, success, liquidated, zombie, broken, emergency_stop, ...
	PositionCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hedge_position_closes_total",
			Help: "Position close requests by reason",
		},
		[]string{"reason"},
	)

	TradesFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hedge_trades_finalized_total",
			Help: "Trades finalized by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileMismatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hedge_reconcile_mismatches_total",
			Help: "Reconciliation mismatches by class (zombie, broken, stale)",
		},
		[]string{"class"},
	)

	CriticalFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hedge_critical_faults_total",
			Help: "Positions that survived a close command",
		},
	)

	TelemetryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hedge_telemetry_failures_total",
			Help: "Failed or dropped telemetry deliveries by sink",
		},
		[]string{"sink"},
	)

	// SessionState is the numeric session state (0 = disconnected ... 5 = draining).
	SessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hedge_session_state",
			Help: "Broker session state",
		},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hedge_open_positions",
			Help: "Positions tracked in the working set",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersSent,
		PositionCloses,
		TradesFinalized,
		ReconcileMismatches,
		CriticalFaults,
		TelemetryFailures,
		SessionState,
		OpenPositions,
	)
}
