// Package metrics registers the Prometheus series the engine updates while
// running, served at /metrics in Prometheus text exposition format:
//   - bracket_fills_total{kind}          – fills detected (kind: parent|child)
//   - bracket_reconcile_updates_total    – brackets updated by reconciliation
//   - bracket_order_actions_total{action} – breakeven modifies, cancels, trailing stops
//   - bracket_pnl_updates_total          – P&L recomputations published
//   - bracket_open_total                 – currently open brackets (gauge)
//   - bracket_stream_subscribed          – order stream subscription state (gauge)
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	fillsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracket_fills_total",
			Help: "Fills detected, split by parent or child leg",
		},
		[]string{"kind"}, // parent|child
	)

	reconcileUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bracket_reconcile_updates_total",
			Help: "Brackets updated from REST reconciliation",
		},
	)

	orderActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracket_order_actions_total",
			Help: "Order actions taken by the price-target monitor",
		},
		[]string{"action"}, // breakeven|cancel|trailing_stop
	)

	pnlUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bracket_pnl_updates_total",
			Help: "P&L recomputations published",
		},
	)

	openBrackets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bracket_open_total",
			Help: "Currently open brackets",
		},
	)

	streamSubscribed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bracket_stream_subscribed",
			Help: "Order stream subscription state (1 subscribed, 0 not)",
		},
	)
)

func init() {
	prometheus.MustRegister(fillsDetected, reconcileUpdates, orderActions)
	prometheus.MustRegister(pnlUpdates, openBrackets, streamSubscribed)
}

func IncFill(kind string) { fillsDetected.WithLabelValues(kind).Inc() }

func IncReconcileUpdate() { reconcileUpdates.Inc() }

func IncOrderAction(action string) { orderActions.WithLabelValues(action).Inc() }

func IncPnLUpdate() { pnlUpdates.Inc() }

func SetOpenBrackets(n int) { openBrackets.Set(float64(n)) }

func SetStreamSubscribed(subscribed bool) {
	if subscribed {
		streamSubscribed.Set(1)
	} else {
		streamSubscribed.Set(0)
	}
}
