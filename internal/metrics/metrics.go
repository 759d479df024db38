// Package metrics – Prometheus counters for the decision pipeline.
//
//   - perpdesk_cycles_total{outcome}          – closed decision cycles by outcome
//   - perpdesk_verdicts_total{result}         – risk verdicts (approved|rejected)
//   - perpdesk_orders_total{purpose,status}   – order records reaching a final engine status
//   - perpdesk_order_retries_total{op}        – retried exchange calls (place|cancel)
//   - perpdesk_alarms_total{category}         – raised alarms
//   - perpdesk_advisory_failures_total{kind}  – advisory call failures
//   - perpdesk_equity_usdt                    – last known account equity
//
// Registered in init() and served at /metrics by the HTTP transport.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpdesk_cycles_total",
			Help: "Closed decision cycles by outcome",
		},
		[]string{"outcome"},
	)

	Verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpdesk_verdicts_total",
			Help: "Risk verdicts",
		},
		[]string{"result"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpdesk_orders_total",
			Help: "Order records by purpose and final engine status",
		},
		[]string{"purpose", "status"},
	)

	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpdesk_order_retries_total",
			Help: "Retried exchange calls",
		},
		[]string{"op"},
	)

	Alarms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpdesk_alarms_total",
			Help: "Raised alarms by category",
		},
		[]string{"category"},
	)

	AdvisoryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpdesk_advisory_failures_total",
			Help: "Advisory call failures by kind",
		},
		[]string{"kind"},
	)

	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpdesk_equity_usdt",
			Help: "Last known account equity in USDT",
		},
	)
)

func init() {
	prometheus.MustRegister(Cycles, Verdicts, Orders, Retries, Alarms, AdvisoryFailures, Equity)
}
