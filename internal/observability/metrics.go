package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// Settlement outcomes per intent kind
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Settlement attempts by intent kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_webhooks_total",
			Help: "Inbound gateway webhooks by result",
		},
		[]string{"result"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deposit_sweep_duration_seconds",
			Help:    "Duration of deposit poll sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LedgerSubmitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_submit_duration_seconds",
			Help:    "Duration of on-chain transfer submissions in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)
)

func Register() {
	prometheus.MustRegister(SettlementsTotal, WebhooksTotal, SweepDuration, LedgerSubmitDuration)
}
