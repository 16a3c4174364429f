package mixing

import "github.com/prometheus/client_golang/prometheus"

var (
	roundsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "klingmix",
		Subsystem: "mixing",
		Name:      "rounds_started_total",
		Help:      "Mixing rounds opened with a peer.",
	})

	roundsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klingmix",
		Subsystem: "mixing",
		Name:      "rounds_finished_total",
		Help:      "Mixing rounds finished by result.",
	}, []string{"result"}) // "success", "error"

	protocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "klingmix",
		Subsystem: "mixing",
		Name:      "protocol_errors_total",
		Help:      "Malformed or out-of-state messages from mixing peers.",
	})

	denominateTxs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klingmix",
		Subsystem: "mixing",
		Name:      "planning_txs_total",
		Help:      "Planning transactions broadcast by kind.",
	}, []string{"kind"}) // "denominate", "collateral"

	poolState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "klingmix",
		Subsystem: "mixing",
		Name:      "state",
		Help:      "Current round state (0=idle .. 5=success).",
	})
)

func init() {
	prometheus.MustRegister(
		roundsStarted,
		roundsFinished,
		protocolErrors,
		denominateTxs,
		poolState,
	)
}
