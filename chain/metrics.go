package chain

import "github.com/prometheus/client_golang/prometheus"

var (
	blocksCommitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "chain",
		Name:      "blocks_committed_total",
		Help:      "Blocks committed per chain, by origin (local or replicated).",
	}, []string{"chain", "origin"})

	sequenceGaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "chain",
		Name:      "sequence_gaps_total",
		Help:      "Replicated blocks rejected because they did not follow the last sequence.",
	}, []string{"chain"})

	lastSequence = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "chain",
		Name:      "last_sequence",
		Help:      "Last committed sequence per chain.",
	}, []string{"chain"})
)

// Collectors returns the chain metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{blocksCommitted, sequenceGaps, lastSequence}
}
