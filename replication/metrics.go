package replication

import "github.com/prometheus/client_golang/prometheus"

var (
	blocksSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "replication",
		Name:      "blocks_sent_total",
		Help:      "Blocks streamed to each peer.",
	}, []string{"peer"})

	blocksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "replication",
		Name:      "blocks_received_total",
		Help:      "Blocks received from each peer, by result (applied, duplicate, gap).",
	}, []string{"peer", "result"})

	resyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "replication",
		Name:      "resyncs_total",
		Help:      "Resync requests sent to each peer.",
	}, []string{"peer"})

	degradedLinks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "replication",
		Name:      "degraded_total",
		Help:      "Links closed because the outgoing queue overflowed.",
	}, []string{"peer"})

	linkFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "replication",
		Name:      "link_failures_total",
		Help:      "Links halted by authentication or schema errors.",
	}, []string{"peer", "kind"})

	activeLinks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "replication",
		Name:      "links",
		Help:      "Links currently streaming.",
	})
)

// Collectors returns the replication metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{blocksSent, blocksReceived, resyncs, degradedLinks, linkFailures, activeLinks}
}
