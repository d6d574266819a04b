package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry collects the node's instruments. The exposition transport is
// up to the operator surface; the core only registers.
var Registry = prometheus.NewRegistry()

var (
	SlotStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "botho_consensus_slots_started_total",
		Help: "Slots the consensus engine has started.",
	})
	SlotsExternalized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "botho_consensus_slots_externalized_total",
		Help: "Slots externalized by this node.",
	})
	BlocksApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "botho_ledger_blocks_applied_total",
		Help: "Blocks committed to the ledger.",
	})
	ValidationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "botho_validation_failures_total",
		Help: "Transaction validation failures by error kind.",
	}, []string{"kind"})
	MempoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "botho_mempool_transactions",
		Help: "Transactions currently pooled.",
	})
	MempoolBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "botho_mempool_bytes",
		Help: "Bytes currently pooled.",
	})
)

func init() {
	Registry.MustRegister(
		SlotStarted,
		SlotsExternalized,
		BlocksApplied,
		ValidationFailures,
		MempoolSize,
		MempoolBytes,
	)
}
