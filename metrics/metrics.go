// Package metrics holds the node's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "poschain"

// Metrics groups every collector the node updates.
type Metrics struct {
	BlocksProduced      prometheus.Counter
	BlocksAccepted      prometheus.Counter
	BlocksRejected      *prometheus.CounterVec // by reason
	TxsExecuted         prometheus.Counter
	TxsFailed           prometheus.Counter
	TxsRejected         prometheus.Counter
	Reorgs              prometheus.Counter
	ConsensusViolations prometheus.Counter
	ViolationSlashes    prometheus.Counter
	SlotsSkipped        prometheus.Counter
	HeadHeight          prometheus.Gauge
	FinalizedHeight     prometheus.Gauge
	MempoolSize         prometheus.Gauge
	BlockValidation     prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	m := &Metrics{
		BlocksProduced: counter("blocks_produced_total", "Blocks built by the local producer."),
		BlocksAccepted: counter("blocks_accepted_total", "Blocks that passed validation."),
		BlocksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_rejected_total",
			Help:      "Blocks refused, by error kind.",
		}, []string{"reason"}),
		TxsExecuted:         counter("txs_executed_total", "Transactions included in canonical blocks."),
		TxsFailed:           counter("txs_failed_total", "Included transactions whose payload failed."),
		TxsRejected:         counter("txs_rejected_total", "Transactions refused at submission."),
		Reorgs:              counter("reorgs_total", "Canonical chain reorganisations."),
		ConsensusViolations: counter("consensus_violations_total", "Blocks that broke consensus rules."),
		ViolationSlashes:    counter("violation_slashes_total", "Canonical slashes for proven wrong-slot blocks."),
		SlotsSkipped:        counter("slots_skipped_total", "Slots that passed without a local block."),
		HeadHeight:          gauge("head_height", "Height of the canonical head."),
		FinalizedHeight:     gauge("finalized_height", "Height of the latest finalized block."),
		MempoolSize:         gauge("mempool_size", "Pending transactions."),
		BlockValidation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_validation_seconds",
			Help:      "Time spent validating a received block.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.BlocksProduced, m.BlocksAccepted, m.BlocksRejected,
		m.TxsExecuted, m.TxsFailed, m.TxsRejected,
		m.Reorgs, m.ConsensusViolations, m.ViolationSlashes, m.SlotsSkipped,
		m.HeadHeight, m.FinalizedHeight, m.MempoolSize,
		m.BlockValidation,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the registry the collectors live on.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.gatherer }
