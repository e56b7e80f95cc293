// Copyright 2025 LedgerVault Project
//
// Prometheus collectors for the ledger engine. Each engine instance owns a
// Metrics value; collectors register against the registry handed in so tests
// and multi-engine processes do not collide on the default registry.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors for one engine instance
type Metrics struct {
	registry *prometheus.Registry

	// Chain
	BlocksAppended  prometheus.Counter
	AppendFailures  prometheus.Counter
	ChainHeight     prometheus.Gauge
	AppendDuration  prometheus.Histogram
	BlocksRolledBack prometheus.Counter

	// Indexing
	BlocksIndexed    prometheus.Counter
	IndexingFailures prometheus.Counter
	IndexingInFlight prometheus.Gauge

	// Search
	SearchQueries   *prometheus.CounterVec // by level
	SearchDuration  prometheus.Histogram
	BlocksDecrypted prometheus.Counter

	// Off-chain
	OffChainWrites prometheus.Counter
	OffChainReads  prometheus.Counter

	// Validation
	ValidationRuns     prometheus.Counter
	ValidationFailures *prometheus.CounterVec // by status
}

// New creates a Metrics value registered against a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates a Metrics value registered against the given registry.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BlocksAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervault",
			Name:      "blocks_appended_total",
			Help:      "Number of blocks successfully appended to the chain",
		}),
		AppendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervault",
			Name:      "append_failures_total",
			Help:      "Number of append operations that failed",
		}),
		ChainHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledgervault",
			Name:      "chain_height",
			Help:      "Highest persisted block number",
		}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledgervault",
			Name:      "append_duration_seconds",
			Help:      "Latency of append operations",
			Buckets:   prometheus.DefBuckets,
		}),
		BlocksRolledBack: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervault",
			Name:      "blocks_rolled_back_total",
			Help:      "Number of blocks removed by rollback operations",
		}),

		BlocksIndexed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervault",
			Name:      "blocks_indexed_total",
			Help:      "Number of blocks indexed",
		}),
		IndexingFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervault",
			Name:      "indexing_failures_total",
			Help:      "Number of indexing tasks that failed",
		}),
		IndexingInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledgervault",
			Name:      "indexing_in_flight",
			Help:      "Number of indexing tasks submitted but not yet finished",
		}),

		SearchQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgervault",
			Name:      "search_queries_total",
			Help:      "Number of search queries by level",
		}, []string{"level"}),
		SearchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledgervault",
			Name:      "search_duration_seconds",
			Help:      "Latency of search queries",
			Buckets:   prometheus.DefBuckets,
		}),
		BlocksDecrypted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervault",
			Name:      "blocks_decrypted_total",
			Help:      "Number of encrypted blocks decrypted during exhaustive search",
		}),

		OffChainWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervault",
			Name:      "off_chain_writes_total",
			Help:      "Number of off-chain sidecar files written",
		}),
		OffChainReads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervault",
			Name:      "off_chain_reads_total",
			Help:      "Number of off-chain sidecar files read",
		}),

		ValidationRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervault",
			Name:      "validation_runs_total",
			Help:      "Number of full-chain validation runs",
		}),
		ValidationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgervault",
			Name:      "validation_failures_total",
			Help:      "Number of blocks that failed validation, by status",
		}, []string{"status"}),
	}
}

// Registry returns the registry collectors are registered against, for
// callers that expose the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
