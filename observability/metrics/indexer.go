package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// IndexerMetrics aggregates every collector the indexing pipeline emits.
type IndexerMetrics struct {
	blocksProcessed *prometheus.CounterVec
	opsIndexed      *prometheus.CounterVec
	opFailures      *prometheus.CounterVec
	snapshots       *prometheus.CounterVec
	linkCascades    *prometheus.CounterVec
	linkAnomalies   *prometheus.CounterVec
	lastHeight      *prometheus.GaugeVec
	blockDuration   *prometheus.HistogramVec
}

var (
	indexerOnce     sync.Once
	indexerRegistry *IndexerMetrics
)

// Indexer returns the process-wide indexer metrics, registering them on first
// use.
func Indexer() *IndexerMetrics {
	indexerOnce.Do(func() {
		indexerRegistry = &IndexerMetrics{
			blocksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "indexer_blocks_processed_total",
				Help: "Count of blocks handed to each engine instance.",
			}, []string{"instance"}),
			opsIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "indexer_operations_indexed_total",
				Help: "Count of fully applied operations by method.",
			}, []string{"instance", "method"}),
			opFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "indexer_operation_failures_total",
				Help: "Count of skipped or failed operations by reason.",
			}, []string{"instance", "reason"}),
			snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "indexer_snapshots_appended_total",
				Help: "Count of snapshot rows appended by entity kind.",
			}, []string{"instance", "kind"}),
			linkCascades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "indexer_link_cascades_total",
				Help: "Count of applied proposal/RFP link reconciliation steps.",
			}, []string{"instance", "kind"}),
			linkAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "indexer_link_anomalies_total",
				Help: "Count of partially applied link cascades awaiting repair.",
			}, []string{"instance", "stage"}),
			lastHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "indexer_last_block_height",
				Help: "Last block height processed per engine instance.",
			}, []string{"instance"}),
			blockDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "indexer_block_duration_seconds",
				Help:    "Wall time spent processing one block per instance.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			}, []string{"instance"}),
		}
		prometheus.MustRegister(
			indexerRegistry.blocksProcessed,
			indexerRegistry.opsIndexed,
			indexerRegistry.opFailures,
			indexerRegistry.snapshots,
			indexerRegistry.linkCascades,
			indexerRegistry.linkAnomalies,
			indexerRegistry.lastHeight,
			indexerRegistry.blockDuration,
		)
	})
	return indexerRegistry
}

// BlockProcessed records one completed block for the instance.
func (m *IndexerMetrics) BlockProcessed(instance string, height uint64, seconds float64) {
	if m == nil {
		return
	}
	m.blocksProcessed.WithLabelValues(instance).Inc()
	m.lastHeight.WithLabelValues(instance).Set(float64(height))
	m.blockDuration.WithLabelValues(instance).Observe(seconds)
}

// OpIndexed records one fully applied operation.
func (m *IndexerMetrics) OpIndexed(instance, method string) {
	if m == nil {
		return
	}
	m.opsIndexed.WithLabelValues(instance, method).Inc()
}

// OpFailed records one skipped or failed operation by reason.
func (m *IndexerMetrics) OpFailed(instance, reason string) {
	if m == nil {
		return
	}
	m.opFailures.WithLabelValues(instance, reason).Inc()
}

// SnapshotAppended records one snapshot row by entity kind.
func (m *IndexerMetrics) SnapshotAppended(instance, kind string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(instance, kind).Inc()
}

// LinkCascade records one applied reconciliation step by kind.
func (m *IndexerMetrics) LinkCascade(instance, kind string) {
	if m == nil {
		return
	}
	m.linkCascades.WithLabelValues(instance, kind).Inc()
}

// LinkAnomaly records one partially applied cascade by failed stage.
func (m *IndexerMetrics) LinkAnomaly(instance, stage string) {
	if m == nil {
		return
	}
	m.linkAnomalies.WithLabelValues(instance, stage).Inc()
}
