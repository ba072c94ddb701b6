// Package observability centralizes matchcore's Prometheus metrics (the
// logger is built by internal/config), generalizing the teacher's internal/monitoring
// MetricsCollector (promauto CounterVec/HistogramVec/GaugeVec per subsystem)
// to the engine/WAL/DB-writer pipeline of spec.md §4.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector matchcore registers. A zero-value
// Metrics is unusable; construct one with NewMetrics so every collector is
// registered exactly once against a single registry.
type Metrics struct {
	ordersSubmitted *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	tradesExecuted  *prometheus.CounterVec
	submitLatency   *prometheus.HistogramVec

	walAppendLatency prometheus.Histogram
	walSegmentBytes  prometheus.Gauge

	dbWriterLag        prometheus.Gauge
	dbWriterBatchSize  *prometheus.HistogramVec
	dbWriterRetries    *prometheus.CounterVec

	commandQueueDepth prometheus.Gauge
}

// NewMetrics registers matchcore's collectors against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests), or
// prometheus.DefaultRegisterer to expose via the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ordersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchcore",
			Name:      "orders_submitted_total",
			Help:      "Total number of orders accepted by the matching engine.",
		}, []string{"pair", "side", "kind"}),

		ordersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchcore",
			Name:      "orders_rejected_total",
			Help:      "Total number of submit_order requests rejected before or during matching.",
		}, []string{"reason"}),

		tradesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchcore",
			Name:      "trades_executed_total",
			Help:      "Total number of trades produced by the matching engine.",
		}, []string{"pair"}),

		submitLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "matchcore",
			Name:      "submit_order_latency_seconds",
			Help:      "End-to-end latency of a submit_order call, validate through WAL append through match.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us .. ~800ms
		}, []string{"pair"}),

		walAppendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "matchcore",
			Subsystem: "wal",
			Name:      "append_latency_seconds",
			Help:      "Latency of one WAL frame append, including fsync within its commit window.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),

		walSegmentBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "matchcore",
			Subsystem: "wal",
			Name:      "active_segment_bytes",
			Help:      "Size in bytes of the currently-active WAL segment.",
		}),

		dbWriterLag: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "matchcore",
			Subsystem: "db_writer",
			Name:      "checkpoint_lag_records",
			Help:      "Number of WAL records appended since the last advanced checkpoint.",
		}),

		dbWriterBatchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "matchcore",
			Subsystem: "db_writer",
			Name:      "batch_size",
			Help:      "Number of records flushed per batch, by event kind.",
			Buckets:   prometheus.LinearBuckets(0, 32, 10),
		}, []string{"kind"}),

		dbWriterRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchcore",
			Subsystem: "db_writer",
			Name:      "persist_retries_total",
			Help:      "Total number of retried batch persist attempts, by event kind.",
		}, []string{"kind"}),

		commandQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "matchcore",
			Subsystem: "engine",
			Name:      "command_queue_depth",
			Help:      "Number of commands currently buffered in the engine's command channel.",
		}),
	}
}

// ObserveOrderSubmitted records an accepted order.
func (m *Metrics) ObserveOrderSubmitted(pair, side, kind string, latency time.Duration) {
	m.ordersSubmitted.WithLabelValues(pair, side, kind).Inc()
	m.submitLatency.WithLabelValues(pair).Observe(latency.Seconds())
}

// ObserveOrderRejected records a rejected submit_order, tagged by the error
// code that caused the rejection.
func (m *Metrics) ObserveOrderRejected(reason string) {
	m.ordersRejected.WithLabelValues(reason).Inc()
}

// ObserveTrade records one executed trade.
func (m *Metrics) ObserveTrade(pair string) {
	m.tradesExecuted.WithLabelValues(pair).Inc()
}

// ObserveWALAppend records the latency of one WAL frame append.
func (m *Metrics) ObserveWALAppend(latency time.Duration) {
	m.walAppendLatency.Observe(latency.Seconds())
}

// SetWALSegmentBytes updates the active segment size gauge.
func (m *Metrics) SetWALSegmentBytes(bytes int64) {
	m.walSegmentBytes.Set(float64(bytes))
}

// SetDBWriterLag updates the checkpoint lag gauge.
func (m *Metrics) SetDBWriterLag(records int64) {
	m.dbWriterLag.Set(float64(records))
}

// ObserveDBWriterBatch records one flushed batch's size.
func (m *Metrics) ObserveDBWriterBatch(kind string, size int) {
	m.dbWriterBatchSize.WithLabelValues(kind).Observe(float64(size))
}

// IncDBWriterRetry records one retried persist attempt.
func (m *Metrics) IncDBWriterRetry(kind string) {
	m.dbWriterRetries.WithLabelValues(kind).Inc()
}

// SetCommandQueueDepth updates the engine's command queue depth gauge.
func (m *Metrics) SetCommandQueueDepth(depth int) {
	m.commandQueueDepth.Set(float64(depth))
}
