package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type FailureReason string

const (
	FailureReasonTransientExhausted FailureReason = "transient_exhausted"
	FailureReasonConstraint         FailureReason = "constraint_violation"
	FailureReasonSchema             FailureReason = "schema_mismatch"
	FailureReasonFatal              FailureReason = "fatal"
	FailureReasonDrainTimeout       FailureReason = "drain_timeout"
)

// Metrics holds the prometheus instrumentation for one pipeline. Counter families
// are registered once per prefix via promauto.
type Metrics struct {
	recordsAccepted  prometheus.Counter
	batchesCommitted *prometheus.CounterVec
	batchesFailed    *prometheus.CounterVec
	rowsUpserted     *prometheus.CounterVec
	retries          *prometheus.CounterVec
	activeReceivers  prometheus.Gauge
	commitLatency    prometheus.Histogram
	rowsPerBatch     prometheus.Histogram
}

func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		recordsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "records_accepted",
			Help: "Number of records accepted onto the pipeline channel",
		}),
		batchesCommitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "batches_committed",
			Help: "Number of batches committed to the database",
		}, []string{"table"}),
		batchesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "batches_failed",
			Help: "Number of batches that reached a terminal failure",
		}, []string{"table", "reason"}),
		rowsUpserted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "rows_upserted",
			Help: "Number of rows reported changed by committed batches",
		}, []string{"table"}),
		retries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "batch_retries",
			Help: "Number of batch execution retries after transient errors",
		}, []string{"table"}),
		activeReceivers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "active_receivers",
			Help: "Number of live receiver tasks",
		}),
		commitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "batch_commit_latency_seconds",
			Help:    "Time from batch sealing to terminal outcome in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		rowsPerBatch: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "rows_per_batch",
			Help:    "Number of rows in sealed batches",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
	}
}

func (m *Metrics) RecordAccepted() {
	m.recordsAccepted.Inc()
}

func (m *Metrics) RecordBatchCommitted(table string, rows int64, latency time.Duration) {
	m.batchesCommitted.WithLabelValues(table).Inc()
	m.rowsUpserted.WithLabelValues(table).Add(float64(rows))
	m.commitLatency.Observe(latency.Seconds())
}

func (m *Metrics) RecordBatchFailed(table string, reason FailureReason) {
	m.batchesFailed.WithLabelValues(table, string(reason)).Inc()
}

func (m *Metrics) RecordRetry(table string) {
	m.retries.WithLabelValues(table).Inc()
}

func (m *Metrics) RecordBatchSealed(rows int) {
	m.rowsPerBatch.Observe(float64(rows))
}

func (m *Metrics) SetActiveReceivers(n int) {
	m.activeReceivers.Set(float64(n))
}
