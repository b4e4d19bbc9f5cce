package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/syncstream/syncstream/internal/pipeline/metrics"
)

const SyncStreamMetricsPrefix = "syncstream_"

// Engine specific metrics on top of the generic pipeline set
var avRowChangeTimeHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    SyncStreamMetricsPrefix + "average_row_change_time",
		Help:    "Average time taken in milliseconds to upsert one database row",
		Buckets: []float64{0.1, 0.2, 0.5, 1, 2, 3, 5, 7, 10, 15, 25, 50, 100, 1000},
	},
)

var dbErrorsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: SyncStreamMetricsPrefix + "db_errors",
		Help: "Number of database errors grouped by classification",
	},
	[]string{"classification"},
)

type Metrics struct {
	*metrics.Metrics
}

var m = &Metrics{
	metrics.NewMetrics(SyncStreamMetricsPrefix),
}

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordAvRowChangeTime(numRows int, duration time.Duration) {
	if numRows == 0 {
		return
	}
	avRowChangeTimeHist.Observe(float64(duration.Milliseconds()) / float64(numRows))
}

func (m *Metrics) RecordDBError(classification string) {
	dbErrorsCounter.WithLabelValues(classification).Inc()
}
