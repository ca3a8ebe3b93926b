package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ImportRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobcomb_import_records_total",
			Help: "Corpus records handled by the batch importer, by outcome",
		},
		[]string{"outcome"},
	)

	ImportBatchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobcomb_import_batch_duration_seconds",
			Help:    "Wall time of one import batch",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	ImportBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobcomb_import_batch_size",
			Help: "Batch size the next import batch will use",
		},
	)

	ImportCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobcomb_import_cursor",
			Help: "Corpus position up to which the current run has advanced",
		},
	)

	FeedFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobcomb_feed_fetches_total",
			Help: "Feed download attempts, by feed and status",
		},
		[]string{"feed", "status"},
	)

	BreakerOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobcomb_breaker_opened_total",
			Help: "Circuit breaker transitions to open, by operation key",
		},
		[]string{"operation"},
	)

	CorpusItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobcomb_corpus_items",
			Help: "Records in the most recently combined corpus",
		},
	)
)

// BreakerOpened is a retry.WithOpenHook callback.
func BreakerOpened(operation string) {
	BreakerOpenedTotal.WithLabelValues(operation).Inc()
}
