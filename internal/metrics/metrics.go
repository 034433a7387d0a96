// Package metrics provides Prometheus metrics for feedwindow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts refresh cycles by outcome.
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedwindow",
			Name:      "cycles_total",
			Help:      "Total number of refresh cycles",
		},
		[]string{"status"},
	)

	// CycleDuration measures refresh cycle duration.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "feedwindow",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of refresh cycles in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SnapshotArticles is the size of the last persisted snapshot.
	SnapshotArticles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "feedwindow",
			Name:      "snapshot_articles",
			Help:      "Number of articles in the last persisted snapshot",
		},
	)

	// NewArticlesTotal counts articles seen for the first time.
	NewArticlesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedwindow",
			Name:      "new_articles_total",
			Help:      "Total number of articles first seen by a refresh cycle",
		},
	)

	// SourceFetchTotal counts per-source fetch outcomes.
	SourceFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedwindow",
			Name:      "source_fetch_total",
			Help:      "Total number of source fetches",
		},
		[]string{"source", "status"},
	)

	// StoreWriteRetriesTotal counts retried store writes.
	StoreWriteRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedwindow",
			Name:      "store_write_retries_total",
			Help:      "Total number of retried store writes",
		},
		[]string{"key"},
	)
)

// RecordCycle records a finished refresh cycle.
func RecordCycle(status string, seconds float64) {
	CyclesTotal.WithLabelValues(status).Inc()
	CycleDuration.Observe(seconds)
}

// RecordSnapshot records the outcome of a successful merge.
func RecordSnapshot(total, fresh int) {
	SnapshotArticles.Set(float64(total))
	NewArticlesTotal.Add(float64(fresh))
}

// RecordSourceFetch records one source's fetch outcome.
func RecordSourceFetch(source, status string) {
	SourceFetchTotal.WithLabelValues(source, status).Inc()
}

// RecordStoreRetry records a retried write of key.
func RecordStoreRetry(key string) {
	StoreWriteRetriesTotal.WithLabelValues(key).Inc()
}
