// Package metrics exposes Prometheus counters for the fold and
// dispatch pipeline. Everything registers against the default
// registry once at init.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EntriesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logfold_entries_ingested_total",
			Help: "Log entries accepted by the aggregator",
		},
		[]string{"source"},
	)

	EntriesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logfold_entries_rejected_total",
			Help: "Log entries rejected at ingestion",
		},
	)

	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logfold_flushes_total",
			Help: "Aggregate flush attempts by outcome",
		},
		[]string{"outcome"},
	)

	FlushedPatterns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logfold_flushed_patterns_total",
			Help: "Aggregated pattern rows written to storage",
		},
	)

	EventsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logfold_events_enqueued_total",
			Help: "Pipeline events enqueued by type",
		},
		[]string{"type"},
	)

	EventsClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logfold_events_claimed_total",
			Help: "Pipeline events claimed by type",
		},
		[]string{"type"},
	)

	EventsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logfold_events_completed_total",
			Help: "Pipeline events completed by type",
		},
		[]string{"type"},
	)

	EventsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logfold_events_failed_total",
			Help: "Pipeline events released for retry, by type",
		},
		[]string{"type"},
	)

	StageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logfold_stage_errors_total",
			Help: "Pipeline stage failures by stage and error kind",
		},
		[]string{"stage", "kind"},
	)

	PendingEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logfold_pending_events",
			Help: "Events waiting in the durable queue",
		},
	)

	EmbeddingsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logfold_embeddings_stored_total",
			Help: "Embedding records written",
		},
	)

	EmbeddingsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logfold_embeddings_skipped_total",
			Help: "Embedding writes skipped because the row already had one",
		},
	)

	AnalyticsNotified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logfold_analytics_notifications_total",
			Help: "Analytics notifications by outcome",
		},
		[]string{"outcome"},
	)

	EmbedRequestSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logfold_embed_request_seconds",
			Help:    "Latency of batched embedding calls",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		EntriesIngested,
		EntriesRejected,
		FlushesTotal,
		FlushedPatterns,
		EventsEnqueued,
		EventsClaimed,
		EventsCompleted,
		EventsFailed,
		StageErrors,
		PendingEvents,
		EmbeddingsStored,
		EmbeddingsSkipped,
		AnalyticsNotified,
		EmbedRequestSeconds,
	)
}

// Handler serves the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
