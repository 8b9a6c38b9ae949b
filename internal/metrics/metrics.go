// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestJobs counts processed ingest jobs by outcome:
	// done, retried, dead_lettered, skipped.
	IngestJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askbase_ingest_jobs_total",
		Help: "Ingest jobs processed, by outcome.",
	}, []string{"outcome"})

	// IngestDuration observes successful job processing time.
	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "askbase_ingest_duration_seconds",
		Help:    "Duration of successful ingest jobs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// Queries counts RAG queries by outcome: ok, no_results, quota, error.
	Queries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askbase_queries_total",
		Help: "RAG queries processed, by outcome.",
	}, []string{"outcome"})

	// QueryDuration observes end-to-end query latency.
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "askbase_query_duration_seconds",
		Help:    "End-to-end RAG query latency.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// CacheLookups counts retrieval cache lookups by result: hit, miss.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askbase_retrieval_cache_lookups_total",
		Help: "Retrieval cache lookups, by result.",
	}, []string{"result"})

	// WidgetConnections tracks open widget WebSocket connections.
	WidgetConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "askbase_widget_connections",
		Help: "Currently open widget WebSocket connections.",
	})

	// WidgetFrames counts widget frames by type.
	WidgetFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askbase_widget_frames_total",
		Help: "Widget frames received, by type.",
	}, []string{"type"})
)
