// Package metrics declares the ingestion pipeline's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tabulake_build_info",
			Help: "Build information of the tabulake ingester",
		},
		[]string{"version", "commit", "date"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabulake_events_total",
			Help: "Total number of ingestion events by outcome and error category",
		},
		[]string{"outcome", "category"},
	)

	EventAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabulake_event_attempts",
			Help:    "Attempts needed to finish an ingestion event",
			Buckets: []float64{1, 2, 3, 5, 8},
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabulake_stage_duration_seconds",
			Help:    "Duration of each ingestion stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"stage"},
	)

	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabulake_rows_written_total",
			Help: "Total number of flattened rows written",
		},
		[]string{"table"},
	)

	FilesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabulake_files_written_total",
			Help: "Total number of columnar files by action",
		},
		[]string{"table", "action"},
	)

	SchemaChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabulake_schema_changes_total",
			Help: "Total number of schema versions published",
		},
		[]string{"table"},
	)

	CatalogCASAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabulake_catalog_cas_attempts",
			Help:    "Compare-and-swap attempts per catalog registration",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabulake_http_requests_total",
			Help: "Total number of trigger HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Outcome labels for EventsTotal.
const (
	OutcomeDone    = "done"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// File action labels for FilesWritten.
const (
	ActionCreated    = "created"
	ActionReused     = "reused"
	ActionSuperseded = "superseded"
	ActionAborted    = "aborted"
)
