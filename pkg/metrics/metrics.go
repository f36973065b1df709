// Package metrics exposes the pipeline's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rackwatch_events_appended_total",
			Help: "Events accepted into the event store",
		},
		[]string{"domain"},
	)

	IngestRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rackwatch_ingest_rejected_total",
			Help: "Payloads rejected at the ingestion boundary",
		},
		[]string{"domain"},
	)

	ReadingsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rackwatch_readings_skipped_total",
			Help: "Events rejected by normalization, by reason",
		},
		[]string{"domain", "reason"},
	)

	ReferentialViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rackwatch_referential_violations_total",
			Help: "Readings or rows dropped because a catalog parent was missing",
		},
		[]string{"view"},
	)

	RowsReplaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rackwatch_view_rows_replaced_total",
			Help: "Derived view rows written during refresh",
		},
		[]string{"view"},
	)

	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rackwatch_view_refresh_total",
			Help: "View refresh attempts by outcome",
		},
		[]string{"view", "status"},
	)

	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rackwatch_view_refresh_duration_seconds",
			Help:    "Duration of view refreshes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"view"},
	)

	ViewLagSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rackwatch_view_lag_seconds",
			Help: "Staleness of each derived view relative to its last successful refresh",
		},
		[]string{"view"},
	)
)
