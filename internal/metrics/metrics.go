package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ioc_fetch_total",
			Help: "Fetch attempts by source and outcome",
		},
		[]string{"source", "status"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ioc_fetch_duration_seconds",
			Help:    "Time spent retrieving and staging one source",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"source"},
	)

	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ioc_fetch_retries_total",
			Help: "HTTP retries issued per source",
		},
		[]string{"source"},
	)

	UpsertRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ioc_upsert_records_total",
			Help: "Indicator records handled by the upsert engine",
		},
		[]string{"result"},
	)

	UpsertBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ioc_upsert_batches_total",
			Help: "Upsert batches written to the indicator store",
		},
	)

	NormalizeFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ioc_normalize_files_total",
			Help: "Staged files handled by normalizers",
		},
		[]string{"task", "status"},
	)

	NormalizeAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ioc_normalize_added_total",
			Help: "Entries added to consolidated artifacts",
		},
		[]string{"task"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ioc_cycle_duration_seconds",
			Help:    "Duration of scheduled ingestion cycles",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"tier"},
	)

	ClassifyFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ioc_classify_fallbacks_total",
			Help: "Classifications that fell back to the default verdict",
		},
	)
)
