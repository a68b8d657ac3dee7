package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunkIngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunk_ingest_total",
			Help: "Total number of chunk ingest requests by outcome",
		},
		[]string{"result"},
	)

	chunkIngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chunk_ingest_duration_seconds",
			Help:    "Time spent handling a single chunk ingest request",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	chunkedUploadCompletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chunked_upload_completions_total",
			Help: "Total number of chunked uploads that reached assembly",
		},
	)
)
