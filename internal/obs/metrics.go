// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ingestkit/go-ingest/internal/config"
)

var (
	UploadsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_uploads_started_total",
		Help: "Total number of blob uploads started",
	})
	UploadsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_uploads_failed_total",
		Help: "Total number of blob uploads that failed",
	})
	StreamingAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_streaming_attempts_total",
		Help: "Total number of streaming ingest attempts",
	})
	StreamingSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_streaming_succeeded_total",
		Help: "Total number of streaming ingest attempts that succeeded",
	})
	StreamingFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_streaming_failed_total",
		Help: "Total number of streaming ingest attempts that failed, by classification category",
	}, []string{"category"})
	QueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_queued_total",
		Help: "Total number of sources routed to queued ingestion",
	})
	IngestionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_duration_seconds",
		Help:    "Histogram of end-to-end ingestion durations",
		Buckets: prometheus.DefBuckets,
	})
	ResourcePoolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_resource_pool_size",
		Help: "Current number of refreshed DM resources, by kind (containers, queues)",
	}, []string{"kind"})
	ResourceBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_resource_breaker_state",
		Help: "0 Closed, 1 Probing, 2 Tripped",
	})
	ResourceBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_resource_breaker_trips_total",
		Help: "Count of times the DM resource-refresh circuit breaker transitioned to Tripped",
	})
	ManagedStateActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_managed_state_active",
		Help: "Number of (database,table) pairs currently defaulting to queued ingestion",
	})
)

func init() {
	prometheus.MustRegister(
		UploadsStarted, UploadsFailed,
		StreamingAttempts, StreamingSucceeded, StreamingFailed,
		QueuedTotal, IngestionDuration,
		ResourcePoolSize, ResourceBreakerState, ResourceBreakerTrips,
		ManagedStateActive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Retained for compatibility; StartHTTPServer also registers
// health endpoints and is preferred for new callers.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
