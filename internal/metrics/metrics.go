// Package metrics provides Prometheus metrics for the downloader.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the downloader.
type Metrics struct {
	// Partition metrics
	PartitionsExpanded  *prometheus.CounterVec
	PartitionsSkipped   *prometheus.CounterVec
	PartitionsFetched   *prometheus.CounterVec
	PartitionsFailed    *prometheus.CounterVec
	ConcurrentConflicts *prometheus.CounterVec

	// Timing metrics
	FetchDuration *prometheus.HistogramVec

	// Size metrics
	BytesUploaded *prometheus.CounterVec

	// Pipeline metrics
	InFlightPartitions prometheus.Gauge
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "weather_dl"
	}

	labels := []string{"dataset"}

	m := &Metrics{
		PartitionsExpanded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_expanded_total",
				Help:      "Total number of partitions produced by the expander",
			},
			labels,
		),
		PartitionsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_skipped_total",
				Help:      "Total number of partitions skipped (target already exists)",
			},
			labels,
		),
		PartitionsFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_fetched_total",
				Help:      "Total number of partitions fetched and uploaded",
			},
			labels,
		),
		PartitionsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_failed_total",
				Help:      "Total number of partitions whose fetch failed",
			},
			labels,
		),
		ConcurrentConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "concurrent_conflicts_total",
				Help:      "Total number of manifest transactions lost to another worker",
			},
			labels,
		),
		FetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to fetch and upload one partition",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27m
			},
			labels,
		),
		BytesUploaded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_uploaded_total",
				Help:      "Total bytes streamed into the blob store",
			},
			labels,
		),
		InFlightPartitions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_partitions",
				Help:      "Number of partitions currently being fetched",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return http.ListenAndServe(address, mux)
}
