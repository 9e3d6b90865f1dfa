// Package metrics holds the Prometheus collectors for recommendations and indexing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecommendationsTotal counts recommendation requests.
	// Labels:
	//   - kind: "user", "similar", "tags"
	//   - outcome: "filled" (limit reached), "partial", "empty", "fallback" (all generators failed)
	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guiderec_recommendations_total",
			Help: "Total number of recommendation requests",
		},
		[]string{"kind", "outcome"},
	)

	// RecommendationDuration measures end-to-end recommendation latency.
	RecommendationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guiderec_recommendation_duration_seconds",
			Help:    "Duration of recommendation requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"kind"},
	)

	// GeneratorResults counts guide ids contributed by each candidate generator.
	GeneratorResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guiderec_generator_results_total",
			Help: "Guide ids contributed to final recommendations per generator",
		},
		[]string{"generator"},
	)

	// GeneratorFailures counts generator errors, including rejections by an open breaker.
	GeneratorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guiderec_generator_failures_total",
			Help: "Candidate generator failures",
		},
		[]string{"generator"},
	)

	// BreakerState reports each generator's circuit breaker (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guiderec_generator_breaker_state",
			Help: "Circuit breaker state per generator (0 closed, 1 half-open, 2 open)",
		},
		[]string{"generator"},
	)

	// IndexOperations counts vector index writes.
	// Labels:
	//   - operation: "upsert", "delete", "rebuild"
	//   - result: "success", "error", "skipped"
	IndexOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guiderec_index_operations_total",
			Help: "Vector index operations",
		},
		[]string{"operation", "result"},
	)

	// IndexDocuments reports the number of documents in the vector index.
	IndexDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guiderec_index_documents",
			Help: "Documents currently held by the vector index",
		},
	)

	// RebuildDuration measures full re-index duration.
	RebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guiderec_index_rebuild_duration_seconds",
			Help:    "Duration of full re-index runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)
)

// Result returns "success" or "error" for err.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveRecommendation records one recommendation request.
func ObserveRecommendation(kind, outcome string, started time.Time) {
	RecommendationsTotal.WithLabelValues(kind, outcome).Inc()
	RecommendationDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}
