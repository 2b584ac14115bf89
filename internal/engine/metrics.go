package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "denim_provider_operations_total",
			Help: "Table provider operations by table, operation and outcome.",
		},
		[]string{"table", "operation", "outcome"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "denim_hook_stage_duration_seconds",
			Help:    "Time spent running the hooks registered at a pipeline stage.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	expansionFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "denim_expansion_fetches_total",
			Help: "Batched related-record fetches issued by relationship expansion.",
		},
		[]string{"table"},
	)

	expansionBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "denim_expansion_batch_size",
		Help:    "Distinct ids requested per batched expansion fetch.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	authzDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "denim_authorization_decisions_total",
			Help: "Merged authorization decisions by action and kind.",
		},
		[]string{"action", "decision"},
	)

	validatorCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "denim_validator_cache_hits_total",
		Help: "Compiled validator cache hits.",
	})
	validatorCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "denim_validator_cache_misses_total",
		Help: "Compiled validator cache misses (compilations).",
	})
)

func observeOperation(table, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if appErr, ok := err.(*AppError); ok {
			outcome = appErr.Code
		}
	}
	operationsTotal.WithLabelValues(table, op, outcome).Inc()
}

func observeStage(stage string, start time.Time) {
	stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// ObserveDecision counts a merged authorization decision.
func ObserveDecision(action, decision string) {
	authzDecisionsTotal.WithLabelValues(action, decision).Inc()
}
