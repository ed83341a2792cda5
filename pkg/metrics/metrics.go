// Package metrics provides Prometheus metrics for the clover service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsProcessed tracks records resolved by path and outcome
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "resolution",
			Name:      "records_total",
			Help:      "Total number of records processed by path and status",
		},
		[]string{"path", "status"},
	)

	// MatchDecisions tracks match decisions and resulting actions
	MatchDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "resolution",
			Name:      "decisions_total",
			Help:      "Total number of match decisions by decision and action",
		},
		[]string{"decision", "action"},
	)

	// ProcessingDuration tracks end-to-end latency of one streaming record
	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "resolution",
			Name:      "record_duration_seconds",
			Help:      "Duration of processing one streaming record in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// CombinedScore tracks the distribution of combined scores
	CombinedScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "resolution",
			Name:      "combined_score",
			Help:      "Distribution of combined match scores",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// StrategyDegraded tracks strategies that failed or timed out
	StrategyDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "matching",
			Name:      "strategy_degraded_total",
			Help:      "Total number of strategy retrievals that degraded to a zero score",
		},
		[]string{"strategy"},
	)

	// StoreRetries tracks retried store operations
	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Total number of retried entity store operations",
		},
		[]string{"operation"},
	)

	// RecordsInFlight tracks records currently being processed
	RecordsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "stream",
			Name:      "records_in_flight",
			Help:      "Number of records currently being processed",
		},
	)

	// DLQRecordsTotal tracks records sent to the dead letter queue
	DLQRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "dlq",
			Name:      "records_total",
			Help:      "Total number of records sent to dead letter queue",
		},
		[]string{"reason"},
	)

	// BatchRunDuration tracks batch run duration
	BatchRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "batch",
			Name:      "run_duration_seconds",
			Help:      "Duration of batch runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// BatchPairsScored tracks candidate pairs scored by batch runs
	BatchPairsScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "batch",
			Name:      "pairs_scored_total",
			Help:      "Total number of candidate pairs scored by batch runs",
		},
	)

	// BatchClusters tracks the number of clusters produced by the last batch run
	BatchClusters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "batch",
			Name:      "clusters",
			Help:      "Number of clusters produced by the last batch run",
		},
	)
)

// RecordOutcome records one processed record
func RecordOutcome(path, status string, durationSeconds float64) {
	RecordsProcessed.WithLabelValues(path, status).Inc()
	if path != "batch" {
		ProcessingDuration.Observe(durationSeconds)
	}
}

// RecordDecision records a match decision and its combined score
func RecordDecision(decision, action string, combined float64) {
	MatchDecisions.WithLabelValues(decision, action).Inc()
	CombinedScore.Observe(combined)
}

// RecordDegraded records degraded strategies for one match
func RecordDegraded(strategies []string) {
	for _, s := range strategies {
		StrategyDegraded.WithLabelValues(s).Inc()
	}
}

// RecordStoreRetry records a retried store operation
func RecordStoreRetry(operation string) {
	StoreRetries.WithLabelValues(operation).Inc()
}

// RecordDLQRecord records a record sent to the dead letter queue
func RecordDLQRecord(reason string) {
	DLQRecordsTotal.WithLabelValues(reason).Inc()
}

// RecordBatchRun records the results of a batch run
func RecordBatchRun(pairs, clusters int, durationSeconds float64) {
	BatchPairsScored.Add(float64(pairs))
	BatchClusters.Set(float64(clusters))
	BatchRunDuration.Observe(durationSeconds)
}
