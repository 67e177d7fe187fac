package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics records the activity of the matching overlay: entry-point
// outcomes, matched underlying volume, and how much of the iteration budget
// the matching walks consume.
type LendingMetrics struct {
	Operations       *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
	MatchedVolume    *prometheus.CounterVec
	MatchIterations  prometheus.Histogram
}

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// Lending returns the lazily-initialised lending metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peerlend",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Total engine entry-point calls segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			OperationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "peerlend",
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution of engine entry points.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			MatchedVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "peerlend",
				Subsystem: "lending",
				Name:      "matched_volume",
				Help:      "Underlying volume moved between pool and peer-to-peer buckets, segmented by market and direction.",
			}, []string{"market", "direction"}),
			MatchIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "peerlend",
				Subsystem: "lending",
				Name:      "match_iterations",
				Help:      "Iterations consumed by matching walks per operation.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.Operations,
			lendingRegistry.OperationSeconds,
			lendingRegistry.MatchedVolume,
			lendingRegistry.MatchIterations,
		)
	})
	return lendingRegistry
}
