package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the memory service
type Metrics struct {
	// Operations by kind and tier
	MemoryOperations *prometheus.CounterVec

	// Promotion metrics
	Promotions       prometheus.Counter
	PromotionLatency prometheus.Histogram

	// Rejections and anomalies
	QuotaRejections prometheus.Counter
	ExpiredReads    prometheus.Counter
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	metrics := &Metrics{
		MemoryOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "memvault_memory_operations_total",
			Help: "Total number of memory operations by kind and tier",
		}, []string{"operation", "tier"}),

		Promotions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memvault_promotions_total",
			Help: "Total number of short-term to long-term promotions",
		}),

		PromotionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "memvault_promotion_duration_seconds",
			Help:    "Promotion latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		QuotaRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memvault_quota_rejections_total",
			Help: "Total number of writes rejected by the long-term quota",
		}),

		ExpiredReads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memvault_expired_reads_total",
			Help: "Total number of reads that hit a logically expired entry",
		}),
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance. Nil until InitMetrics is
// called, which tests never do.
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordOperation records a memory operation against a tier.
func (m *Metrics) RecordOperation(operation, tier string) {
	m.MemoryOperations.WithLabelValues(operation, tier).Inc()
}

// RecordPromotion records a completed promotion and its latency.
func (m *Metrics) RecordPromotion(seconds float64) {
	m.Promotions.Inc()
	m.PromotionLatency.Observe(seconds)
}

// RecordQuotaRejection records a quota-blocked write.
func (m *Metrics) RecordQuotaRejection() {
	m.QuotaRejections.Inc()
}

// RecordExpiredRead records a read that found an expired entry.
func (m *Metrics) RecordExpiredRead() {
	m.ExpiredReads.Inc()
}
