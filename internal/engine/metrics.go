package engine

import (
	"github.com/hurttlocker/chemresolve/internal/match"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: status (resolved, unresolved), method (identifier, exact, fuzzy, semantic, none)
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chemresolve",
		Subsystem: "engine",
		Name:      "decisions_total",
		Help:      "Resolutions by terminal status and winning strategy",
	}, []string{"status", "method"})

	reviewTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chemresolve",
		Subsystem: "engine",
		Name:      "review_flags_total",
		Help:      "Decisions flagged for manual review by reason",
	}, []string{"reason"})

	strategyFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chemresolve",
		Subsystem: "engine",
		Name:      "strategy_failures_total",
		Help:      "Strategies that failed or timed out during a resolution",
	}, []string{"method"})

	resolveLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chemresolve",
		Subsystem: "engine",
		Name:      "resolve_latency_seconds",
		Help:      "End-to-end resolution latency",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	// Labels: status (inserted, duplicate, rejected)
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chemresolve",
		Subsystem: "engine",
		Name:      "ingest_total",
		Help:      "Synonym ingestion outcomes",
	}, []string{"status"})

	indexedVectors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chemresolve",
		Subsystem: "engine",
		Name:      "indexed_vectors",
		Help:      "Vectors in the semantic index",
	})

	indexInconsistent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chemresolve",
		Subsystem: "engine",
		Name:      "index_inconsistent",
		Help:      "1 while index writes are halted pending a rebuild from the store",
	})

	thresholdVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chemresolve",
		Subsystem: "engine",
		Name:      "threshold_version",
		Help:      "Active threshold set version",
	})
)

func observeDecision(d *match.Decision) {
	decisionsTotal.WithLabelValues(string(d.Status), methodName(d.Method)).Inc()
	if d.NeedsReview {
		reviewTotal.WithLabelValues(d.Reason).Inc()
	}
	for _, f := range d.Failures {
		strategyFailuresTotal.WithLabelValues(f.Method.String()).Inc()
	}
	resolveLatencySeconds.Observe(d.Latency.Seconds())
}
