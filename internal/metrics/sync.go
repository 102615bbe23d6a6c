// Package metrics exposes Prometheus instruments for the sync pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sync records server batch processing and client engine rounds.
// A nil *Sync, or one built with a nil registerer, records nothing.
type Sync struct {
	results   *prometheus.CounterVec
	duration  prometheus.Histogram
	batchSize prometheus.Histogram
	rounds    *prometheus.CounterVec
}

// NewSync registers the sync metrics on the provided registerer.
func NewSync(reg prometheus.Registerer) *Sync {
	if reg == nil {
		return &Sync{}
	}
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbridge_sync_results_total",
		Help: "Sync operation results by entity type and status.",
	}, []string{"entity", "status"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockbridge_sync_batch_duration_seconds",
		Help:    "Time spent processing one sync batch.",
		Buckets: prometheus.DefBuckets,
	})
	batchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockbridge_sync_batch_operations",
		Help:    "Number of operations per sync batch.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	})
	rounds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbridge_engine_rounds_total",
		Help: "Client sync engine rounds by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(results, duration, batchSize, rounds)
	return &Sync{
		results:   results,
		duration:  duration,
		batchSize: batchSize,
		rounds:    rounds,
	}
}

// ObserveResult counts one operation verdict
func (s *Sync) ObserveResult(entity, status string) {
	if s == nil || s.results == nil {
		return
	}
	s.results.WithLabelValues(normalizeLabel(entity), normalizeLabel(status)).Inc()
}

// ObserveBatch records the size and processing time of a batch
func (s *Sync) ObserveBatch(size int, d time.Duration) {
	if s == nil || s.duration == nil {
		return
	}
	s.batchSize.Observe(float64(size))
	s.duration.Observe(d.Seconds())
}

// ObserveRound counts one engine round by its outcome (upToDate, error, offline, ...)
func (s *Sync) ObserveRound(outcome string) {
	if s == nil || s.rounds == nil {
		return
	}
	s.rounds.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
