// Package metrics exposes Prometheus instruments for the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fitsync"

// Chunk outcomes.
const (
	ChunkSucceeded = "succeeded"
	ChunkFailed    = "failed"
	ChunkSkipped   = "skipped"
)

// Metrics holds the sync engine's instruments. A nil *Metrics is a valid no-op.
type Metrics struct {
	ChunksProcessed     *prometheus.CounterVec
	ChunkDuration       prometheus.Histogram
	JobsFinished        *prometheus.CounterVec
	JobsStarted         *prometheus.CounterVec
	ProviderRequests    *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New registers all instruments on reg and serves that registry from Handler.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChunksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_processed_total",
			Help:      "Sync chunks processed, by outcome.",
		}, []string{"result"}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Time spent fetching and persisting one chunk.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Sync jobs that left the running state, by resulting status.",
		}, []string{"status"}),
		JobsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Sync jobs created, by sync type.",
		}, []string{"sync_type"}),
		ProviderRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Requests made to the wearable data provider, by endpoint and outcome.",
		}, []string{"endpoint", "result"}),
		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Provider circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
		gatherer: reg,
	}
}

func (m *Metrics) ObserveChunk(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ChunksProcessed.WithLabelValues(result).Inc()
	if result != ChunkSkipped {
		m.ChunkDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) JobStarted(syncType string) {
	if m == nil {
		return
	}
	m.JobsStarted.WithLabelValues(syncType).Inc()
}

func (m *Metrics) ProviderRequest(endpoint, result string) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler serves the registry this Metrics was built on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
