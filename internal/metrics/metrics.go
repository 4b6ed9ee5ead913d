// Package metrics registers the server's prometheus collectors. A single
// Set is created at boot and shared by the scheduler, worker, and handler
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles every collector the server exports.
type Set struct {
	registry *prometheus.Registry

	BatchesTotal      *prometheus.CounterVec
	RequestsTotal     *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	QueuedRequests    prometheus.Gauge
	WebhookDeliveries *prometheus.CounterVec
	EngineLoads       *prometheus.CounterVec
	ChunkDuration     prometheus.Histogram
}

// New creates and registers all collectors on a private registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		registry: reg,
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchlocallm_batches_total",
			Help: "Batches reaching a terminal state, by status.",
		}, []string{"status"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchlocallm_requests_total",
			Help: "Individual requests processed, by outcome.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchlocallm_queue_depth",
			Help: "Batches currently validating or in progress.",
		}),
		QueuedRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchlocallm_queued_requests",
			Help: "Sum of request_counts.total across queued batches.",
		}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchlocallm_webhook_deliveries_total",
			Help: "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
		EngineLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchlocallm_engine_loads_total",
			Help: "Inference engine load attempts, by outcome.",
		}, []string{"outcome"}),
		ChunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchlocallm_chunk_duration_seconds",
			Help:    "Wall time per processed chunk.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(
		s.BatchesTotal, s.RequestsTotal, s.QueueDepth, s.QueuedRequests,
		s.WebhookDeliveries, s.EngineLoads, s.ChunkDuration,
	)
	return s
}

// Handler serves the /metrics endpoint for this set.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
