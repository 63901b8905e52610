// Package metrics exposes prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PhasesImplemented counts completed phase implementations per project.
	PhasesImplemented = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibeforge",
		Name:      "phases_implemented_total",
		Help:      "Completed phase implementations.",
	}, []string{"project"})

	// GenerationRuns counts state machine runs by terminal outcome.
	GenerationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibeforge",
		Name:      "generation_runs_total",
		Help:      "State machine runs by outcome (complete, stopped, error, rate_limited).",
	}, []string{"outcome"})

	// DeployDuration observes sandbox deploy latency.
	DeployDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vibeforge",
		Name:      "deploy_duration_seconds",
		Help:      "Sandbox deployment latency.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// MessagesBroadcast counts outbound protocol messages by type.
	MessagesBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibeforge",
		Name:      "messages_broadcast_total",
		Help:      "Outbound stream messages by type.",
	}, []string{"type"})

	// ChunksDropped counts chunk messages dropped due to slow clients.
	ChunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vibeforge",
		Name:      "chunks_dropped_total",
		Help:      "file_chunk_generated messages dropped by backpressure.",
	})

	// InferenceRequests counts LLM calls by provider and result.
	InferenceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibeforge",
		Name:      "inference_requests_total",
		Help:      "Model inference calls by provider and result.",
	}, []string{"provider", "result"})
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
