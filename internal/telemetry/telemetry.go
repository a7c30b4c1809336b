// Package telemetry exposes prometheus metrics for the chat pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry holds the pipeline's metric instruments. Construct one per
// process and inject it; components treat a nil receiver field as disabled.
type Telemetry struct {
	TurnsTotal         prometheus.Counter
	TurnDuration       prometheus.Histogram
	TurnFailures       *prometheus.CounterVec
	RetrievalFallbacks prometheus.Counter
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheEvictions     *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
}

// NewTelemetry registers the pipeline metrics against reg.
func NewTelemetry(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		TurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docchat_turns_total",
			Help: "Chat turns processed",
		}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docchat_turn_duration_seconds",
			Help:    "End-to-end turn latency",
			Buckets: prometheus.DefBuckets,
		}),
		TurnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docchat_turn_failures_total",
			Help: "Turns that surfaced an error to the caller",
		}, []string{"reason"}),
		RetrievalFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docchat_retrieval_fallbacks_total",
			Help: "Retrievals served by the lexical fallback path",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docchat_context_cache_hits_total",
			Help: "Conversation-context cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docchat_context_cache_misses_total",
			Help: "Conversation-context cache misses",
		}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docchat_context_cache_evictions_total",
			Help: "Resident contexts evicted from the cache",
		}, []string{"reason"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docchat_provider_errors_total",
			Help: "Upstream provider failures by stage",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(
			t.TurnsTotal, t.TurnDuration, t.TurnFailures, t.RetrievalFallbacks,
			t.CacheHits, t.CacheMisses, t.CacheEvictions, t.ProviderErrors,
		)
	}
	return t
}
