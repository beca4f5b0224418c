// Package metrics exposes Prometheus instrumentation for the STT pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meetscribe"

type Metrics struct {
	StateTransitions *prometheus.CounterVec
	ChunksReceived   prometheus.Counter
	ChunkBytes       prometheus.Counter

	SweepDuration *prometheus.HistogramVec
	SweepSessions *prometheus.CounterVec
	LockSkipped   *prometheus.CounterVec
	Retries       *prometheus.CounterVec

	HeartbeatExpirations prometheus.Counter
	OrphansRecovered     prometheus.Counter

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec

	EventPublishTotal  *prometheus.CounterVec
	EventPublishErrors *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session status transitions by from/to state",
		}, []string{"from", "to"}),
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Audio chunks appended to recording sessions",
		}),
		ChunkBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Audio bytes appended to recording sessions",
		}),
		SweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one stage worker sweep",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 120},
		}, []string{"stage"}),
		SweepSessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_sessions_total",
			Help:      "Sessions handled by stage sweeps, by outcome",
		}, []string{"stage", "outcome"}),
		LockSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_skipped_sweeps_total",
			Help:      "Sweeps skipped because another instance held the stage lock",
		}, []string{"stage"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Transient stage failures counted against the retry budget",
		}, []string{"stage"}),
		HeartbeatExpirations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_expirations_total",
			Help:      "Recording heartbeat keys observed expiring",
		}),
		OrphansRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_recovered_total",
			Help:      "Sessions recovered by the abnormal-termination backstop",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_cache_hits_total",
			Help:      "Status reads served from the cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_cache_misses_total",
			Help:      "Status reads that fell through to the session store",
		}),
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "External STT provider calls by operation and outcome",
		}, []string{"op", "outcome"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "External STT provider call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"op"}),
		EventPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_total",
			Help:      "Status transition events published",
		}, []string{"topic"}),
		EventPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Status transition event publish failures",
		}, []string{"topic"}),
	}
}

// NewTesting returns metrics bound to a throwaway registry.
func NewTesting() *Metrics {
	return New(prometheus.NewRegistry())
}
