package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the upload pipeline.
type Metrics struct {
	ChunksStored      prometheus.Counter
	ChunksDuplicate   prometheus.Counter
	SessionsCreated   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	SessionsSwept     prometheus.Counter
	AssembleDuration  prometheus.Histogram
}

var (
	defaultOnce   sync.Once
	sharedMetrics *Metrics
)

// Default returns the package-level instance registered with the global
// registry. Collectors are created once to avoid duplicate-registration
// panics when services are rebuilt in tests.
func Default() *Metrics {
	defaultOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs the collectors against the provided registerer. Pass a
// fresh registry in tests. Registration errors panic, mirroring promauto.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ChunksStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datakeep",
			Subsystem: "uploads",
			Name:      "chunks_stored_total",
			Help:      "Chunks durably stored for the first time.",
		}),
		ChunksDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datakeep",
			Subsystem: "uploads",
			Name:      "chunks_duplicate_total",
			Help:      "Chunk uploads resolved as already present.",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datakeep",
			Subsystem: "uploads",
			Name:      "sessions_created_total",
			Help:      "Upload sessions initialized.",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datakeep",
			Subsystem: "uploads",
			Name:      "sessions_completed_total",
			Help:      "Upload sessions completed successfully.",
		}),
		SessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datakeep",
			Subsystem: "uploads",
			Name:      "sessions_failed_total",
			Help:      "Upload sessions failed during completion; expired sessions failed by the sweeper count in sessions_swept_total.",
		}),
		SessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datakeep",
			Subsystem: "uploads",
			Name:      "sessions_swept_total",
			Help:      "Expired sessions cleaned up by the sweeper.",
		}),
		AssembleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "datakeep",
			Subsystem: "uploads",
			Name:      "assemble_duration_seconds",
			Help:      "Time spent assembling final objects.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.ChunksStored,
		m.ChunksDuplicate,
		m.SessionsCreated,
		m.SessionsCompleted,
		m.SessionsFailed,
		m.SessionsSwept,
		m.AssembleDuration,
	)
	return m
}
