package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of counters and histograms emitted by the credential
// core per spec §6.5. A nil *Metrics is never handed to callers; use
// NewMetrics with a registry, or NewNopMetrics where no registry exists.
type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheSize      prometheus.Gauge

	RotationsStarted    *prometheus.CounterVec
	RotationsSucceeded  *prometheus.CounterVec
	RotationsFailed     *prometheus.CounterVec
	RotationsRolledBack *prometheus.CounterVec

	ValidatorPass *prometheus.CounterVec
	ValidatorFail *prometheus.CounterVec

	RotationDuration  prometheus.Histogram
	ValidatorDuration *prometheus.HistogramVec
	CacheLookup       prometheus.Histogram
}

const namespace = "credkeeper"

// NewMetrics constructs and registers the full metric set against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Cache lookups served from the in-process cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache lookups that fell through to storage.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Entries evicted from the cache, by LRU or TTL expiry.",
		}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "size",
			Help: "Current number of entries held in the cache.",
		}),
		RotationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rotation", Name: "started_total",
			Help: "Rotation transactions entering Prepare.",
		}, []string{"trigger"}),
		RotationsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rotation", Name: "succeeded_total",
			Help: "Rotation transactions that reached Committed.",
		}, []string{"trigger"}),
		RotationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rotation", Name: "failed_total",
			Help: "Rotation transactions that reached Aborted.",
		}, []string{"trigger"}),
		RotationsRolledBack: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rotation", Name: "rolled_back_total",
			Help: "Rotation transactions that reached RolledBack.",
		}, []string{"trigger"}),
		ValidatorPass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "validator", Name: "pass_total",
			Help: "Validator runs that returned Pass.",
		}, []string{"validator"}),
		ValidatorFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "validator", Name: "fail_total",
			Help: "Validator runs that returned Fail.",
		}, []string{"validator"}),
		RotationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rotation", Name: "duration_seconds",
			Help:    "Wall time from Prepare to a terminal transaction state.",
			Buckets: prometheus.DefBuckets,
		}),
		ValidatorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "validator", Name: "duration_seconds",
			Help:    "Wall time of a single validator invocation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"validator"}),
		CacheLookup: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookup_duration_seconds",
			Help:    "Wall time of a cache Get, hit or miss.",
			Buckets: prometheus.DefBuckets[:6],
		}),
	}
	reg.MustRegister(
		m.CacheHits, m.CacheMisses, m.CacheEvictions, m.CacheSize,
		m.RotationsStarted, m.RotationsSucceeded, m.RotationsFailed, m.RotationsRolledBack,
		m.ValidatorPass, m.ValidatorFail,
		m.RotationDuration, m.ValidatorDuration, m.CacheLookup,
	)
	return m
}

// NewNopMetrics returns a Metrics backed by a private, never-exposed
// registry. Useful when an embedding application doesn't want to wire
// prometheus at all but the core still needs somewhere to record to.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ObserveRotation records a terminal rotation outcome against trigger
// ("manual", "periodic", "before_expiry", "scheduled").
func (m *Metrics) ObserveRotation(trigger, outcome string, elapsed time.Duration) {
	m.RotationDuration.Observe(elapsed.Seconds())
	switch outcome {
	case "succeeded":
		m.RotationsSucceeded.WithLabelValues(trigger).Inc()
	case "failed":
		m.RotationsFailed.WithLabelValues(trigger).Inc()
	case "rolled_back":
		m.RotationsRolledBack.WithLabelValues(trigger).Inc()
	}
}
