package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "recheck"

// Outcome labels shared by the classification and backend collectors.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	// OutcomeTransient labels backend failures worth retrying later.
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
	OutcomeMalformed = "malformed"
	OutcomeCancelled = "cancelled"
)

// Cache lookup results.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheJoined = "joined"
	CacheShared = "shared"
	CacheExpire = "expired"
)

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Recheck decisions issued, partitioned by kind.",
		},
		[]string{"kind"},
	)

	classificationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classification_seconds",
			Help:      "Latency of classifying a single run across the catalog.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	backendQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_queries_total",
			Help:      "Search backend queries issued, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	backendQueryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_query_seconds",
			Help:      "Search backend query latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Query cache lookups, partitioned by result.",
		},
		[]string{"result"},
	)

	fingerprintSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_skips_total",
			Help:      "Fingerprint evaluations that could not be completed.",
		},
		[]string{"bug"},
	)

	dispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Runs waiting for a dispatcher worker.",
		},
	)

	catalogFingerprints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_fingerprints",
			Help:      "Fingerprints in the active catalog.",
		},
	)
)

// Register attaches recheck collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer, extra ...prometheus.Collector) error {
	collectors := []prometheus.Collector{
		decisionsTotal,
		classificationDurationSeconds,
		backendQueriesTotal,
		backendQueryDurationSeconds,
		cacheLookupsTotal,
		fingerprintSkipsTotal,
		dispatchQueueDepth,
		catalogFingerprints,
	}
	collectors = append(collectors, extra...)

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDecision records a decision kind and the time taken to reach it.
func ObserveDecision(kind string, duration time.Duration) {
	decisionsTotal.WithLabelValues(kind).Inc()
	if duration < 0 {
		duration = 0
	}
	classificationDurationSeconds.Observe(duration.Seconds())
}

// ObserveBackendQuery records a backend round trip.
func ObserveBackendQuery(outcome string, duration time.Duration) {
	backendQueriesTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	backendQueryDurationSeconds.Observe(duration.Seconds())
}

// ObserveCacheLookup counts one cache lookup.
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveSkip counts a fingerprint that could not be evaluated.
func ObserveSkip(bugID string) {
	fingerprintSkipsTotal.WithLabelValues(bugID).Inc()
}

// SetQueueDepth publishes the dispatcher backlog.
func SetQueueDepth(depth int) {
	dispatchQueueDepth.Set(float64(depth))
}

// SetCatalogSize publishes the active catalog size.
func SetCatalogSize(n int) {
	catalogFingerprints.Set(float64(n))
}
