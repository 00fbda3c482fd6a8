package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the query layer's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	acquireWait        prometheus.Histogram
	connectionsInUse   *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	queryDuration      *prometheus.HistogramVec
	queryErrors        *prometheus.CounterVec
	discardedHandles   *prometheus.CounterVec
	credentialRefresh  *prometheus.CounterVec
	snapshotsCaptured  *prometheus.CounterVec
	snapshotCacheLooks *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datasource_acquire_wait_seconds",
			Help:    "Time spent waiting for a connection handle.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		connectionsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datasource_connections_in_use",
			Help: "Leased connection handles per dialect.",
		}, []string{"dialect"}),
		poolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasource_pool_exhausted_total",
			Help: "Acquisitions that timed out waiting for a slot.",
		}, []string{"dialect"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datasource_query_duration_seconds",
			Help:    "Query execution time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 3, 10),
		}, []string{"dialect"}),
		queryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasource_query_errors_total",
			Help: "Classified query failures.",
		}, []string{"dialect", "kind"}),
		discardedHandles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasource_discarded_handles_total",
			Help: "Connection handles closed instead of returned to the pool.",
		}, []string{"dialect"}),
		credentialRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasource_credential_refresh_total",
			Help: "Credential refresh attempts by outcome.",
		}, []string{"outcome"}),
		snapshotsCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasource_schema_snapshots_total",
			Help: "Schema snapshots captured per dialect.",
		}, []string{"dialect"}),
		snapshotCacheLooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasource_schema_cache_lookups_total",
			Help: "Snapshot cache lookups by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.acquireWait,
			m.connectionsInUse,
			m.poolExhausted,
			m.queryDuration,
			m.queryErrors,
			m.discardedHandles,
			m.credentialRefresh,
			m.snapshotsCaptured,
			m.snapshotCacheLooks,
		)
	}
	return m
}

func (m *Metrics) ObserveAcquireWait(d time.Duration) {
	if m == nil {
		return
	}
	m.acquireWait.Observe(d.Seconds())
}

func (m *Metrics) HandleLeased(dialect string) {
	if m == nil {
		return
	}
	m.connectionsInUse.WithLabelValues(dialect).Inc()
}

func (m *Metrics) HandleReturned(dialect string, discarded bool) {
	if m == nil {
		return
	}
	m.connectionsInUse.WithLabelValues(dialect).Dec()
	if discarded {
		m.discardedHandles.WithLabelValues(dialect).Inc()
	}
}

func (m *Metrics) PoolExhausted(dialect string) {
	if m == nil {
		return
	}
	m.poolExhausted.WithLabelValues(dialect).Inc()
}

func (m *Metrics) ObserveQuery(dialect string, d time.Duration) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(dialect).Observe(d.Seconds())
}

func (m *Metrics) QueryFailed(dialect, kind string) {
	if m == nil {
		return
	}
	m.queryErrors.WithLabelValues(dialect, kind).Inc()
}

// CredentialRefresh records a refresh outcome: "ok" or "failed".
func (m *Metrics) CredentialRefresh(outcome string) {
	if m == nil {
		return
	}
	m.credentialRefresh.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SnapshotCaptured(dialect string) {
	if m == nil {
		return
	}
	m.snapshotsCaptured.WithLabelValues(dialect).Inc()
}

// SnapshotCacheLookup records "hit" or "miss".
func (m *Metrics) SnapshotCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.snapshotCacheLooks.WithLabelValues(result).Inc()
}
