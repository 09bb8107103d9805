package koandb

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orneryd/koandb/pkg/cache"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

// Metrics holds the collectors of one DB. They are registered on the
// Registerer passed with WithRegisterer, or on a private registry otherwise.
// Every series carries a constant "db" label with the DB name, so several
// databases can share one registerer.
type Metrics struct {
	// TxBegun counts transactions that obtained the writer slot.
	TxBegun prometheus.Counter
	// TxCommitted counts successful commits.
	TxCommitted prometheus.Counter
	// TxRolledBack counts explicit rollbacks and failed commits.
	TxRolledBack prometheus.Counter
	// CommitFailures counts commits that were rejected.
	// Labels: reason (integrity, not_found, already_exists, too_large, config,
	// closed, other)
	CommitFailures *prometheus.CounterVec
	// BeginRejections counts Begin calls that did not obtain the writer slot.
	// Labels: mode (blocking, fail_fast)
	BeginRejections *prometheus.CounterVec
	// CommitDuration measures Commit from Prepare to publication.
	CommitDuration prometheus.Histogram
	// Nodes and Relationships track the committed graph size.
	Nodes         prometheus.Gauge
	Relationships prometheus.Gauge
	// Queries counts index queries.
	// Labels: kind (exact, wildcard)
	Queries *prometheus.CounterVec
	// CacheHits and CacheMisses mirror the query cache statistics.
	CacheHits   prometheus.CounterFunc
	CacheMisses prometheus.CounterFunc

	reg        prometheus.Registerer
	registered []prometheus.Collector
}

// newMetrics creates the collectors for the DB called name and registers
// them on reg. Registering a second live DB under the same name fails.
func newMetrics(reg prometheus.Registerer, name string, qc *cache.QueryCache) (*Metrics, error) {
	m := &Metrics{
		TxBegun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "koandb",
			Subsystem: "tx",
			Name:      "begun_total",
			Help:      "Transactions that obtained the writer slot",
		}),
		TxCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "koandb",
			Subsystem: "tx",
			Name:      "committed_total",
			Help:      "Transactions committed",
		}),
		TxRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "koandb",
			Subsystem: "tx",
			Name:      "rolled_back_total",
			Help:      "Transactions rolled back, including failed commits",
		}),
		CommitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "koandb",
			Subsystem: "tx",
			Name:      "commit_failures_total",
			Help:      "Commits rejected by the store, the index or the consistency check",
		}, []string{"reason"}),
		BeginRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "koandb",
			Subsystem: "tx",
			Name:      "begin_rejections_total",
			Help:      "Begin calls that did not obtain the writer slot",
		}, []string{"mode"}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "koandb",
			Subsystem: "tx",
			Name:      "commit_duration_seconds",
			Help:      "Commit latency in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		Nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "koandb",
			Subsystem: "graph",
			Name:      "nodes",
			Help:      "Committed node count",
		}),
		Relationships: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "koandb",
			Subsystem: "graph",
			Name:      "relationships",
			Help:      "Committed relationship count",
		}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "koandb",
			Subsystem: "index",
			Name:      "queries_total",
			Help:      "Index queries by kind",
		}, []string{"kind"}),
		CacheHits: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "koandb",
			Subsystem: "index",
			Name:      "query_cache_hits_total",
			Help:      "Index queries answered from the query cache",
		}, func() float64 { return float64(qc.Stats().Hits) }),
		CacheMisses: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "koandb",
			Subsystem: "index",
			Name:      "query_cache_misses_total",
			Help:      "Index queries that missed the query cache",
		}, func() float64 { return float64(qc.Stats().Misses) }),
		reg: prometheus.WrapRegistererWith(prometheus.Labels{"db": name}, reg),
	}

	for _, c := range []prometheus.Collector{
		m.TxBegun, m.TxCommitted, m.TxRolledBack, m.CommitFailures,
		m.BeginRejections, m.CommitDuration, m.Nodes, m.Relationships,
		m.Queries, m.CacheHits, m.CacheMisses,
	} {
		if err := m.reg.Register(c); err != nil {
			m.unregister()
			return nil, fmt.Errorf("failed to register metrics for database %q: %w", name, err)
		}
		m.registered = append(m.registered, c)
	}
	return m, nil
}

// unregister removes the collectors from the registerer so the name can be
// reused once the DB is closed.
func (m *Metrics) unregister() {
	for _, c := range m.registered {
		m.reg.Unregister(c)
	}
	m.registered = nil
}
