// Package metrics exposes engine and replication counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dockeeper"

// Metrics holds all collectors on a private registry
type Metrics struct {
	Registry *prometheus.Registry

	Commits       *prometheus.CounterVec // label origin: local|replica
	Deletes       prometheus.Counter
	Checkouts     prometheus.Counter
	ListDenied    prometheus.Counter
	EntriesStored *prometheus.CounterVec // label result: written|reused
	DeltaFetch    prometheus.Histogram
	Pulls         *prometheus.CounterVec // label result: committed|unchanged|failed
	QueueDepth    prometheus.Gauge
}

// New creates and registers collectors
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Committed document versions.",
		}, []string{"origin"}),
		Deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_total",
			Help:      "Deleted documents.",
		}),
		Checkouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Successful checkouts.",
		}),
		ListDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "list_denied_total",
			Help:      "List requests answered with summaries only because of the selectivity threshold.",
		}),
		EntriesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_stored_total",
			Help:      "Entries received, by whether new bytes were written.",
		}, []string{"result"}),
		DeltaFetch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delta_fetch_entries",
			Help:      "Size of the to-fetch list of a delta-sync manifest exchange.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		Pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "pulls_total",
			Help:      "Replication pulls by result.",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "queue_depth",
			Help:      "Pending replication tasks.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Commits,
		m.Deletes,
		m.Checkouts,
		m.ListDenied,
		m.EntriesStored,
		m.DeltaFetch,
		m.Pulls,
		m.QueueDepth,
	)

	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
