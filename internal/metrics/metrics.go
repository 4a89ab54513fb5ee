// Package metrics holds a node's Prometheus counters and histograms. There
// is no HTTP exporter (out of scope per spec §1) — the registry is surfaced
// read-only through the coordinator's Status() operation.
package metrics

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is one node's collector set, registered against a private
// registry so a node's counters never collide with another package's
// default-registry metrics.
type Metrics struct {
	Registry *prometheus.Registry

	// Elections and ElectionsWon are registered and read by Snapshot, but no
	// code in this module increments them, so they stay at zero.
	Elections        prometheus.Counter
	ElectionsWon     prometheus.Counter
	QuorumFailures   prometheus.Counter
	WritesTotal      prometheus.Counter
	SearchLatency    prometheus.Histogram
	SearchesPartial  prometheus.Counter
	DirectoryUpdates prometheus.Counter
}

// New constructs a Metrics set and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Elections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distrisearch_elections_started_total",
			Help: "Number of elections this node has started as candidate.",
		}),
		ElectionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distrisearch_elections_won_total",
			Help: "Number of elections this node has won.",
		}),
		QuorumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distrisearch_write_quorum_failures_total",
			Help: "Number of document writes that failed to reach quorum.",
		}),
		WritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distrisearch_writes_total",
			Help: "Number of successful Add calls on this node, including writes it forwarded to the primary.",
		}),
		SearchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "distrisearch_search_latency_seconds",
			Help:    "Latency of distributed search execution.",
			Buckets: prometheus.DefBuckets,
		}),
		SearchesPartial: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distrisearch_searches_partial_total",
			Help: "Number of searches that returned partial results due to a node failure.",
		}),
		DirectoryUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "distrisearch_directory_updates_total",
			Help: "Number of term-directory deltas applied by this node.",
		}),
	}
	reg.MustRegister(
		m.Elections, m.ElectionsWon, m.QuorumFailures,
		m.WritesTotal, m.SearchLatency, m.SearchesPartial, m.DirectoryUpdates,
	)
	return m
}

// Snapshot is a point-in-time read of every counter, for Status().
type Snapshot struct {
	Elections        float64
	ElectionsWon     float64
	QuorumFailures   float64
	WritesTotal      float64
	SearchesPartial  float64
	DirectoryUpdates float64
}

// Snapshot reads every counter's current value via the registry, the same
// read-only access pattern a /metrics handler would use, without exposing
// one.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Elections:        readCounter(m.Elections),
		ElectionsWon:     readCounter(m.ElectionsWon),
		QuorumFailures:   readCounter(m.QuorumFailures),
		WritesTotal:      readCounter(m.WritesTotal),
		SearchesPartial:  readCounter(m.SearchesPartial),
		DirectoryUpdates: readCounter(m.DirectoryUpdates),
	}
}

// readCounter reads a counter's current value through its Write method, the
// same mechanism a /metrics exporter uses internally, without standing one
// up (spec §1 excludes an HTTP metrics endpoint).
func readCounter(c prometheus.Counter) float64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	if pb.Counter == nil {
		return 0
	}
	return pb.Counter.GetValue()
}
