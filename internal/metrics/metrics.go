// Package metrics exposes Prometheus collectors for a running proxy instance.
//
// All collectors live on a private registry so tests can run many instances
// side by side; the management API serves the registry via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Relay direction label values.
const (
	DirClientToServer = "client_to_server"
	DirServerToClient = "server_to_client"
)

// Classification outcome label values.
const (
	OutcomeTunnel  = "tunnel"
	OutcomeHTTP    = "http"
	OutcomeInvalid = "invalid"
)

// Metrics holds all runtime collectors for a running proxy instance.
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	Classifications *prometheus.CounterVec
	BytesRelayed    *prometheus.CounterVec

	LeafMints     prometheus.Counter
	LeafCacheHits prometheus.Counter
	MintFailures  prometheus.Counter
	MintDuration  prometheus.Histogram

	DialErrors       prometheus.Counter
	ObserverFailures prometheus.Counter
}

// New returns a Metrics with every collector registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitm",
			Name:      "sessions_total",
			Help:      "Accepted client connections.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mitm",
			Name:      "sessions_active",
			Help:      "Sessions currently between accept and teardown.",
		}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitm",
			Name:      "classifications_total",
			Help:      "Protocol detection outcomes.",
		}, []string{"outcome"}),
		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitm",
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed after observer transformation.",
		}, []string{"direction"}),
		LeafMints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitm",
			Name:      "leaf_mints_total",
			Help:      "Leaf certificates minted.",
		}),
		LeafCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitm",
			Name:      "leaf_cache_hits_total",
			Help:      "TLS configs served from the leaf cache.",
		}),
		MintFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitm",
			Name:      "leaf_mint_failures_total",
			Help:      "Leaf mint attempts that failed.",
		}),
		MintDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mitm",
			Name:      "leaf_mint_duration_seconds",
			Help:      "Wall time spent minting one leaf certificate.",
			Buckets:   prometheus.DefBuckets,
		}),
		DialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitm",
			Name:      "dial_errors_total",
			Help:      "Origin connections that failed to establish.",
		}),
		ObserverFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitm",
			Name:      "observer_failures_total",
			Help:      "Observer hook invocations that returned an error or panicked.",
		}),
	}

	m.registry.MustRegister(
		m.SessionsTotal,
		m.SessionsActive,
		m.Classifications,
		m.BytesRelayed,
		m.LeafMints,
		m.LeafCacheHits,
		m.MintFailures,
		m.MintDuration,
		m.DialErrors,
		m.ObserverFailures,
	)
	return m
}

// Registry returns the registry backing every collector, for exposition.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
