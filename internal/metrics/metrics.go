// Package metrics provides Prometheus metrics for the mesh panel.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "meshpanel"
)

// Request outcomes used as label values.
const (
	OutcomeOK       = "ok"
	OutcomeNetwork  = "network_error"
	OutcomeProtocol = "protocol_error"
	OutcomeAuth     = "auth_error"
	OutcomeBlocked  = "blocked"
	OutcomeInvalid  = "invalid"
)

// Metrics contains all Prometheus metrics for the panel.
//
// All Record* helpers are safe to call on a nil *Metrics, which lets
// components run without a registry in tests and one-shot CLI commands.
type Metrics struct {
	// Device request metrics
	DeviceRequests       *prometheus.CounterVec
	DeviceRequestLatency *prometheus.HistogramVec
	AuthFailures         *prometheus.CounterVec
	ProtectedBlocked     prometheus.Counter

	// Discovery metrics
	DiscoveryRuns        prometheus.Counter
	DiscoverySeedsFailed prometheus.Counter
	DiscoveryProbed      prometheus.Counter
	DiscoveryValidated   prometheus.Counter
	KnownHosts           prometheus.Gauge

	// Aggregation metrics
	AggregationRuns     prometheus.Counter
	RemoteIncluded      prometheus.Gauge
	RemoteExcluded      *prometheus.CounterVec
	AggregationDuration prometheus.Histogram

	// Mutation metrics
	Mutations *prometheus.CounterVec

	// Model feed metrics
	ModelLoadsSuperseded prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		DeviceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_requests_total",
			Help:      "Device API requests by path and outcome",
		}, []string{"path", "outcome"}),
		DeviceRequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_request_duration_seconds",
			Help:      "Histogram of device API request latency in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 1.6, 2.2, 5},
		}, []string{"path"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "HTTP 401 responses by whether a token was sent",
		}, []string{"token"}),
		ProtectedBlocked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protected_calls_blocked_total",
			Help:      "Protected calls refused locally because a token is required",
		}),

		DiscoveryRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_runs_total",
			Help:      "Total number of discovery cycles",
		}),
		DiscoverySeedsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_seed_failures_total",
			Help:      "Seeds whose peer list could not be fetched",
		}),
		DiscoveryProbed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_candidates_probed_total",
			Help:      "Candidates probed for device identity",
		}),
		DiscoveryValidated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_candidates_validated_total",
			Help:      "Candidates that answered an identity probe",
		}),
		KnownHosts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_hosts",
			Help:      "Number of hosts in the device list",
		}),

		AggregationRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_runs_total",
			Help:      "Total number of remote topology aggregation cycles",
		}),
		RemoteIncluded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_devices_linkable",
			Help:      "Remote devices exposing at least one internal port in the last cycle",
		}),
		RemoteExcluded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_devices_excluded_total",
			Help:      "Remote devices dropped from aggregation by reason",
		}, []string{"reason"}),
		AggregationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Histogram of remote topology aggregation duration",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5},
		}),

		Mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topology_mutations_total",
			Help:      "Topology mutations by operation and outcome",
		}, []string{"op", "outcome"}),

		ModelLoadsSuperseded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_superseded_total",
			Help:      "Model responses discarded because a newer load started",
		}),
	}

	return m
}

// RecordDeviceRequest records a completed device API request.
func (m *Metrics) RecordDeviceRequest(path, outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.DeviceRequests.WithLabelValues(path, outcome).Inc()
	m.DeviceRequestLatency.WithLabelValues(path).Observe(latencySeconds)
}

// RecordAuthFailure records a 401 response.
func (m *Metrics) RecordAuthFailure(hadToken bool) {
	if m == nil {
		return
	}
	label := "missing"
	if hadToken {
		label = "rejected"
	}
	m.AuthFailures.WithLabelValues(label).Inc()
}

// RecordProtectedBlocked records a protected call refused before any I/O.
func (m *Metrics) RecordProtectedBlocked() {
	if m == nil {
		return
	}
	m.ProtectedBlocked.Inc()
}

// RecordDiscovery records a finished discovery cycle.
func (m *Metrics) RecordDiscovery(seedsFailed, probed, validated, knownHosts int) {
	if m == nil {
		return
	}
	m.DiscoveryRuns.Inc()
	m.DiscoverySeedsFailed.Add(float64(seedsFailed))
	m.DiscoveryProbed.Add(float64(probed))
	m.DiscoveryValidated.Add(float64(validated))
	m.KnownHosts.Set(float64(knownHosts))
}

// SetKnownHosts sets the size of the device list.
func (m *Metrics) SetKnownHosts(count int) {
	if m == nil {
		return
	}
	m.KnownHosts.Set(float64(count))
}

// RecordAggregation records a finished aggregation cycle.
func (m *Metrics) RecordAggregation(included int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AggregationRuns.Inc()
	m.RemoteIncluded.Set(float64(included))
	m.AggregationDuration.Observe(durationSeconds)
}

// RecordRemoteExcluded records a remote device dropped from aggregation.
func (m *Metrics) RecordRemoteExcluded(reason string) {
	if m == nil {
		return
	}
	m.RemoteExcluded.WithLabelValues(reason).Inc()
}

// RecordMutation records a topology mutation attempt.
func (m *Metrics) RecordMutation(op, outcome string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(op, outcome).Inc()
}

// RecordModelSuperseded records a discarded stale model response.
func (m *Metrics) RecordModelSuperseded() {
	if m == nil {
		return
	}
	m.ModelLoadsSuperseded.Inc()
}
