package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	if m.DeviceRequests == nil {
		t.Error("DeviceRequests metric is nil")
	}
	if m.DiscoveryRuns == nil {
		t.Error("DiscoveryRuns metric is nil")
	}
	if m.Mutations == nil {
		t.Error("Mutations metric is nil")
	}
}

func TestRecordDeviceRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDeviceRequest("/get_model", OutcomeOK, 0.12)
	m.RecordDeviceRequest("/get_model", OutcomeOK, 0.2)
	m.RecordDeviceRequest("/get_model", OutcomeNetwork, 2.2)

	if got := testutil.ToFloat64(m.DeviceRequests.WithLabelValues("/get_model", OutcomeOK)); got != 2 {
		t.Errorf("ok requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DeviceRequests.WithLabelValues("/get_model", OutcomeNetwork)); got != 1 {
		t.Errorf("network_error requests = %v, want 1", got)
	}
}

func TestRecordAuthFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordAuthFailure(false)
	m.RecordAuthFailure(true)
	m.RecordAuthFailure(true)

	if got := testutil.ToFloat64(m.AuthFailures.WithLabelValues("missing")); got != 1 {
		t.Errorf("missing = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AuthFailures.WithLabelValues("rejected")); got != 2 {
		t.Errorf("rejected = %v, want 2", got)
	}
}

func TestRecordDiscovery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDiscovery(1, 3, 2, 4)
	m.RecordDiscovery(0, 2, 2, 5)

	if got := testutil.ToFloat64(m.DiscoveryRuns); got != 2 {
		t.Errorf("DiscoveryRuns = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DiscoverySeedsFailed); got != 1 {
		t.Errorf("DiscoverySeedsFailed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DiscoveryValidated); got != 4 {
		t.Errorf("DiscoveryValidated = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.KnownHosts); got != 5 {
		t.Errorf("KnownHosts = %v, want 5", got)
	}
}

func TestRecordAggregation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRemoteExcluded("no_internal_ports")
	m.RecordRemoteExcluded("unreachable")
	m.RecordRemoteExcluded("unreachable")
	m.RecordAggregation(3, 0.4)

	if got := testutil.ToFloat64(m.RemoteIncluded); got != 3 {
		t.Errorf("RemoteIncluded = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RemoteExcluded.WithLabelValues("unreachable")); got != 2 {
		t.Errorf("unreachable = %v, want 2", got)
	}
}

func TestRecordMutation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordMutation("add_external_port", OutcomeOK)
	m.RecordMutation("add_external_port", OutcomeInvalid)

	if got := testutil.ToFloat64(m.Mutations.WithLabelValues("add_external_port", OutcomeInvalid)); got != 1 {
		t.Errorf("invalid mutations = %v, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	// None of these should panic
	m.RecordDeviceRequest("/x", OutcomeOK, 0)
	m.RecordAuthFailure(true)
	m.RecordProtectedBlocked()
	m.RecordDiscovery(0, 0, 0, 0)
	m.SetKnownHosts(1)
	m.RecordAggregation(0, 0)
	m.RecordRemoteExcluded("x")
	m.RecordMutation("x", OutcomeOK)
	m.RecordModelSuperseded()
}
