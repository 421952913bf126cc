package sentinel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry should not be nil")
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := NewMetrics()
	b := NewMetrics()
	a.RecordRequest("GET", "https")
	b.RecordRequest("GET", "https")
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("GET", "https")
	m.RecordRequestDuration("GET", 200, 50*time.Millisecond)
	m.RecordError("upstream")
	m.IncActiveConns()
	m.RecordConnState(StateEstablished)
	m.RecordTLSHandshakeError()
	m.RecordEdit("request")
	m.RecordDrop("response")
	m.RecordTruncated("response")
	m.SetCertCacheSize(3)
	m.RecordCertCacheHit()
	m.RecordCertCacheMiss()
	m.RecordLeafSigned(2 * time.Millisecond)
	m.RecordPluginRun("security-headers", "ok", 5*time.Millisecond)
	m.RecordFinding("security-headers", SeverityLow)
	m.RecordDuplicate()
	m.RecordPipelineDrop()
	m.RecordSinkDrop()

	handler := m.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()

	checks := []string{
		"sentinel_requests_total",
		"sentinel_request_duration_seconds",
		"sentinel_errors_total",
		"sentinel_active_connections",
		`sentinel_connection_state_transitions_total{state="established"}`,
		"sentinel_tls_handshake_errors_total",
		`sentinel_edits_total{direction="request"}`,
		"sentinel_cert_cache_size 3",
		"sentinel_leaf_sign_duration_seconds",
		`sentinel_plugin_runs_total{outcome="ok",plugin="security-headers"}`,
		`sentinel_findings_total{plugin="security-headers",severity="low"}`,
		"sentinel_findings_duplicate_total",
		"sentinel_pipeline_dropped_total",
		"sentinel_sink_dropped_total",
	}

	for _, check := range checks {
		if !strings.Contains(body, check) {
			t.Errorf("metrics output missing %q", check)
		}
	}
}
