package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /health", 200, 15*time.Millisecond)
	r.Observe("GET /health", 503, 35*time.Millisecond)
	r.IncDenial("rate_limited", "global")
	r.IncDenial("rate_limited", "global")
	r.IncDenial("circuit_open", "billing")
	r.IncDenial("", "ignored")
	r.IncTransition("billing", "OPEN")
	r.ObserveDispatch("billing", "failure", 20*time.Millisecond)
	r.ObserveRateLimitStore(true)
	r.SetGauge(GaugeCircuitsOpen, 1)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /health"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 35 {
		t.Fatalf("unexpected endpoint stat %+v", ep)
	}
	if snap.AdmissionDenials["rate_limited|global"] != 2 {
		t.Fatalf("unexpected denials %v", snap.AdmissionDenials)
	}
	if len(snap.AdmissionDenials) != 2 {
		t.Fatalf("empty reason should be ignored: %v", snap.AdmissionDenials)
	}
	if snap.CircuitTransition["billing|OPEN"] != 1 {
		t.Fatalf("unexpected transitions %v", snap.CircuitTransition)
	}
	if snap.DispatchOutcomes["billing|failure"] != 1 {
		t.Fatalf("unexpected outcomes %v", snap.DispatchOutcomes)
	}
	if snap.RateLimitDegraded != 1 || snap.Gauges[GaugeRateLimitDegraded] != 1 {
		t.Fatalf("degraded counter not recorded: %+v", snap)
	}
	if len(snap.DispatchLatency) != 1 || snap.DispatchLatency[0].Destination != "billing" || snap.DispatchLatency[0].Failures != 1 {
		t.Fatalf("expected dispatch latency, got %+v", snap.DispatchLatency)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.IncTransition("crm", "HALF_OPEN")
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.CircuitTransition["crm|HALF_OPEN"] != 1 {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /api/v1/auth/login", 200, 12*time.Millisecond)
	r.IncDenial("rate_limited", "credential")
	r.IncTransition("billing", "OPEN")
	r.ObserveDispatch("billing", "success", 30*time.Millisecond)
	r.ObserveRateLimitStore(true)
	r.ObserveRateLimitStore(false)

	rec := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`gateway_endpoint_count{endpoint="POST /api/v1/auth/login"} 1`,
		`gateway_admission_denied_total{reason="rate_limited",scope="credential"} 1`,
		`gateway_circuit_transitions_total{destination="billing",to="OPEN"} 1`,
		`gateway_dispatch_total{destination="billing",outcome="success"} 1`,
		`gateway_ratelimit_degraded_total 1`,
		`gateway_gauge{name="ratelimit_degraded"} 0.000`,
		`gateway_dispatch_latency_seconds_count{destination="billing"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}
