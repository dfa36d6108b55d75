package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape: expected 200, got %d", rec.Code)
	}
	b, _ := io.ReadAll(rec.Body)
	return string(b)
}

func TestMetrics_SetViewers_replaces_units(t *testing.T) {
	m := New()
	m.SetViewers(map[string]int64{"u1": 3, "u2": 7})
	m.SetViewers(map[string]int64{"u1": 4})

	out := scrape(t, m, nil)
	if !strings.Contains(out, `presence_viewers{unit="u1"} 4`) {
		t.Errorf("expected u1=4:\n%s", out)
	}
	if strings.Contains(out, `unit="u2"`) {
		t.Errorf("deleted unit must disappear from the gauge:\n%s", out)
	}
}

func TestMetrics_Handler_calls_update(t *testing.T) {
	m := New()
	called := false
	out := scrape(t, m, func() {
		called = true
		m.SetCapacity(2, 0.5)
	})
	if !called {
		t.Error("updateGauges was not invoked")
	}
	if !strings.Contains(out, "scaling_capacity_units 2") {
		t.Errorf("expected capacity gauge:\n%s", out)
	}
}

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, p := range []string{"/ok", "/bad", "/ok"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	out := scrape(t, m, nil)
	if !strings.Contains(out, "presence_requests_total 3") {
		t.Errorf("expected 3 requests:\n%s", out)
	}
	if !strings.Contains(out, "presence_errors_total 1") {
		t.Errorf("expected 1 error:\n%s", out)
	}
}

func TestMetrics_counters(t *testing.T) {
	m := New()
	m.IncScaleUp()
	m.IncScaleDown()
	m.IncReconcileRemoved("expired")
	m.IncReplication("linked")
	m.IncTickSkipped("controller")
	m.IncAnomaly()
	m.SetBreakerState("provisioner", 2)

	out := scrape(t, m, nil)
	for _, want := range []string{
		"scaling_scale_ups_total 1",
		"scaling_scale_downs_total 1",
		`presence_reconcile_removed_total{reason="expired"} 1`,
		`scaling_replication_total{outcome="linked"} 1`,
		`scheduler_ticks_skipped_total{task="controller"} 1`,
		"scaling_anomalies_total 1",
		`collaborator_circuit_breaker_state{name="provisioner"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestRequestMiddleware_labels_route_pattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(RequestMiddleware(m))
	r.Get("/units/{unit_id}/viewers", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/units/"+id+"/viewers", nil))
	}

	out := scrape(t, m, nil)
	want := `http_request_duration_seconds_count{method="GET",route="/units/{unit_id}/viewers",status="5xx"} 2`
	if !strings.Contains(out, want) {
		t.Errorf("missing %q:\n%s", want, out)
	}
}
