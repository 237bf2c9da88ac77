package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sms-receive/internal/pool"
	"sms-receive/internal/provider"
)

func gaugeValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			if metric.GetGauge() != nil {
				return metric.GetGauge().GetValue()
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func TestHealthGaugeIsOneHot(t *testing.T) {
	m := New()
	m.SetHealth("alpha", provider.HealthDegraded)
	if v := gaugeValue(t, m, "sms_receive_provider_health_status", map[string]string{"provider": "alpha", "status": "degraded"}); v != 1 {
		t.Fatalf("expected degraded=1, got %v", v)
	}
	if v := gaugeValue(t, m, "sms_receive_provider_health_status", map[string]string{"provider": "alpha", "status": "healthy"}); v != 0 {
		t.Fatalf("expected healthy=0, got %v", v)
	}
}

func TestObservePoolAndCounters(t *testing.T) {
	m := New()
	m.ObservePool(pool.Bucket{ServiceCode: "wa", CountryCode: "US"}, pool.Counts{Available: 7, Reserved: 2})
	m.ObserveAcquire("pool", "ok", 3*time.Millisecond)
	m.ObserveRateLimited("alpha")
	m.ObserveSms("alpha", false)

	if v := gaugeValue(t, m, "sms_receive_pool_numbers", map[string]string{"service": "wa", "status": "available"}); v != 7 {
		t.Fatalf("expected 7 available, got %v", v)
	}
	if v := gaugeValue(t, m, "sms_receive_acquisitions_total", map[string]string{"source": "pool"}); v != 1 {
		t.Fatalf("expected one pool acquisition, got %v", v)
	}
	if v := gaugeValue(t, m, "sms_receive_sms_received_total", map[string]string{"result": "duplicate"}); v != 1 {
		t.Fatalf("expected one duplicate, got %v", v)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveRateLimited("alpha")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sms_receive_rate_limited_total") {
		t.Fatalf("unexpected /metrics response: %d", rec.Code)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAcquire("pool", "ok", time.Second)
	m.SetHealth("alpha", provider.HealthDown)
	m.ObservePool(pool.Bucket{}, pool.Counts{})
	m.ObserveCode("")
}
