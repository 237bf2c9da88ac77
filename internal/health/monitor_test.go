package health

import (
	"testing"
	"time"

	"sms-receive/internal/provider"
)

func newTestMonitor() *Monitor {
	m := NewMonitor(Config{})
	now := time.Unix(1700000000, 0)
	m.Now = func() time.Time { return now }
	m.Rand = func() float64 { return 1 }
	return m
}

func TestRecord_TenConsecutiveFailuresMoveToDown(t *testing.T) {
	m := newTestMonitor()
	var transitions []Transition
	m.OnTransition(func(tr Transition) { transitions = append(transitions, tr) })

	for i := 0; i < 10; i++ {
		m.Record("alpha", OutcomeFailure, 0)
	}
	if got := m.Status("alpha"); got != provider.HealthDown {
		t.Fatalf("expected down, got %s", got)
	}
	if len(transitions) == 0 || transitions[len(transitions)-1].To != provider.HealthDown {
		t.Fatalf("expected a transition to down, got %+v", transitions)
	}
	s := m.Snapshot("alpha")
	if s.TotalFailures != 10 || s.ConsecutiveFailures != 10 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestRecord_ConsecutiveFailureCapAppliesWithSlowEWMA(t *testing.T) {
	m := NewMonitor(Config{Alpha: 0.01, MaxConsecutiveFailures: 4})
	for i := 0; i < 3; i++ {
		m.Record("alpha", OutcomeTimeout, 0)
	}
	if m.Status("alpha") == provider.HealthDown {
		t.Fatalf("expected not down before the cap")
	}
	m.Record("alpha", OutcomeTimeout, 0)
	if m.Status("alpha") != provider.HealthDown {
		t.Fatalf("expected down at the cap")
	}
}

func TestRecord_SingleSuccessWhileDownDoesNotRecover(t *testing.T) {
	m := newTestMonitor()
	for i := 0; i < 10; i++ {
		m.Record("alpha", OutcomeFailure, 0)
	}
	m.Record("alpha", OutcomeSuccess, 200*time.Millisecond)
	if got := m.Status("alpha"); got != provider.HealthDown {
		t.Fatalf("expected still down after one success, got %s", got)
	}

	m.Record("alpha", OutcomeSuccess, 200*time.Millisecond)
	m.Record("alpha", OutcomeSuccess, 200*time.Millisecond)
	if got := m.Status("alpha"); got != provider.HealthDegraded {
		t.Fatalf("expected degraded after recovery run, got %s", got)
	}
	for i := 0; i < 10; i++ {
		m.Record("alpha", OutcomeSuccess, 200*time.Millisecond)
	}
	if got := m.Status("alpha"); got != provider.HealthHealthy {
		t.Fatalf("expected healthy after sustained success, got %s", got)
	}
}

func TestRecord_LowSuccessRateDegrades(t *testing.T) {
	m := newTestMonitor()
	for i := 0; i < 5; i++ {
		m.Record("alpha", OutcomeSuccess, 100*time.Millisecond)
	}
	m.Record("alpha", OutcomeFailure, 0)
	m.Record("alpha", OutcomeFailure, 0)
	if got := m.Status("alpha"); got != provider.HealthDegraded {
		t.Fatalf("expected degraded, got %s (rate %.2f)", got, m.Snapshot("alpha").SuccessRate)
	}
}

func TestRecord_SlowP95Degrades(t *testing.T) {
	m := NewMonitor(Config{DegradedP95: time.Second})
	for i := 0; i < 20; i++ {
		m.Record("alpha", OutcomeSuccess, 3*time.Second)
	}
	if got := m.Status("alpha"); got != provider.HealthDegraded {
		t.Fatalf("expected degraded on slow p95, got %s", got)
	}
}

func TestRecord_RateLimitedDoesNotAffectHealth(t *testing.T) {
	m := newTestMonitor()
	for i := 0; i < 50; i++ {
		m.Record("alpha", OutcomeRateLimited, 0)
	}
	s := m.Snapshot("alpha")
	if s.Status != provider.HealthHealthy || s.SuccessRate != 1 || s.TotalRequests != 0 || s.RateLimited != 50 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestShouldProbe_OnlyDownProvidersAndOncePerInterval(t *testing.T) {
	m := newTestMonitor()
	now := time.Unix(1700000000, 0)
	m.Now = func() time.Time { return now }

	if m.ShouldProbe("alpha") {
		t.Fatalf("healthy provider is never probed")
	}
	for i := 0; i < 10; i++ {
		m.Record("alpha", OutcomeFailure, 0)
	}
	if !m.ShouldProbe("alpha") {
		t.Fatalf("expected first probe")
	}
	if m.ShouldProbe("alpha") {
		t.Fatalf("expected no second probe within interval")
	}
	now = now.Add(31 * time.Second)
	if !m.ShouldProbe("alpha") {
		t.Fatalf("expected probe after interval")
	}
	m.Rand = func() float64 { return 0 }
	if !m.ShouldProbe("alpha") {
		t.Fatalf("expected random probe fraction")
	}
}

func TestReset(t *testing.T) {
	m := newTestMonitor()
	for i := 0; i < 10; i++ {
		m.Record("alpha", OutcomeFailure, 0)
	}
	m.Reset("alpha")
	if m.Status("alpha") != provider.HealthHealthy {
		t.Fatalf("expected healthy after reset")
	}
}

func TestSeedAndDrain(t *testing.T) {
	m := newTestMonitor()
	m.Seed(provider.Config{Code: "alpha", HealthStatus: provider.HealthDegraded, TotalRequests: 100, LastSuccessRate: 0.7})
	if m.Status("alpha") != provider.HealthDegraded {
		t.Fatalf("expected seeded status")
	}

	m.Record("alpha", OutcomeSuccess, 500*time.Millisecond)
	m.Record("alpha", OutcomeFailure, 0)
	d := m.Drain()
	got, ok := d["alpha"]
	if !ok || got.Requests != 2 || got.Success != 1 || got.Failures != 1 {
		t.Fatalf("unexpected delta: %+v", d)
	}
	if len(m.Drain()) != 0 {
		t.Fatalf("expected empty drain after flush")
	}

	m.Requeue("alpha", got)
	if again := m.Drain()["alpha"]; again.Requests != 2 {
		t.Fatalf("expected requeued counters, got %+v", again)
	}
}

func TestPeekProbe_LeavesIntervalSlotOpen(t *testing.T) {
	m := newTestMonitor()
	for i := 0; i < 10; i++ {
		m.Record("alpha", OutcomeFailure, 0)
	}
	for i := 0; i < 3; i++ {
		if !m.PeekProbe("alpha") {
			t.Fatalf("expected open slot on peek %d", i)
		}
	}
	if !m.ShouldProbe("alpha") {
		t.Fatalf("expected the slot to still be available after peeks")
	}
	if m.PeekProbe("alpha") {
		t.Fatalf("expected closed slot once taken")
	}
	if m.PeekProbe("beta") {
		t.Fatalf("healthy provider has no slot")
	}
}

func TestRecordCost_AveragesObservedPrices(t *testing.T) {
	m := newTestMonitor()
	m.RecordCost("alpha", 0)
	if got := m.Snapshot("alpha").AvgCost; got != 0 {
		t.Fatalf("zero cost must be ignored, got %v", got)
	}
	m.RecordCost("alpha", 1.0)
	if got := m.Snapshot("alpha").AvgCost; got != 1.0 {
		t.Fatalf("expected first sample to set average, got %v", got)
	}
	m.RecordCost("alpha", 0.5)
	got := m.Snapshot("alpha").AvgCost
	if got >= 1.0 || got <= 0.5 {
		t.Fatalf("expected average between samples, got %v", got)
	}
	m.Record("alpha", OutcomeSuccess, 100*time.Millisecond)
	if d := m.Drain()["alpha"]; d.AvgCost != got {
		t.Fatalf("expected drained cost %v, got %v", got, d.AvgCost)
	}
}
