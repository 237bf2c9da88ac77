package scoring

import (
	"math"
	"testing"
	"time"

	"sms-receive/internal/health"
	"sms-receive/internal/provider"
)

func cand(code string, cost, latency, success float64) Candidate {
	return Candidate{
		Provider:    provider.Config{Code: code, Enabled: true},
		Status:      provider.HealthHealthy,
		Cost:        cost,
		LatencyMs:   latency,
		SuccessRate: success,
	}
}

func TestRank_CheaperFasterMoreReliableWins(t *testing.T) {
	a := cand("A", 1, 10, 0.99)
	b := cand("B", 10, 1, 0.5)

	got := Rank([]Candidate{b, a}, Weights{Cost: 0.4, Speed: 0.3, SuccessRate: 0.3})
	if len(got) != 2 || got[0].Provider.Code != "A" {
		t.Fatalf("expected A first, got %+v", got)
	}
	// A: 0.4*1 + 0.3*0 + 0.3*0.99
	if math.Abs(got[0].Score-0.697) > 1e-9 {
		t.Fatalf("unexpected score for A: %v", got[0].Score)
	}
}

func TestRank_FiltersDisabledAndDown(t *testing.T) {
	off := cand("off", 1, 1, 1)
	off.Provider.Enabled = false
	down := cand("down", 1, 1, 1)
	down.Status = provider.HealthDown
	ok := cand("ok", 5, 5, 0.9)

	got := Rank([]Candidate{off, down, ok}, DefaultWeights())
	if len(got) != 1 || got[0].Provider.Code != "ok" {
		t.Fatalf("expected only ok, got %+v", got)
	}
	if Rank(nil, DefaultWeights()) != nil {
		t.Fatalf("expected nil ranking for no candidates")
	}
}

func TestRank_DegradedRanksAfterEveryHealthy(t *testing.T) {
	best := cand("best-but-degraded", 1, 1, 1)
	best.Status = provider.HealthDegraded
	worst := cand("worst-healthy", 100, 100, 0.01)

	got := Rank([]Candidate{best, worst}, DefaultWeights())
	if got[0].Provider.Code != "worst-healthy" {
		t.Fatalf("expected healthy first, got %s", got[0].Provider.Code)
	}
}

func TestRank_TieBrokenByPriority(t *testing.T) {
	a := cand("a", 2, 2, 0.9)
	a.Provider.Priority = 5
	b := cand("b", 2, 2, 0.9)
	b.Provider.Priority = 1

	got := Rank([]Candidate{a, b}, DefaultWeights())
	if got[0].Provider.Code != "b" {
		t.Fatalf("expected lower priority value first, got %s", got[0].Provider.Code)
	}
}

func TestRank_UnknownMetricsAreNeutral(t *testing.T) {
	known := cand("known", 1, 1, 0.5)
	unknown := cand("unknown", 0, 0, 0.5)
	got := Rank([]Candidate{known, unknown}, DefaultWeights())
	for _, r := range got {
		if r.Provider.Code == "unknown" && (r.CostScore != neutral || r.SpeedScore != neutral) {
			t.Fatalf("expected neutral scores, got %+v", r)
		}
		if r.Provider.Code == "known" && r.CostScore != 1 {
			t.Fatalf("single known value should score 1, got %v", r.CostScore)
		}
	}
}

func TestRank_ProviderWeightsOverrideDefaults(t *testing.T) {
	cheap := cand("cheap", 1, 100, 0.5)
	fast := cand("fast", 100, 1, 0.5)
	fast.Provider.SpeedWeight = 1

	got := Rank([]Candidate{cheap, fast}, Weights{SuccessRate: 1})
	if got[0].Provider.Code != "fast" || got[0].Score != 1 {
		t.Fatalf("expected fast to use its own speed-only weights, got %+v", got)
	}
}

func TestWeightsNormalized(t *testing.T) {
	w := Weights{Cost: 2, Speed: 1, SuccessRate: 1}.Normalized()
	if w.Cost != 0.5 || w.Speed != 0.25 {
		t.Fatalf("unexpected normalized weights: %+v", w)
	}
	if (Weights{}).Normalized() != DefaultWeights() {
		t.Fatalf("expected defaults for zero weights")
	}
}

type stubHealth struct {
	stats  map[string]health.Stats
	probes map[string]bool
}

func (s stubHealth) Snapshot(code string) health.Stats {
	if st, ok := s.stats[code]; ok {
		return st
	}
	return health.Stats{Provider: code, Status: provider.HealthHealthy}
}

func (s stubHealth) ShouldProbe(code string) bool { return s.probes[code] }
func (s stubHealth) PeekProbe(code string) bool   { return s.probes[code] }

func TestSelector_OverlaysHealthAndAppendsProbes(t *testing.T) {
	configs := []provider.Config{
		{Code: "alpha", Enabled: true, AvgCost: 0.1},
		{Code: "beta", Enabled: true, AvgCost: 0.2},
		{Code: "gamma", Enabled: true, AvgCost: 0.05},
		{Code: "tg-only", Enabled: true, Services: []string{"tg"}},
	}
	sel := &Selector{Health: stubHealth{
		stats: map[string]health.Stats{
			"alpha": {Status: provider.HealthHealthy, TotalRequests: 10, SuccessRate: 0.95, AvgLatencyMs: 800},
			"beta":  {Status: provider.HealthHealthy, TotalRequests: 10, SuccessRate: 0.6, AvgLatencyMs: 4000},
			"gamma": {Status: provider.HealthDown, LastTransitionAt: time.Unix(1700000000, 0)},
		},
		probes: map[string]bool{"gamma": true},
	}}

	got := sel.Rank(configs, "wa", "US")
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %+v", got)
	}
	if got[0].Provider.Code != "alpha" || got[1].Provider.Code != "beta" {
		t.Fatalf("unexpected order: %s, %s", got[0].Provider.Code, got[1].Provider.Code)
	}
	if got[2].Provider.Code != "gamma" || !got[2].Probe {
		t.Fatalf("expected gamma appended as probe, got %+v", got[2])
	}
}

func TestSelector_SkipsBlockedProviders(t *testing.T) {
	configs := []provider.Config{
		{Code: "alpha", Enabled: true},
		{Code: "beta", Enabled: true},
		{Code: "gamma", Enabled: true},
	}
	sel := &Selector{
		Health: stubHealth{
			stats:  map[string]health.Stats{"gamma": {Status: provider.HealthDown}},
			probes: map[string]bool{"gamma": true},
		},
		Blocked: func(code string) bool { return code == "alpha" || code == "gamma" },
	}
	got := sel.Rank(configs, "wa", "US")
	if len(got) != 1 || got[0].Provider.Code != "beta" {
		t.Fatalf("expected only beta, got %+v", got)
	}
}

func TestSelector_UsesObservedCost(t *testing.T) {
	configs := []provider.Config{
		{Code: "alpha", Enabled: true, AvgCost: 0.1},
		{Code: "beta", Enabled: true, AvgCost: 0.5},
	}
	// alpha's configured price is cheaper, but its observed purchases are not.
	sel := &Selector{
		Health: stubHealth{stats: map[string]health.Stats{
			"alpha": {Status: provider.HealthHealthy, AvgCost: 0.9},
		}},
		Weights: func() Weights { return Weights{Cost: 1} },
	}
	got := sel.Rank(configs, "wa", "US")
	if len(got) != 2 || got[0].Provider.Code != "beta" {
		t.Fatalf("expected beta first on observed cost, got %+v", got)
	}
}
