package scoring

import (
	"sms-receive/internal/health"
	"sms-receive/internal/provider"
)

// HealthSource is the part of the health monitor the selector reads.
type HealthSource interface {
	Snapshot(code string) health.Stats
	ShouldProbe(code string) bool
	PeekProbe(code string) bool
}

// Selector builds the ranked candidate list for one request.
type Selector struct {
	Health  HealthSource
	Weights func() Weights
	// Blocked reports blacklisted providers. They are never candidates, not even probes.
	Blocked func(code string) bool
}

// Rank overlays live health onto configs, scores the eligible providers and
// appends down providers admitted for a half-open probe at the end.
// Admitting a probe consumes that provider's probe slot.
func (s *Selector) Rank(configs []provider.Config, serviceCode, countryCode string) []Ranked {
	return s.rank(configs, serviceCode, countryCode, false)
}

// Preview ranks like Rank but leaves probe slots untouched, for read-only views.
func (s *Selector) Preview(configs []provider.Config, serviceCode, countryCode string) []Ranked {
	return s.rank(configs, serviceCode, countryCode, true)
}

func (s *Selector) rank(configs []provider.Config, serviceCode, countryCode string, peek bool) []Ranked {
	cands := make([]Candidate, 0, len(configs))
	var probes []Ranked
	for _, c := range configs {
		if !c.Enabled || !c.Supports(serviceCode, countryCode) {
			continue
		}
		if s.Blocked != nil && s.Blocked(c.Code) {
			continue
		}
		cand := s.candidate(c)
		if cand.Status == provider.HealthDown {
			if s.probe(c.Code, peek) {
				probes = append(probes, Ranked{Candidate: cand, Probe: true})
			}
			continue
		}
		cands = append(cands, cand)
	}

	w := DefaultWeights()
	if s.Weights != nil {
		w = s.Weights()
	}
	return append(Rank(cands, w), probes...)
}

func (s *Selector) probe(code string, peek bool) bool {
	if s.Health == nil {
		return false
	}
	if peek {
		return s.Health.PeekProbe(code)
	}
	return s.Health.ShouldProbe(code)
}

func (s *Selector) candidate(c provider.Config) Candidate {
	cand := Candidate{
		Provider:    c,
		Status:      c.HealthStatus,
		Cost:        c.AvgCost,
		LatencyMs:   c.AvgReceiveTimeMs,
		SuccessRate: neutral,
	}
	if c.TotalRequests > 0 {
		cand.SuccessRate = c.LastSuccessRate
	}
	if !cand.Status.Valid() {
		cand.Status = provider.HealthHealthy
	}
	if s.Health == nil {
		return cand
	}
	st := s.Health.Snapshot(c.Code)
	cand.Status = st.Status
	if st.TotalRequests > 0 {
		cand.SuccessRate = st.SuccessRate
	}
	if st.AvgLatencyMs > 0 {
		cand.LatencyMs = st.AvgLatencyMs
	}
	if st.AvgCost > 0 {
		cand.Cost = st.AvgCost
	}
	return cand
}
