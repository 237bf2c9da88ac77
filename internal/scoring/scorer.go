package scoring

import (
	"sort"

	"sms-receive/internal/provider"
)

// DegradedPenalty is subtracted from a degraded provider's score. Scores of
// healthy providers lie in [0,1], so degraded ones always rank after them.
const DegradedPenalty = 1.0

// neutral is used for a cost or speed dimension with no observations.
const neutral = 0.5

// Weights are plain data; the engine re-reads them on every config reload.
type Weights struct {
	Cost        float64 `json:"cost"`
	Speed       float64 `json:"speed"`
	SuccessRate float64 `json:"success_rate"`
}

func DefaultWeights() Weights {
	return Weights{Cost: 0.4, Speed: 0.3, SuccessRate: 0.3}
}

// Normalized scales the weights to sum to 1. Non-positive sums fall back to the defaults.
func (w Weights) Normalized() Weights {
	if w.Cost < 0 || w.Speed < 0 || w.SuccessRate < 0 {
		return DefaultWeights()
	}
	sum := w.Cost + w.Speed + w.SuccessRate
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{Cost: w.Cost / sum, Speed: w.Speed / sum, SuccessRate: w.SuccessRate / sum}
}

// ProviderWeights returns the provider's own weights when it has any.
func ProviderWeights(c provider.Config, defaults Weights) Weights {
	w := Weights{Cost: c.CostWeight, Speed: c.SpeedWeight, SuccessRate: c.SuccessRateWeight}
	if w.Cost+w.Speed+w.SuccessRate > 0 {
		return w.Normalized()
	}
	return defaults.Normalized()
}

// Candidate is one provider with the live metrics used for scoring.
type Candidate struct {
	Provider    provider.Config
	Status      provider.HealthStatus
	Cost        float64 // 0 = unknown
	LatencyMs   float64 // 0 = unknown
	SuccessRate float64 // 0..1
}

type Ranked struct {
	Candidate

	Score      float64 `json:"score"`
	CostScore  float64 `json:"cost_score"`
	SpeedScore float64 `json:"speed_score"`

	// Probe marks a down provider admitted as a half-open trial.
	Probe bool `json:"probe"`
}

// Rank filters to enabled, non-down candidates and orders them by descending score.
// Ties go to the lower priority value, then to the provider code.
// Rank has no side effects and never reads shared state.
func Rank(cands []Candidate, defaults Weights) []Ranked {
	eligible := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if !c.Provider.Enabled || c.Status == provider.HealthDown {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return nil
	}

	costLo, costHi, costOK := bounds(eligible, func(c Candidate) float64 { return c.Cost })
	latLo, latHi, latOK := bounds(eligible, func(c Candidate) float64 { return c.LatencyMs })

	out := make([]Ranked, 0, len(eligible))
	for _, c := range eligible {
		w := ProviderWeights(c.Provider, defaults)
		r := Ranked{
			Candidate:  c,
			CostScore:  invert(c.Cost, costLo, costHi, costOK),
			SpeedScore: invert(c.LatencyMs, latLo, latHi, latOK),
		}
		r.Score = w.Cost*r.CostScore + w.Speed*r.SpeedScore + w.SuccessRate*clamp01(c.SuccessRate)
		if c.Status == provider.HealthDegraded {
			r.Score -= DegradedPenalty
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Provider.Priority != out[j].Provider.Priority {
			return out[i].Provider.Priority < out[j].Provider.Priority
		}
		return out[i].Provider.Code < out[j].Provider.Code
	})
	return out
}

// bounds returns min and max over known (positive) values.
func bounds(cs []Candidate, f func(Candidate) float64) (lo, hi float64, ok bool) {
	for _, c := range cs {
		v := f(c)
		if v <= 0 {
			continue
		}
		if !ok {
			lo, hi, ok = v, v, true
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi, ok
}

// invert maps v into [0,1] where the lowest value scores 1.
func invert(v, lo, hi float64, ok bool) float64 {
	if !ok || v <= 0 {
		return neutral
	}
	if hi == lo {
		return 1
	}
	return (hi - v) / (hi - lo)
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
