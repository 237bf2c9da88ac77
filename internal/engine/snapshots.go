package engine

import (
	"context"
	"fmt"

	"sms-receive/internal/health"
	"sms-receive/internal/pool"
	"sms-receive/internal/provider"
)

// ProviderSnapshot is the read-only view the admin surface renders.
type ProviderSnapshot struct {
	Config      provider.Config `json:"config"`
	Health      health.Stats    `json:"health"`
	Blacklisted bool            `json:"blacklisted"`

	// Rank is the 1-based position for the bucket asked about; 0 means not eligible.
	Rank       int     `json:"rank"`
	Score      float64 `json:"score"`
	CostScore  float64 `json:"cost_score"`
	SpeedScore float64 `json:"speed_score"`
	Probe      bool    `json:"probe"`
}

// ProviderSnapshots reports config and live health for every provider, and
// scores when a service and country are given.
func (e *Engine) ProviderSnapshots(serviceCode, countryCode string) []ProviderSnapshot {
	configs := e.snapshot()
	out := make([]ProviderSnapshot, 0, len(configs))
	index := make(map[string]int, len(configs))
	for _, c := range configs {
		index[c.Code] = len(out)
		out = append(out, ProviderSnapshot{
			Config:      c,
			Health:      e.health.Snapshot(c.Code),
			Blacklisted: e.blacklist != nil && e.blacklist.IsBlacklisted(c.Code),
		})
	}
	if serviceCode == "" || countryCode == "" {
		return out
	}

	for i, r := range e.selector.Preview(configs, provider.ServiceCode(serviceCode), provider.CountryCode(countryCode)) {
		s := &out[index[r.Provider.Code]]
		s.Rank = i + 1
		s.Score = r.Score
		s.CostScore = r.CostScore
		s.SpeedScore = r.SpeedScore
		s.Probe = r.Probe
	}
	return out
}

func (e *Engine) HealthSnapshots() []health.Stats {
	return e.health.Snapshots()
}

// PoolStats summarizes each configured bucket plus the whole pool.
func (e *Engine) PoolStats(ctx context.Context) (pool.Stats, []pool.Stats, error) {
	total, err := e.pool.Stats(ctx, pool.Bucket{})
	if err != nil {
		return pool.Stats{}, nil, err
	}
	buckets, err := e.pool.BucketStats(ctx)
	if err != nil {
		return pool.Stats{}, nil, err
	}
	return total, buckets, nil
}

// RefillPool runs one refill pass now instead of waiting for the ticker.
func (e *Engine) RefillPool(ctx context.Context) error {
	return e.pool.Refill(ctx)
}

// ResetProviderHealth forces a provider back to healthy.
func (e *Engine) ResetProviderHealth(ctx context.Context, code string) (health.Stats, error) {
	if _, ok := e.config(code); !ok {
		return health.Stats{}, fmt.Errorf("%w: %s", provider.ErrUnknownProvider, code)
	}
	e.health.Reset(code)
	e.log.Info("provider health reset", "provider", code)
	return e.health.Snapshot(code), ctx.Err()
}

// UpsertProvider stores a provider config and applies it immediately.
func (e *Engine) UpsertProvider(ctx context.Context, c provider.Config) error {
	if c.Code == "" {
		return fmt.Errorf("%w: provider code is required", ErrInvalidRequest)
	}
	if prev, ok := e.config(c.Code); ok && c.Credentials == "" {
		c.Credentials = prev.Credentials
	}
	c.UpdatedAt = e.now().UTC()
	if err := e.providers.Upsert(ctx, c); err != nil {
		return err
	}
	return e.ReloadProviders(ctx)
}
