package provider

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and sandbox runs.
type MemoryRepo struct {
	mu      sync.Mutex
	configs map[string]Config
}

func NewMemoryRepo(configs ...Config) *MemoryRepo {
	r := &MemoryRepo{configs: make(map[string]Config, len(configs))}
	for _, c := range configs {
		r.configs[c.Code] = c
	}
	return r
}

func (r *MemoryRepo) List(ctx context.Context) ([]Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Config, 0, len(r.configs))
	for _, c := range r.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (r *MemoryRepo) Get(ctx context.Context, code string) (Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[code]
	if !ok {
		return Config{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) Upsert(ctx context.Context, c Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.configs[c.Code]; ok {
		c.TotalRequests, c.TotalSuccess, c.TotalFailures = prev.TotalRequests, prev.TotalSuccess, prev.TotalFailures
		c.CreatedAt = prev.CreatedAt
	}
	r.configs[c.Code] = c
	return nil
}

func (r *MemoryRepo) ApplyStats(ctx context.Context, code string, d StatsDelta, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[code]
	if !ok {
		return ErrNotFound
	}
	c.TotalRequests += d.Requests
	c.TotalSuccess += d.Success
	c.TotalFailures += d.Failures
	c.AvgReceiveTimeMs = d.AvgReceiveTimeMs
	c.P95ReceiveTimeMs = d.P95ReceiveTimeMs
	c.LastSuccessRate = d.SuccessRate
	if d.AvgCost > 0 {
		c.AvgCost = d.AvgCost
	}
	if d.Status.Valid() {
		c.HealthStatus = d.Status
	}
	c.UpdatedAt = now
	r.configs[code] = c
	return nil
}
