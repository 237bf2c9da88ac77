package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sms-receive/internal/provider"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a provider call cannot start within the allowed wait.
var ErrRateLimited = errors.New("ratelimit: provider rate limited")

// DistributedCap shares an in-flight cap across processes. Optional.
type DistributedCap interface {
	Acquire(ctx context.Context, providerCode string, limit int) (bool, error)
	Release(ctx context.Context, providerCode string) error
}

// Release returns the slot taken by Acquire. Safe to call more than once.
type Release func()

// Manager enforces per-provider request-rate and in-flight limits.
//
// Each provider gets a per-second bucket, a per-minute bucket and a weighted
// semaphore sized by its ConcurrentLimit. A call either gets a slot within
// MaxWait or fails fast with ErrRateLimited.
type Manager struct {
	MaxWait time.Duration
	Cap     DistributedCap
	Log     *slog.Logger
	Now     func() time.Time

	mu       sync.RWMutex
	limiters map[string]*providerLimiter
}

type providerLimiter struct {
	perSecond *rate.Limiter
	perMinute *rate.Limiter
	sem       *semaphore.Weighted
	inflight  int
}

func NewManager(maxWait time.Duration) *Manager {
	return &Manager{MaxWait: maxWait, Now: time.Now, limiters: map[string]*providerLimiter{}}
}

// Configure installs or replaces the limits for one provider.
// Zero values mean unlimited for that dimension.
func (m *Manager) Configure(c provider.Config) {
	pl := &providerLimiter{
		perSecond: newBucket(c.RateLimitPerSecond, time.Second),
		perMinute: newBucket(c.RateLimitPerMinute, time.Minute),
		inflight:  c.ConcurrentLimit,
	}
	if c.ConcurrentLimit > 0 {
		pl.sem = semaphore.NewWeighted(int64(c.ConcurrentLimit))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.limiters[c.Code]; ok && prev.inflight == pl.inflight {
		// Keep the existing semaphore so in-flight calls stay counted.
		pl.sem = prev.sem
	}
	m.limiters[c.Code] = pl
}

func newBucket(n int, per time.Duration) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(per/time.Duration(n)), n)
}

func (m *Manager) get(code string) *providerLimiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limiters[code]
}

// Acquire waits at most MaxWait for both buckets and an in-flight slot.
func (m *Manager) Acquire(ctx context.Context, code string) (Release, error) {
	pl := m.get(code)
	if pl == nil {
		return nil, fmt.Errorf("ratelimit: provider %s not configured", code)
	}
	now := m.now()

	rs := pl.perSecond.ReserveN(now, 1)
	rm := pl.perMinute.ReserveN(now, 1)
	if !rs.OK() || !rm.OK() {
		rs.CancelAt(now)
		rm.CancelAt(now)
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, code)
	}
	delay := max(rs.DelayFrom(now), rm.DelayFrom(now))
	if delay > m.MaxWait {
		rs.CancelAt(now)
		rm.CancelAt(now)
		return nil, fmt.Errorf("%w: %s: next token in %s", ErrRateLimited, code, delay)
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			rs.Cancel()
			rm.Cancel()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if pl.sem != nil && !pl.sem.TryAcquire(1) {
		remaining := m.MaxWait - delay
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s: %d calls in flight", ErrRateLimited, code, pl.inflight)
		}
		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		err := pl.sem.Acquire(waitCtx, 1)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s: %d calls in flight", ErrRateLimited, code, pl.inflight)
		}
	}

	if m.Cap != nil && pl.inflight > 0 {
		ok, err := m.Cap.Acquire(ctx, code, pl.inflight)
		if err != nil {
			// Redis trouble must not stop traffic; the local semaphore still applies.
			m.logger().Warn("distributed cap unavailable", "provider", code, "err", err)
		} else if !ok {
			if pl.sem != nil {
				pl.sem.Release(1)
			}
			return nil, fmt.Errorf("%w: %s: cluster in-flight cap reached", ErrRateLimited, code)
		} else {
			return m.release(code, pl, true), nil
		}
	}
	return m.release(code, pl, false), nil
}

func (m *Manager) release(code string, pl *providerLimiter, shared bool) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			if pl.sem != nil {
				pl.sem.Release(1)
			}
			if shared {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := m.Cap.Release(ctx, code); err != nil {
					m.logger().Warn("distributed cap release failed", "provider", code, "err", err)
				}
			}
		})
	}
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Manager) logger() *slog.Logger {
	if m.Log == nil {
		return slog.Default()
	}
	return m.Log
}
