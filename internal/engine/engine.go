package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sms-receive/internal/alert"
	"sms-receive/internal/audit"
	"sms-receive/internal/blacklist"
	"sms-receive/internal/events"
	"sms-receive/internal/health"
	"sms-receive/internal/lease"
	"sms-receive/internal/metrics"
	"sms-receive/internal/pool"
	"sms-receive/internal/provider"
	"sms-receive/internal/ratelimit"
	"sms-receive/internal/scoring"
	"sms-receive/internal/verification"
)

var (
	// ErrNoProviderAvailable is the terminal acquisition error. Per-provider
	// failures are absorbed and never surface on their own.
	ErrNoProviderAvailable = errors.New("engine: no provider available")
	// ErrNoCandidates means no enabled provider serves the requested bucket.
	ErrNoCandidates = fmt.Errorf("%w: no eligible provider", ErrNoProviderAvailable)
	// ErrProvidersExhausted means every attempt the request was allowed failed.
	ErrProvidersExhausted = fmt.Errorf("%w: all attempts failed", ErrNoProviderAvailable)

	ErrInvalidRequest = errors.New("engine: invalid request")
)

// Config tunes the acquisition path and the background tasks.
type Config struct {
	MaxFallbackAttempts int
	ProviderCallTimeout time.Duration
	LeaseTTL            time.Duration
	RentalDuration      time.Duration

	ExpirySweepInterval time.Duration
	InboundPollInterval time.Duration
	BalanceInterval     time.Duration
	StatsFlushInterval  time.Duration
	// BlacklistInterval paces expiry cleanup and the reload of entries
	// written by other instances.
	BlacklistInterval time.Duration

	MaxBatchSize int
	Weights      scoring.Weights
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxFallbackAttempts <= 0 {
		out.MaxFallbackAttempts = 3
	}
	if out.ProviderCallTimeout <= 0 {
		out.ProviderCallTimeout = 15 * time.Second
	}
	if out.LeaseTTL <= 0 {
		out.LeaseTTL = 20 * time.Minute
	}
	if out.RentalDuration <= 0 {
		out.RentalDuration = 24 * time.Hour
	}
	if out.ExpirySweepInterval <= 0 {
		out.ExpirySweepInterval = 30 * time.Second
	}
	if out.InboundPollInterval <= 0 {
		out.InboundPollInterval = 10 * time.Second
	}
	if out.BalanceInterval <= 0 {
		out.BalanceInterval = 5 * time.Minute
	}
	if out.StatsFlushInterval <= 0 {
		out.StatsFlushInterval = 30 * time.Second
	}
	if out.BlacklistInterval <= 0 {
		out.BlacklistInterval = time.Minute
	}
	if out.MaxBatchSize <= 0 {
		out.MaxBatchSize = 100
	}
	out.Weights = out.Weights.Normalized()
	return out
}

// Deps are the collaborators the engine is built from. Registry, Providers,
// PoolStore and Leases are required; the rest fall back to in-process defaults.
type Deps struct {
	Registry  *provider.Registry
	Providers provider.Repository
	PoolStore pool.Store
	Pool      pool.Config
	Leases    lease.Store

	Health  *health.Monitor
	Limiter *ratelimit.Manager
	// Blacklist is optional; nil disables blacklisting.
	Blacklist *blacklist.Service

	Audit     *audit.Service
	Alerts    alert.Dispatcher
	Events    events.Publisher
	Metrics   *metrics.Metrics
	Extractor *verification.Extractor
	Codes     verification.Cache

	Log *slog.Logger
}

// Engine owns every component of the acquisition path. It is built once at
// startup and passed by reference; there is no package-level state.
type Engine struct {
	cfg Config

	registry  *provider.Registry
	providers provider.Repository
	health    *health.Monitor
	limiter   *ratelimit.Manager
	blacklist *blacklist.Service
	selector  *scoring.Selector
	pool      *pool.Manager
	leases    *lease.Service

	audit     *audit.Service
	alerts    alert.Dispatcher
	events    events.Publisher
	metrics   *metrics.Metrics
	extractor *verification.Extractor
	codes     verification.Cache

	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	configs []provider.Config
	weights scoring.Weights

	// bg tracks detached work: late-call reaping, cancellations, notifications.
	bg sync.WaitGroup
	// runs tracks Run calls so Shutdown outlasts the background loops.
	runs sync.WaitGroup
}

func New(cfg Config, d Deps) (*Engine, error) {
	if d.Registry == nil || d.Providers == nil || d.PoolStore == nil || d.Leases == nil {
		return nil, errors.New("engine: registry, provider repository, pool store and lease store are required")
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:       cfg,
		registry:  d.Registry,
		providers: d.Providers,
		health:    d.Health,
		limiter:   d.Limiter,
		blacklist: d.Blacklist,
		audit:     d.Audit,
		alerts:    d.Alerts,
		events:    d.Events,
		metrics:   d.Metrics,
		extractor: d.Extractor,
		codes:     d.Codes,
		log:       log.With("component", "engine"),
		now:       time.Now,
		weights:   cfg.Weights,
	}
	if e.health == nil {
		e.health = health.NewMonitor(health.Config{})
	}
	if e.limiter == nil {
		e.limiter = ratelimit.NewManager(250 * time.Millisecond)
	}
	if e.alerts == nil {
		e.alerts = alert.Log{Logger: log}
	}
	if e.events == nil {
		e.events = events.Nop{}
	}
	if e.extractor == nil {
		e.extractor = verification.NewExtractor()
	}
	if e.codes == nil {
		e.codes = verification.NewMemoryCache(verification.DefaultTTL)
	}
	if e.metrics != nil && e.extractor.Observe == nil {
		e.extractor.Observe = e.metrics.ObserveCode
	}

	e.selector = &scoring.Selector{Health: e.health, Weights: e.Weights}
	if e.blacklist != nil {
		e.selector.Blocked = e.blacklist.IsBlacklisted
	}

	e.pool = pool.NewManager(d.PoolStore, e, d.Pool, log)
	e.pool.Reusable = e.multiUse
	e.pool.OnBucketEmpty = e.poolEmpty
	if e.metrics != nil {
		e.pool.Observer = e.metrics
	}
	e.leases = lease.NewService(d.Leases, e.pool, log)
	e.pool.HolderLive = e.leases.IsOpen

	e.health.OnTransition(e.onHealthTransition)
	return e, nil
}

// SetClock overrides the time source for leases and the pool. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.pool.SetClock(now)
	e.leases.SetClock(now)
	if e.blacklist != nil {
		e.blacklist.SetClock(now)
	}
}

func (e *Engine) Blacklist() *blacklist.Service { return e.blacklist }

func (e *Engine) Pool() *pool.Manager    { return e.pool }
func (e *Engine) Leases() *lease.Service { return e.leases }

// ReloadProviders re-reads provider configs and applies their limits.
// Live health state is kept; only unseen providers are seeded from storage.
func (e *Engine) ReloadProviders(ctx context.Context) error {
	configs, err := e.providers.List(ctx)
	if err != nil {
		return fmt.Errorf("engine: load providers: %w", err)
	}
	for _, c := range configs {
		e.limiter.Configure(c)
		e.health.Seed(c)
		if e.metrics != nil {
			e.metrics.SetHealth(c.Code, e.health.Status(c.Code))
		}
		if _, err := e.registry.Get(c.Code); err != nil && c.Enabled {
			e.log.Warn("enabled provider has no adapter", "provider", c.Code)
		}
	}

	if e.blacklist != nil {
		if err := e.blacklist.Refresh(ctx); err != nil {
			return fmt.Errorf("engine: load blacklist: %w", err)
		}
	}

	e.mu.Lock()
	e.configs = configs
	e.mu.Unlock()
	e.log.Info("providers reloaded", "count", len(configs))
	return nil
}

// SetWeights replaces the default scoring weights at runtime.
func (e *Engine) SetWeights(w scoring.Weights) {
	e.mu.Lock()
	e.weights = w.Normalized()
	e.mu.Unlock()
}

func (e *Engine) Weights() scoring.Weights {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

func (e *Engine) snapshot() []provider.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]provider.Config, len(e.configs))
	copy(out, e.configs)
	return out
}

func (e *Engine) config(code string) (provider.Config, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.configs {
		if c.Code == code {
			return c, true
		}
	}
	return provider.Config{}, false
}

func (e *Engine) multiUse(code string) bool {
	c, ok := e.config(code)
	return ok && c.SupportsMultiUse
}

// detach runs fn after the caller has returned, with its own deadline.
func (e *Engine) detach(timeout time.Duration, fn func(ctx context.Context)) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	}()
}

func (e *Engine) publish(ctx context.Context, subject string, data any) {
	if err := e.events.Publish(ctx, events.New(subject, data)); err != nil {
		e.log.Warn("event publish failed", "subject", subject, "err", err)
	}
}

func (e *Engine) notify(ctx context.Context, a alert.Alert) {
	if a.At.IsZero() {
		a.At = e.now().UTC()
	}
	if err := e.alerts.Notify(ctx, a); err != nil {
		e.log.Warn("alert dispatch failed", "kind", a.Kind, "subject", a.Subject, "err", err)
	}
}

func (e *Engine) onHealthTransition(tr health.Transition) {
	e.log.Warn("provider health changed", "provider", tr.Provider, "from", tr.From, "to", tr.To, "reason", tr.Reason)
	if e.metrics != nil {
		e.metrics.SetHealth(tr.Provider, tr.To)
	}
	// Runs on the recording goroutine; keep the request path free of I/O.
	e.detach(10*time.Second, func(ctx context.Context) {
		if e.audit != nil {
			if err := e.audit.LogProviderStatus(ctx, tr.Provider, string(tr.From), string(tr.To), tr.Reason); err != nil {
				e.log.Error("audit provider status failed", "provider", tr.Provider, "err", err)
			}
		}
		e.publish(ctx, events.ProviderStatusChange, map[string]any{
			"provider": tr.Provider,
			"from":     tr.From,
			"to":       tr.To,
			"reason":   tr.Reason,
		})
		if tr.To == provider.HealthDown {
			e.notify(ctx, alert.Alert{
				Kind:     alert.KindProviderDown,
				Severity: alert.SeverityCritical,
				Subject:  tr.Provider,
				Message:  fmt.Sprintf("provider %s is down (%s)", tr.Provider, tr.Reason),
				Labels:   map[string]string{"from": string(tr.From)},
				At:       tr.At,
			})
		}
	})
}

// failed hands a provider's failure streak to the blacklist once it is long
// enough. The write happens off the request path.
func (e *Engine) failed(code string, cause error) {
	if e.blacklist == nil {
		return
	}
	n := e.health.Snapshot(code).ConsecutiveFailures
	if n < e.blacklist.Threshold() || e.blacklist.IsBlacklisted(code) {
		return
	}
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	e.detach(10*time.Second, func(ctx context.Context) {
		entry, added, err := e.blacklist.HandleConsecutiveFailures(ctx, code, n, lastErr)
		if err != nil {
			e.log.Error("auto blacklist failed", "provider", code, "err", err)
			return
		}
		if !added {
			return
		}
		e.publish(ctx, events.ProviderBlacklisted, entry)
		e.notify(ctx, alert.Alert{
			Kind:     alert.KindProviderBlacklisted,
			Severity: alert.SeverityWarning,
			Subject:  code,
			Message:  entry.Reason,
			Labels:   map[string]string{"type": string(entry.Type)},
		})
	})
}

func (e *Engine) poolEmpty(ctx context.Context, b pool.Bucket) {
	e.notify(ctx, alert.Alert{
		Kind:     alert.KindPoolEmpty,
		Severity: alert.SeverityWarning,
		Subject:  b.ServiceCode + ":" + b.CountryCode,
		Message:  fmt.Sprintf("no available numbers for %s/%s", b.ServiceCode, b.CountryCode),
		Labels:   map[string]string{"service": b.ServiceCode, "country": b.CountryCode},
	})
}
