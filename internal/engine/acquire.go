package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sms-receive/internal/events"
	"sms-receive/internal/health"
	"sms-receive/internal/lease"
	"sms-receive/internal/pool"
	"sms-receive/internal/provider"
	"sms-receive/internal/ratelimit"
	"sms-receive/internal/scoring"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	selectedByPool   = "pool"
	batchConcurrency = 8
)

// AcquireRequest is one caller asking for a number.
type AcquireRequest struct {
	ServiceCode string           `json:"service_code"`
	CountryCode string           `json:"country_code"`
	DeviceID    string           `json:"device_id,omitempty"`
	UserID      string           `json:"user_id,omitempty"`
	RentalType  lease.RentalType `json:"rental_type,omitempty"`

	// Provider is tried first when set. With ForceProvider it is the only
	// candidate and the pool is skipped.
	Provider      string `json:"provider,omitempty"`
	ForceProvider bool   `json:"force_provider,omitempty"`
}

func (r *AcquireRequest) normalize() error {
	r.ServiceCode = provider.ServiceCode(r.ServiceCode)
	r.CountryCode = provider.CountryCode(r.CountryCode)
	if r.ServiceCode == "" || r.CountryCode == "" {
		return fmt.Errorf("%w: service_code and country_code are required", ErrInvalidRequest)
	}
	if r.RentalType == "" {
		r.RentalType = lease.RentalOneTime
	}
	if !r.RentalType.Valid() {
		return fmt.Errorf("%w: unknown rental_type %q", ErrInvalidRequest, r.RentalType)
	}
	if r.ForceProvider && r.Provider == "" {
		return fmt.Errorf("%w: force_provider needs provider", ErrInvalidRequest)
	}
	return nil
}

// attempt is one provider call made for a request, kept for the audit trail.
type attempt struct {
	Provider string `json:"provider"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
}

// AcquireNumber hands out a number: from the pool when the bucket has one,
// otherwise from the best-ranked providers, trying at most
// MaxFallbackAttempts of them. The only provider-side error a caller sees is
// one wrapping ErrNoProviderAvailable.
func (e *Engine) AcquireNumber(ctx context.Context, req AcquireRequest) (lease.Lease, error) {
	start := time.Now()
	if err := req.normalize(); err != nil {
		return lease.Lease{}, err
	}
	leaseID := uuid.NewString()
	e.publish(ctx, events.NumberRequested, map[string]any{
		"lease_id":     leaseID,
		"service_code": req.ServiceCode,
		"country_code": req.CountryCode,
		"device_id":    req.DeviceID,
		"rental_type":  req.RentalType,
	})

	// Rentals outlive pooled validity, so they are always bought fresh.
	if !req.ForceProvider && req.RentalType == lease.RentalOneTime {
		l, ok, err := e.fromPool(ctx, req, leaseID)
		if err != nil {
			e.metrics.ObserveAcquire("pool", "error", time.Since(start))
			return lease.Lease{}, err
		}
		if ok {
			e.metrics.ObserveAcquire("pool", "success", time.Since(start))
			return l, nil
		}
	}

	l, err := e.fromProviders(ctx, req, leaseID)
	if err != nil {
		e.metrics.ObserveAcquire("provider", "failed", time.Since(start))
		return lease.Lease{}, err
	}
	e.metrics.ObserveAcquire("provider", "success", time.Since(start))
	return l, nil
}

func (e *Engine) newLease(req AcquireRequest, id string) lease.Lease {
	return lease.Lease{
		ID:          id,
		ServiceCode: req.ServiceCode,
		CountryCode: req.CountryCode,
		DeviceID:    req.DeviceID,
		UserID:      req.UserID,
		RentalType:  req.RentalType,
		State:       lease.StateRequested,
	}
}

// activate sets the lease window and moves it to active.
// One-time leases end at the earlier of the upstream expiry and now+LeaseTTL.
func (e *Engine) activate(l *lease.Lease, upstream, now time.Time) error {
	if l.RentalType == lease.RentalRental {
		start, end := now, now.Add(e.cfg.RentalDuration)
		l.RentalStart, l.RentalEnd = &start, &end
		l.ExpiresAt = end
	} else {
		l.ExpiresAt = now.Add(e.cfg.LeaseTTL)
		if !upstream.IsZero() && upstream.Before(l.ExpiresAt) {
			l.ExpiresAt = upstream
		}
	}
	if l.State == lease.StateRequested {
		if err := l.Apply(lease.EventProvision, now); err != nil {
			return err
		}
	}
	return l.Apply(lease.EventActivate, now)
}

// fromPool never blocks on refill; a miss only nudges the refill loop.
func (e *Engine) fromPool(ctx context.Context, req AcquireRequest, leaseID string) (lease.Lease, bool, error) {
	n, ok, err := e.pool.TryReserve(ctx, req.ServiceCode, req.CountryCode, leaseID)
	if err != nil {
		e.log.Warn("pool reservation failed, falling back to providers", "service", req.ServiceCode, "country", req.CountryCode, "err", err)
		return lease.Lease{}, false, nil
	}
	if !ok {
		return lease.Lease{}, false, nil
	}

	now := e.now().UTC()
	l := e.newLease(req, leaseID)
	l.Provider = n.Provider
	l.ProviderActivationID = n.ProviderActivationID
	l.PhoneNumber = n.PhoneNumber
	l.Cost = n.Cost
	l.Currency = n.Currency
	l.FromPool = true
	l.PoolID = n.ID
	l.SelectedByAlgorithm = selectedByPool
	if err := e.activate(&l, n.ExpiresAt, now); err != nil {
		e.returnToPool(ctx, n.ID, leaseID)
		return lease.Lease{}, false, err
	}

	opened, err := e.leases.Open(ctx, l)
	if err != nil {
		e.returnToPool(ctx, n.ID, leaseID)
		return lease.Lease{}, false, err
	}
	e.log.Info("number served from pool", "lease_id", opened.ID, "pool_id", n.ID, "provider", n.Provider)
	e.publish(ctx, events.NumberFromPool, opened)
	return opened, true, nil
}

func (e *Engine) returnToPool(ctx context.Context, id, leaseID string) {
	if _, err := e.pool.Release(ctx, id, leaseID, pool.OutcomeFailure); err != nil {
		e.log.Error("return reserved number failed", "pool_id", id, "lease_id", leaseID, "err", err)
	}
}

func (e *Engine) fromProviders(ctx context.Context, req AcquireRequest, leaseID string) (lease.Lease, error) {
	l := e.newLease(req, leaseID)

	ranked := preferProvider(e.selector.Rank(e.snapshot(), req.ServiceCode, req.CountryCode), req.Provider, req.ForceProvider)
	if len(ranked) == 0 {
		return e.fail(ctx, l, ErrNoCandidates, nil)
	}

	p, idx, attempts, err := e.purchase(ctx, ranked, req.ServiceCode, req.CountryCode)
	e.metrics.ObserveFallbacks(len(attempts) - 1)
	if err != nil {
		if ctx.Err() != nil {
			return lease.Lease{}, ctx.Err()
		}
		return e.fail(ctx, l, ErrProvidersExhausted, attempts)
	}

	now := e.now().UTC()
	code := ranked[idx].Provider.Code
	l.Provider = code
	l.ProviderActivationID = p.ActivationID
	l.PhoneNumber = p.PhoneNumber
	l.Cost = p.Cost
	l.Currency = p.Currency
	l.SelectedByAlgorithm = code
	l.FallbackCount = idx
	if err := e.activate(&l, p.ExpiresAt, now); err != nil {
		e.cancelActivation(ctx, code, p.ActivationID)
		return lease.Lease{}, err
	}

	opened, err := e.leases.Open(ctx, l)
	if err != nil {
		// The number is paid for but nobody holds it; hand it back upstream.
		e.cancelActivation(ctx, code, p.ActivationID)
		return lease.Lease{}, err
	}
	e.log.Info("number purchased", "lease_id", opened.ID, "provider", code, "fallback_count", idx)
	return opened, nil
}

// fail persists a terminal failure marker and audits it.
func (e *Engine) fail(ctx context.Context, l lease.Lease, cause error, attempts []attempt) (lease.Lease, error) {
	if _, err := e.leases.RecordFailure(ctx, l, cause.Error()); err != nil {
		e.log.Error("record failed lease", "lease_id", l.ID, "err", err)
	}
	if e.audit != nil {
		meta := map[string]any{
			"service_code": l.ServiceCode,
			"country_code": l.CountryCode,
			"attempts":     attempts,
		}
		if err := e.audit.LogLeaseFailed(ctx, l.ID, cause.Error(), meta); err != nil {
			e.log.Error("audit lease failure", "lease_id", l.ID, "err", err)
		}
	}
	e.log.Warn("no provider available", "lease_id", l.ID, "service", l.ServiceCode, "country", l.CountryCode, "attempts", len(attempts), "err", cause)
	return lease.Lease{}, cause
}

// purchase walks ranked candidates, trying at most MaxFallbackAttempts of
// them. It returns the purchase and the index of the provider that sold it.
func (e *Engine) purchase(ctx context.Context, ranked []scoring.Ranked, serviceCode, countryCode string) (provider.Purchase, int, []attempt, error) {
	limit := min(e.cfg.MaxFallbackAttempts, len(ranked))
	attempts := make([]attempt, 0, limit)
	var last error
	for i := 0; i < limit; i++ {
		code := ranked[i].Provider.Code
		p, outcome, err := e.call(ctx, code, serviceCode, countryCode)
		a := attempt{Provider: code, Outcome: outcome}
		if err == nil {
			attempts = append(attempts, a)
			if p.ProviderCode == "" {
				p.ProviderCode = code
			}
			return p, i, attempts, nil
		}
		a.Error = err.Error()
		attempts = append(attempts, a)
		last = err
		if ctx.Err() != nil {
			return provider.Purchase{}, i, attempts, ctx.Err()
		}
		e.log.Warn("provider attempt failed", "provider", code, "attempt", i+1, "outcome", outcome, "err", err)
	}
	if last == nil {
		last = ErrNoCandidates
	}
	return provider.Purchase{}, -1, attempts, last
}

type purchaseResult struct {
	p   provider.Purchase
	err error
}

// call makes one rate-limited purchase with its own deadline. On timeout it
// returns at once; the in-flight call is left to finish in the background and
// a number it still manages to buy is cancelled upstream.
func (e *Engine) call(ctx context.Context, code, serviceCode, countryCode string) (provider.Purchase, string, error) {
	adapter, err := e.registry.Get(code)
	if err != nil {
		return provider.Purchase{}, "unavailable", err
	}
	release, err := e.limiter.Acquire(ctx, code)
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			e.health.Record(code, health.OutcomeRateLimited, 0)
			e.metrics.ObserveRateLimited(code)
			return provider.Purchase{}, health.OutcomeRateLimited.String(), err
		}
		return provider.Purchase{}, "error", err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderCallTimeout)
	done := make(chan purchaseResult, 1)
	start := time.Now()
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer release()
		p, err := adapter.PurchaseNumber(callCtx, serviceCode, countryCode)
		done <- purchaseResult{p: p, err: err}
	}()

	select {
	case res := <-done:
		cancel()
		d := time.Since(start)
		if res.err != nil {
			e.record(code, health.OutcomeFailure, d)
			e.failed(code, res.err)
			return provider.Purchase{}, health.OutcomeFailure.String(), provider.Failure(code, res.err)
		}
		e.health.RecordCost(code, res.p.Cost)
		e.record(code, health.OutcomeSuccess, d)
		return res.p, health.OutcomeSuccess.String(), nil
	case <-callCtx.Done():
		cancel()
		if ctx.Err() != nil {
			e.reapLate(code, adapter, done)
			return provider.Purchase{}, "cancelled", ctx.Err()
		}
		e.record(code, health.OutcomeTimeout, e.cfg.ProviderCallTimeout)
		e.failed(code, callCtx.Err())
		e.reapLate(code, adapter, done)
		return provider.Purchase{}, health.OutcomeTimeout.String(), provider.Failure(code, callCtx.Err())
	}
}

func (e *Engine) record(code string, o health.Outcome, d time.Duration) {
	e.health.Record(code, o, d)
	e.metrics.ObserveProviderCall(code, "purchase", o.String(), d)
}

// reapLate waits for an abandoned call and cancels whatever it bought.
func (e *Engine) reapLate(code string, adapter provider.Adapter, done <-chan purchaseResult) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		res := <-done
		if res.err != nil || res.p.ActivationID == "" {
			return
		}
		e.log.Warn("late purchase after deadline, cancelling", "provider", code, "activation_id", res.p.ActivationID)
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ProviderCallTimeout)
		defer cancel()
		e.cancelWith(ctx, adapter, res.p.ActivationID)
	}()
}

func (e *Engine) cancelActivation(ctx context.Context, code, activationID string) {
	if activationID == "" {
		return
	}
	adapter, err := e.registry.Get(code)
	if err != nil {
		e.log.Error("cancel activation: no adapter", "provider", code, "activation_id", activationID)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderCallTimeout)
	defer cancel()
	e.cancelWith(callCtx, adapter, activationID)
}

func (e *Engine) cancelWith(ctx context.Context, adapter provider.Adapter, activationID string) {
	c, ok := adapter.(provider.Canceler)
	if !ok {
		return
	}
	start := time.Now()
	err := c.CancelActivation(ctx, activationID)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		e.log.Error("cancel activation failed", "provider", adapter.Code(), "activation_id", activationID, "err", err)
	}
	e.metrics.ObserveProviderCall(adapter.Code(), "cancel", outcome, time.Since(start))
}

// preferProvider moves code to the front, or keeps only it when forced.
func preferProvider(ranked []scoring.Ranked, code string, force bool) []scoring.Ranked {
	if code == "" {
		return ranked
	}
	for i, r := range ranked {
		if r.Provider.Code != code {
			continue
		}
		if force {
			return []scoring.Ranked{r}
		}
		out := make([]scoring.Ranked, 0, len(ranked))
		out = append(out, r)
		out = append(out, ranked[:i]...)
		return append(out, ranked[i+1:]...)
	}
	if force {
		return nil
	}
	return ranked
}

// PurchaseForPool implements pool.Purchaser with the same ranking, rate
// limiting and health accounting as live requests.
func (e *Engine) PurchaseForPool(ctx context.Context, serviceCode, countryCode string) (provider.Purchase, error) {
	ranked := e.selector.Rank(e.snapshot(), serviceCode, countryCode)
	if len(ranked) == 0 {
		return provider.Purchase{}, ErrNoCandidates
	}
	p, _, _, err := e.purchase(ctx, ranked, serviceCode, countryCode)
	if err != nil {
		if ctx.Err() != nil {
			return provider.Purchase{}, ctx.Err()
		}
		return provider.Purchase{}, fmt.Errorf("%w: %w", ErrProvidersExhausted, err)
	}
	if p.ServiceCode == "" {
		p.ServiceCode = serviceCode
	}
	if p.CountryCode == "" {
		p.CountryCode = countryCode
	}
	return p, nil
}

// BatchItem is the outcome for one device of a batch request.
type BatchItem struct {
	DeviceID string       `json:"device_id"`
	Lease    *lease.Lease `json:"lease,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// BatchAcquire runs AcquireNumber for each device with bounded concurrency.
// Per-device failures are reported in the items, not as an error.
func (e *Engine) BatchAcquire(ctx context.Context, base AcquireRequest, deviceIDs []string) ([]BatchItem, error) {
	if len(deviceIDs) == 0 {
		return nil, fmt.Errorf("%w: device_ids is empty", ErrInvalidRequest)
	}
	if len(deviceIDs) > e.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: at most %d devices per batch", ErrInvalidRequest, e.cfg.MaxBatchSize)
	}
	if err := base.normalize(); err != nil {
		return nil, err
	}

	out := make([]BatchItem, len(deviceIDs))
	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, id := range deviceIDs {
		i, id := i, id
		g.Go(func() error {
			req := base
			req.DeviceID = id
			out[i].DeviceID = id
			l, err := e.AcquireNumber(ctx, req)
			if err != nil {
				out[i].Error = err.Error()
				return nil
			}
			out[i].Lease = &l
			return nil
		})
	}
	_ = g.Wait()
	return out, ctx.Err()
}
