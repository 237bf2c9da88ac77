package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sms-receive/internal/alert"
	"sms-receive/internal/provider"

	"golang.org/x/sync/errgroup"
)

// Run starts the background tasks and blocks until ctx is cancelled.
// Each task talks to the rest of the engine only through the same
// compare-and-set and store APIs that requests use.
func (e *Engine) Run(ctx context.Context) error {
	e.runs.Add(1)
	defer e.runs.Done()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pool.RunRefill(ctx) })
	g.Go(func() error { return e.pool.RunSweep(ctx) })
	g.Go(func() error { return e.every(ctx, "lease_expiry", e.cfg.ExpirySweepInterval, e.expireDue) })
	g.Go(func() error { return e.every(ctx, "inbound_poll", e.cfg.InboundPollInterval, e.PollInbound) })
	g.Go(func() error {
		return e.every(ctx, "balance_check", e.cfg.BalanceInterval, func(ctx context.Context) error {
			_, err := e.CheckBalances(ctx)
			return err
		})
	})
	g.Go(func() error { return e.every(ctx, "stats_flush", e.cfg.StatsFlushInterval, e.flushStats) })
	if e.blacklist != nil {
		g.Go(func() error {
			return e.every(ctx, "blacklist_cleanup", e.cfg.BlacklistInterval, func(ctx context.Context) error {
				_, err := e.blacklist.CleanupExpired(ctx)
				return err
			})
		})
	}

	e.log.Info("background tasks started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("background task failed", "task", name, "err", err)
			}
		}
	}
}

// Shutdown waits for Run to return and for detached work to finish, then
// persists the last health counters. Call it after the context given to Run
// is cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.runs.Wait()
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("engine: shutdown: %w", ctx.Err())
	}
	return e.flushStats(ctx)
}

// flushStats writes health counter deltas to the provider repository.
// Deltas that fail to persist are queued for the next flush.
func (e *Engine) flushStats(ctx context.Context) error {
	now := e.now().UTC()
	var errs []error
	for code, d := range e.health.Drain() {
		err := e.providers.ApplyStats(ctx, code, d, now)
		if err == nil {
			continue
		}
		if errors.Is(err, provider.ErrNotFound) {
			e.log.Warn("stats for unknown provider dropped", "provider", code)
			continue
		}
		e.health.Requeue(code, d)
		errs = append(errs, fmt.Errorf("%s: %w", code, err))
	}
	return errors.Join(errs...)
}

// CheckBalances reads every enabled provider's balance and alerts on those
// below their configured threshold.
func (e *Engine) CheckBalances(ctx context.Context) ([]provider.Balance, error) {
	var out []provider.Balance
	for _, c := range e.snapshot() {
		if !c.Enabled {
			continue
		}
		adapter, err := e.registry.Get(c.Code)
		if err != nil {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderCallTimeout)
		start := time.Now()
		b, err := adapter.CheckBalance(callCtx)
		cancel()
		if err != nil {
			e.metrics.ObserveProviderCall(c.Code, "balance", "failure", time.Since(start))
			e.log.Warn("balance check failed", "provider", c.Code, "err", err)
			continue
		}
		e.metrics.ObserveProviderCall(c.Code, "balance", "success", time.Since(start))
		if b.ProviderCode == "" {
			b.ProviderCode = c.Code
		}
		e.metrics.SetBalance(b)
		out = append(out, b)

		if c.BalanceThreshold > 0 && b.Amount < c.BalanceThreshold {
			sev := alert.SeverityWarning
			if b.Amount <= 0 {
				sev = alert.SeverityCritical
			}
			e.notify(ctx, alert.Alert{
				Kind:     alert.KindLowBalance,
				Severity: sev,
				Subject:  c.Code,
				Message:  fmt.Sprintf("balance %.2f %s below threshold %.2f", b.Amount, b.Currency, c.BalanceThreshold),
				Labels:   map[string]string{"currency": b.Currency},
			})
		}
	}
	return out, ctx.Err()
}
