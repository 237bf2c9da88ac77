package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"sms-receive/internal/events"
	"sms-receive/internal/lease"
	"sms-receive/internal/provider"
	"sms-receive/internal/ratelimit"
	"sms-receive/internal/verification"

	"golang.org/x/sync/errgroup"
)

const (
	pollBatch       = 500
	pollConcurrency = 8
)

// HandleInboundSms ties a provider message to its lease. Redelivery of the
// same message returns created=false and changes nothing.
func (e *Engine) HandleInboundSms(ctx context.Context, in provider.InboundSms) (lease.SmsMessage, bool, error) {
	in.ProviderCode = strings.TrimSpace(in.ProviderCode)
	if in.ProviderCode == "" || in.ActivationID == "" {
		return lease.SmsMessage{}, false, ErrInvalidRequest
	}
	l, err := e.leases.FindByActivation(ctx, in.ProviderCode, in.ActivationID)
	if err != nil {
		return lease.SmsMessage{}, false, err
	}

	res, found := e.extractor.Extract(in.Text, l.ServiceCode)
	updated, msg, created, err := e.leases.RecordSms(ctx, l.ID, lease.Inbound{
		MessageID:        in.MessageID,
		Sender:           in.Sender,
		Text:             in.Text,
		VerificationCode: res.Code,
		ReceivedAt:       in.ReceivedAt,
	})
	if err != nil {
		return msg, created, err
	}
	e.metrics.ObserveSms(in.ProviderCode, created)
	if !created {
		return msg, false, nil
	}

	if found {
		entry := verification.Entry{
			PhoneNumber: l.PhoneNumber,
			ServiceCode: l.ServiceCode,
			LeaseID:     l.ID,
			Code:        res.Code,
			PatternType: res.PatternType,
			Confidence:  res.Confidence,
			ReceivedAt:  msg.ReceivedAt,
		}
		if err := e.codes.Put(ctx, entry); err != nil {
			e.log.Warn("cache verification code failed", "lease_id", l.ID, "err", err)
		}
	}

	e.publish(ctx, events.MessageReceived, map[string]any{
		"lease_id":          l.ID,
		"phone_number":      l.PhoneNumber,
		"service_code":      l.ServiceCode,
		"sender":            msg.Sender,
		"verification_code": msg.VerificationCode,
		"received_at":       msg.ReceivedAt,
	})
	if l.State == lease.StateActive && updated.State == lease.StateFulfilled {
		e.publish(ctx, events.NumberFulfilled, updated)
	}
	return msg, true, nil
}

// PollInbound asks providers for messages on every active lease. It is the
// pull path for providers that do not call the webhook.
func (e *Engine) PollInbound(ctx context.Context) error {
	active, err := e.leases.ListActive(ctx, pollBatch)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(pollConcurrency)
	for _, l := range active {
		if l.ProviderActivationID == "" {
			continue
		}
		l := l
		g.Go(func() error {
			e.pollOne(ctx, l)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (e *Engine) pollOne(ctx context.Context, l lease.Lease) {
	adapter, err := e.registry.Get(l.Provider)
	if err != nil {
		return
	}
	release, err := e.limiter.Acquire(ctx, l.Provider)
	if err != nil {
		if !errors.Is(err, ratelimit.ErrRateLimited) {
			e.log.Warn("poll limiter failed", "provider", l.Provider, "err", err)
		}
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderCallTimeout)
	start := time.Now()
	msgs, err := adapter.FetchInboundSms(callCtx, l.ProviderActivationID)
	cancel()
	release()

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	e.metrics.ObserveProviderCall(l.Provider, "fetch_inbound", outcome, time.Since(start))
	if err != nil {
		e.log.Warn("fetch inbound failed", "provider", l.Provider, "lease_id", l.ID, "err", err)
		return
	}

	for _, m := range msgs {
		m.ProviderCode = l.Provider
		m.ActivationID = l.ProviderActivationID
		if _, _, err := e.HandleInboundSms(ctx, m); err != nil && !errors.Is(err, lease.ErrLeaseClosed) {
			e.log.Warn("inbound message not recorded", "lease_id", l.ID, "err", err)
		}
	}
}

// LatestCode returns the most recent verification code seen for a phone number.
func (e *Engine) LatestCode(ctx context.Context, phone, service string) (verification.Entry, bool, error) {
	if service != "" {
		service = provider.ServiceCode(service)
	}
	return e.codes.Latest(ctx, phone, service)
}

func (e *Engine) ExtractCode(text, service string) (verification.Result, bool) {
	return e.extractor.Extract(text, service)
}

func (e *Engine) CodePatterns() []verification.PatternInfo {
	return e.extractor.Patterns()
}
