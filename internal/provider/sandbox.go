package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SandboxAdapter is an in-memory provider for local and dev environments.
// It hands out fake numbers and lets callers inject inbound SMS.
type SandboxAdapter struct {
	code     string
	cost     float64
	currency string
	lifetime time.Duration
	latency  time.Duration
	now      func() time.Time

	mu        sync.Mutex
	seq       int
	balance   float64
	failures  int
	inbound   map[string][]InboundSms
	cancelled map[string]bool
}

type SandboxOption func(*SandboxAdapter)

func WithSandboxCost(cost float64, currency string) SandboxOption {
	return func(s *SandboxAdapter) { s.cost, s.currency = cost, currency }
}

func WithSandboxLatency(d time.Duration) SandboxOption {
	return func(s *SandboxAdapter) { s.latency = d }
}

func WithSandboxBalance(amount float64) SandboxOption {
	return func(s *SandboxAdapter) { s.balance = amount }
}

func WithSandboxClock(now func() time.Time) SandboxOption {
	return func(s *SandboxAdapter) { s.now = now }
}

func NewSandboxAdapter(code string, opts ...SandboxOption) *SandboxAdapter {
	s := &SandboxAdapter{
		code:      code,
		cost:      0.10,
		currency:  "USD",
		lifetime:  20 * time.Minute,
		balance:   100,
		now:       time.Now,
		inbound:   map[string][]InboundSms{},
		cancelled: map[string]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SandboxAdapter) Code() string { return s.code }

// FailNext makes the next n purchases fail.
func (s *SandboxAdapter) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *SandboxAdapter) PurchaseNumber(ctx context.Context, serviceCode, countryCode string) (Purchase, error) {
	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Purchase{}, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return Purchase{}, fmt.Errorf("sandbox %s: injected failure", s.code)
	}
	if s.balance < s.cost {
		return Purchase{}, ErrNoNumbers
	}
	s.seq++
	s.balance -= s.cost
	now := s.now().UTC()
	return Purchase{
		ProviderCode: s.code,
		ActivationID: uuid.NewString(),
		PhoneNumber:  fmt.Sprintf("+1555%07d", s.seq),
		CountryCode:  countryCode,
		ServiceCode:  serviceCode,
		Cost:         s.cost,
		Currency:     s.currency,
		ExpiresAt:    now.Add(s.lifetime),
	}, nil
}

func (s *SandboxAdapter) CheckBalance(ctx context.Context) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Balance{ProviderCode: s.code, Amount: s.balance, Currency: s.currency, CheckedAt: s.now().UTC()}, nil
}

func (s *SandboxAdapter) FetchInboundSms(ctx context.Context, activationID string) ([]InboundSms, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.inbound[activationID]
	out := make([]InboundSms, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *SandboxAdapter) CancelActivation(ctx context.Context, activationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[activationID] = true
	return nil
}

// Deliver queues an inbound SMS for activationID, visible to FetchInboundSms.
func (s *SandboxAdapter) Deliver(activationID, sender, text string) InboundSms {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := InboundSms{
		ProviderCode: s.code,
		ActivationID: activationID,
		MessageID:    uuid.NewString(),
		Sender:       sender,
		Text:         text,
		ReceivedAt:   s.now().UTC(),
	}
	s.inbound[activationID] = append(s.inbound[activationID], m)
	return m
}

func (s *SandboxAdapter) Cancelled(activationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[activationID]
}
