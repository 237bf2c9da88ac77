package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"sms-receive/internal/lease"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

const (
	maxRows  = 50000
	maxRange = 31 * 24 * time.Hour
)

// Repository abstracts data access for reporting. lease.Store satisfies it.
type Repository interface {
	ListCreated(ctx context.Context, from, to time.Time, provider string, limit int) ([]lease.Lease, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// Usage summarizes leases per provider. Failed leases that never reached a
// provider only count toward the totals.
func (s *Service) Usage(ctx context.Context, req UsageRequest) (UsageSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return UsageSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > maxRange {
		return UsageSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return UsageSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCreated(ctx, req.Range.From, req.Range.To, req.Provider, maxRows)
	if err != nil {
		return UsageSummary{}, err
	}

	out := UsageSummary{Range: req.Range, Truncated: len(rows) >= maxRows}
	out.Totals.Spend = map[string]float64{}
	byProvider := map[string]*ProviderUsage{}
	for _, l := range rows {
		add(&out.Totals, l)
		if l.Provider == "" {
			continue
		}
		pu, ok := byProvider[l.Provider]
		if !ok {
			pu = &ProviderUsage{Provider: l.Provider, Spend: map[string]float64{}}
			byProvider[l.Provider] = pu
		}
		add(pu, l)
	}

	finish(&out.Totals)
	out.Providers = make([]ProviderUsage, 0, len(byProvider))
	for _, pu := range byProvider {
		finish(pu)
		out.Providers = append(out.Providers, *pu)
	}
	sort.Slice(out.Providers, func(i, j int) bool { return out.Providers[i].Provider < out.Providers[j].Provider })
	return out, nil
}

func add(u *ProviderUsage, l lease.Lease) {
	u.TotalLeases++
	switch l.State {
	case lease.StateActive, lease.StateRequested, lease.StateProvisioning:
		u.Active++
	case lease.StateFulfilled:
		u.Fulfilled++
	case lease.StateExpired:
		u.Expired++
	case lease.StateReleased:
		u.Released++
	case lease.StateFailed:
		u.Failed++
	}
	if l.State.Terminal() && l.State != lease.StateFailed {
		u.closed++
		if l.ReceivedSms() {
			u.closedSms++
		}
	}
	if l.State == lease.StateFailed {
		return
	}

	if l.FromPool {
		u.FromPool++
	} else {
		u.DirectPurchases++
		if l.Currency != "" {
			u.Spend[l.Currency] += l.Cost
		}
	}
	if l.RentalType == lease.RentalRental {
		u.Rentals++
	}
	u.Fallbacks += l.FallbackCount

	if l.ReceivedSms() {
		u.WithSms++
		if l.SmsReceivedAt != nil && l.ActivatedAt != nil {
			u.smsDelay += l.SmsReceivedAt.Sub(*l.ActivatedAt)
			u.smsTimed++
		}
	}
}

func finish(u *ProviderUsage) {
	if u.closed > 0 {
		u.SuccessRate = float64(u.closedSms) / float64(u.closed)
	}
	if served := u.FromPool + u.DirectPurchases; served > 0 {
		u.PoolHitRate = float64(u.FromPool) / float64(served)
	}
	if u.smsTimed > 0 {
		u.AvgTimeToSmsSec = u.smsDelay.Seconds() / float64(u.smsTimed)
	}
}
