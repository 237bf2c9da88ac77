package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sms-receive/internal/provider"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Purchaser buys a fresh number for the pool. The engine implements it with
// the same ranking, rate limiting and health accounting as live requests.
type Purchaser interface {
	PurchaseForPool(ctx context.Context, serviceCode, countryCode string) (provider.Purchase, error)
}

// Observer receives pool gauges and sweep totals. Optional.
type Observer interface {
	ObservePool(b Bucket, c Counts)
	ObserveSweep(r SweepResult)
}

type Config struct {
	LowWater           int
	Target             int
	Max                int
	NumberLifetime     time.Duration
	ReservationTimeout time.Duration
	Cooldown           time.Duration
	MaxUses            int
	RefillInterval     time.Duration
	SweepInterval      time.Duration
	Buckets            []Bucket

	PreheatedPriority int
	RecycledPriority  int
	RefillConcurrency int
	SweepBatch        int
}

func (c Config) withDefaults() Config {
	out := c
	if out.LowWater <= 0 {
		out.LowWater = 5
	}
	if out.Target <= 0 {
		out.Target = 10
	}
	if out.Max <= 0 {
		out.Max = 20
	}
	if out.NumberLifetime <= 0 {
		out.NumberLifetime = 20 * time.Minute
	}
	if out.ReservationTimeout <= 0 {
		out.ReservationTimeout = 5 * time.Minute
	}
	if out.Cooldown <= 0 {
		out.Cooldown = 24 * time.Hour
	}
	if out.MaxUses <= 0 {
		out.MaxUses = 3
	}
	if out.RefillInterval <= 0 {
		out.RefillInterval = time.Minute
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 30 * time.Second
	}
	if out.PreheatedPriority <= 0 {
		out.PreheatedPriority = 1
	}
	if out.RecycledPriority <= 0 {
		out.RecycledPriority = 5
	}
	if out.RefillConcurrency <= 0 {
		out.RefillConcurrency = 4
	}
	if out.SweepBatch <= 0 {
		out.SweepBatch = 500
	}
	return out
}

// Manager owns the pool lifecycle: reservation, release, refill and sweeps.
type Manager struct {
	store     Store
	purchaser Purchaser
	cfg       Config
	log       *slog.Logger
	clock     func() time.Time

	// Reusable reports whether a provider's numbers may serve another lease.
	Reusable func(providerCode string) bool
	// OnBucketEmpty fires when refill finds a bucket with nothing available.
	OnBucketEmpty func(ctx context.Context, b Bucket)
	// HolderLive reports whether the lease holding a reservation is still open.
	// When set, sweeps leave reservations of live leases alone.
	HolderLive func(ctx context.Context, leaseID string) (bool, error)
	Observer   Observer

	kick chan struct{}
}

func NewManager(store Store, purchaser Purchaser, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:     store,
		purchaser: purchaser,
		cfg:       cfg.withDefaults(),
		log:       log.With("component", "pool"),
		clock:     time.Now,
		kick:      make(chan struct{}, 1),
	}
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.clock = now }

func (m *Manager) Buckets() []Bucket { return m.cfg.Buckets }

// TryReserve hands out a pooled number without blocking on refill.
// ok is false when the bucket has nothing available.
func (m *Manager) TryReserve(ctx context.Context, serviceCode, countryCode, leaseID string) (PooledNumber, bool, error) {
	n, ok, err := m.store.ReserveNext(ctx, Bucket{ServiceCode: serviceCode, CountryCode: countryCode}, leaseID, m.clock().UTC())
	m.nudge()
	if err != nil {
		return PooledNumber{}, false, err
	}
	return n, ok, nil
}

// nudge asks the refill loop to run soon. Never blocks.
func (m *Manager) nudge() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Release ends leaseID's hold on number id.
func (m *Manager) Release(ctx context.Context, id, leaseID string, outcome Outcome) (PooledNumber, error) {
	n, err := m.store.Get(ctx, id)
	if err != nil {
		return PooledNumber{}, err
	}
	if n.Status != StatusReserved || n.ReservedByLeaseID != leaseID {
		return n, fmt.Errorf("%w: %s is %s (lease %q)", ErrInvalidNumberState, id, n.Status, n.ReservedByLeaseID)
	}

	now := m.clock().UTC()
	u := Update{ClearReservation: true, At: now}
	switch outcome {
	case OutcomeSuccess:
		u.IncrementUsed = true
		reusable := m.Reusable != nil && m.Reusable(n.Provider)
		if reusable && n.UsedCount+1 < m.cfg.MaxUses && n.ExpiresAt.After(now.Add(m.cfg.Cooldown)) {
			until := now.Add(m.cfg.Cooldown)
			u.To, u.SetCooldown, u.CooldownUntil = StatusUsed, true, &until
		} else {
			u.To = StatusExpired
		}
	case OutcomeFailure:
		u.To = StatusAvailable
		if !n.ExpiresAt.After(now) {
			u.To = StatusExpired
		}
	case OutcomeBadNumber, OutcomeExpired:
		u.To = StatusExpired
	default:
		return n, fmt.Errorf("pool: unknown outcome %q", outcome)
	}

	out, err := m.store.Transition(ctx, id, Expect{Status: StatusReserved, LeaseID: leaseID}, u)
	if err != nil {
		return out, err
	}
	m.log.Debug("number released", "number_id", id, "lease_id", leaseID, "outcome", outcome, "status", out.Status)
	if out.Status != StatusAvailable {
		m.nudge()
	}
	return out, nil
}

// Add inserts a purchased number as available stock.
func (m *Manager) Add(ctx context.Context, p provider.Purchase, preheated bool) (PooledNumber, error) {
	now := m.clock().UTC()
	expires := p.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(m.cfg.NumberLifetime)
	}
	priority := m.cfg.RecycledPriority
	if preheated {
		priority = m.cfg.PreheatedPriority
	}
	n := PooledNumber{
		ID:                   uuid.NewString(),
		Provider:             p.ProviderCode,
		ProviderActivationID: p.ActivationID,
		PhoneNumber:          p.PhoneNumber,
		CountryCode:          p.CountryCode,
		ServiceCode:          p.ServiceCode,
		Status:               StatusAvailable,
		Priority:             priority,
		Preheated:            preheated,
		BulkPurchased:        preheated,
		Cost:                 p.Cost,
		Currency:             p.Currency,
		ExpiresAt:            expires,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := m.store.Insert(ctx, n); err != nil {
		return PooledNumber{}, err
	}
	return n, nil
}

// Refill tops up every configured bucket that fell under the low-water mark.
func (m *Manager) Refill(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.RefillConcurrency)
	for _, b := range m.cfg.Buckets {
		b := b
		g.Go(func() error {
			_, err := m.RefillBucket(gctx, b)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warn("bucket refill failed", "service", b.ServiceCode, "country", b.CountryCode, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RefillBucket buys numbers until the bucket reaches Target, never exceeding
// Max live (available plus reserved) numbers. It returns how many were added.
func (m *Manager) RefillBucket(ctx context.Context, b Bucket) (int, error) {
	c, err := m.store.Counts(ctx, b)
	if err != nil {
		return 0, err
	}
	if m.Observer != nil {
		m.Observer.ObservePool(b, c)
	}
	if c.Available == 0 && m.OnBucketEmpty != nil {
		m.OnBucketEmpty(ctx, b)
	}
	if c.Available >= m.cfg.LowWater || m.purchaser == nil {
		return 0, nil
	}

	need := m.cfg.Target - c.Available
	if live := c.Available + c.Reserved; live+need > m.cfg.Max {
		need = m.cfg.Max - live
	}
	added := 0
	for i := 0; i < need; i++ {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		p, err := m.purchaser.PurchaseForPool(ctx, b.ServiceCode, b.CountryCode)
		if err != nil {
			// Stop early; the next tick retries once providers recover.
			return added, err
		}
		if p.ServiceCode == "" {
			p.ServiceCode = b.ServiceCode
		}
		if p.CountryCode == "" {
			p.CountryCode = b.CountryCode
		}
		if _, err := m.Add(ctx, p, true); err != nil {
			if errors.Is(err, ErrDuplicateNumber) {
				continue
			}
			return added, err
		}
		added++
	}
	if added > 0 {
		m.log.Info("bucket refilled", "service", b.ServiceCode, "country", b.CountryCode, "added", added, "available_before", c.Available)
		if m.Observer != nil {
			c.Available += added
			c.Preheated += added
			m.Observer.ObservePool(b, c)
		}
	}
	return added, nil
}

type SweepResult struct {
	Reclaimed   int `json:"reclaimed"`
	Expired     int `json:"expired"`
	Reactivated int `json:"reactivated"`
}

// Sweep returns timed-out reservations, expires numbers past validity and
// brings cooled-down numbers back. It only uses Store compare-and-set
// transitions, so it is safe to run alongside reservations.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := m.clock().UTC()

	stale, err := m.store.ListStaleReservations(ctx, now.Add(-m.cfg.ReservationTimeout), m.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	for _, n := range stale {
		if m.HolderLive != nil {
			live, err := m.HolderLive(ctx, n.ReservedByLeaseID)
			if err != nil {
				m.log.Error("lease lookup failed", "number_id", n.ID, "lease_id", n.ReservedByLeaseID, "err", err)
				continue
			}
			if live {
				continue
			}
		}
		to := StatusAvailable
		if !n.ExpiresAt.After(now) {
			to = StatusExpired
		}
		if m.apply(ctx, n, Expect{Status: StatusReserved, LeaseID: n.ReservedByLeaseID}, Update{To: to, ClearReservation: true, At: now}) {
			res.Reclaimed++
			m.log.Warn("reservation timed out", "number_id", n.ID, "lease_id", n.ReservedByLeaseID, "status", to)
		}
	}

	past, err := m.store.ListPastExpiry(ctx, now, m.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	for _, n := range past {
		if m.apply(ctx, n, Expect{Status: n.Status, LeaseID: n.ReservedByLeaseID}, Update{To: StatusExpired, ClearReservation: true, At: now}) {
			res.Expired++
		}
	}

	cooled, err := m.store.ListCooledDown(ctx, now, m.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	notPreheated := false
	recycled := m.cfg.RecycledPriority
	for _, n := range cooled {
		u := Update{To: StatusExpired, SetCooldown: true, At: now}
		if n.UsedCount < m.cfg.MaxUses && n.ExpiresAt.After(now) {
			u.To, u.Preheated, u.Priority = StatusAvailable, &notPreheated, &recycled
		}
		if m.apply(ctx, n, Expect{Status: StatusUsed}, u) {
			if u.To == StatusAvailable {
				res.Reactivated++
			} else {
				res.Expired++
			}
		}
	}

	if m.Observer != nil {
		m.Observer.ObserveSweep(res)
	}
	if res != (SweepResult{}) {
		m.log.Info("pool sweep", "reclaimed", res.Reclaimed, "expired", res.Expired, "reactivated", res.Reactivated)
	}
	return res, nil
}

func (m *Manager) apply(ctx context.Context, n PooledNumber, e Expect, u Update) bool {
	_, err := m.store.Transition(ctx, n.ID, e, u)
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrInvalidNumberState) {
		m.log.Error("sweep transition failed", "number_id", n.ID, "err", err)
	}
	return false
}

// RunRefill refills on every tick and whenever a reservation nudges it.
func (m *Manager) RunRefill(ctx context.Context) error {
	t := time.NewTicker(m.cfg.RefillInterval)
	defer t.Stop()
	for {
		if err := m.Refill(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("refill failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-m.kick:
		}
	}
}

func (m *Manager) RunSweep(ctx context.Context) error {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.log.Error("sweep failed", "err", err)
			}
		}
	}
}

// Stats summarizes one bucket, or the whole pool for a zero Bucket.
func (m *Manager) Stats(ctx context.Context, b Bucket) (Stats, error) {
	c, err := m.store.Counts(ctx, b)
	if err != nil {
		return Stats{}, err
	}
	return statsFrom(b, c), nil
}

// BucketStats summarizes every configured bucket.
func (m *Manager) BucketStats(ctx context.Context) ([]Stats, error) {
	out := make([]Stats, 0, len(m.cfg.Buckets))
	for _, b := range m.cfg.Buckets {
		s, err := m.Stats(ctx, b)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
