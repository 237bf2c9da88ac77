package lease

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"sms-receive/internal/pool"

	"github.com/google/uuid"
)

// PoolReleaser returns a pooled number once its lease is done with it.
type PoolReleaser interface {
	Release(ctx context.Context, id, leaseID string, outcome pool.Outcome) (pool.PooledNumber, error)
}

// Inbound is one received message before it is tied to a lease.
type Inbound struct {
	MessageID        string
	Sender           string
	Text             string
	VerificationCode string
	ReceivedAt       time.Time
}

const (
	lockStripes   = 64
	updateRetries = 3
	sweepBatch    = 500
)

// Service owns lease state changes. Writes to one lease are serialized by a
// striped lock in process and by the store version across processes.
type Service struct {
	store Store
	pool  PoolReleaser
	log   *slog.Logger
	now   func() time.Time

	stripes [lockStripes]sync.Mutex
}

func NewService(store Store, releaser PoolReleaser, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, pool: releaser, log: log.With("component", "lease"), now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &s.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Open persists a lease that the orchestrator has just activated.
func (s *Service) Open(ctx context.Context, l Lease) (Lease, error) {
	if l.State != StateActive {
		return Lease{}, fmt.Errorf("%w: open in state %s", ErrInvalidNumberState, l.State)
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	if !l.RentalType.Valid() {
		l.RentalType = RentalOneTime
	}
	if err := s.store.Create(ctx, l); err != nil {
		return Lease{}, err
	}
	return l, nil
}

// RecordFailure persists a terminal failure marker so failed requests stay auditable.
func (s *Service) RecordFailure(ctx context.Context, l Lease, reason string) (Lease, error) {
	now := s.now().UTC()
	if l.State != StateFailed {
		if err := l.Apply(EventFail, now); err != nil {
			return Lease{}, err
		}
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if !l.RentalType.Valid() {
		l.RentalType = RentalOneTime
	}
	l.FailureReason = reason
	if l.ExpiresAt.IsZero() {
		l.ExpiresAt = now
	}
	if err := s.store.Create(ctx, l); err != nil {
		return Lease{}, err
	}
	return l, nil
}

// RecordSms appends a message and advances the lease. Redelivery of the same
// message is a no-op: created is false and the lease is returned unchanged.
func (s *Service) RecordSms(ctx context.Context, leaseID string, in Inbound) (l Lease, msg SmsMessage, created bool, err error) {
	unlock := s.lock(leaseID)
	defer unlock()

	l, err = s.store.Get(ctx, leaseID)
	if err != nil {
		return Lease{}, SmsMessage{}, false, err
	}
	if l.State != StateActive && l.State != StateFulfilled {
		return l, SmsMessage{}, false, fmt.Errorf("%w: %s is %s", ErrLeaseClosed, leaseID, l.State)
	}

	now := s.now().UTC()
	at := in.ReceivedAt
	if at.IsZero() {
		at = now
	}
	msg = SmsMessage{
		ID:               uuid.NewString(),
		LeaseID:          leaseID,
		MessageText:      in.Text,
		VerificationCode: in.VerificationCode,
		Sender:           in.Sender,
		DedupKey:         DedupKey(in.MessageID, in.Sender, in.Text),
		ReceivedAt:       at,
	}
	created, err = s.store.AppendMessage(ctx, msg)
	if err != nil || !created {
		return l, msg, false, err
	}
	if l.State != StateActive {
		// Late message on a fulfilled one-time lease: kept, no state change.
		return l, msg, true, nil
	}

	l, err = s.update(ctx, l, func(cur *Lease) (bool, error) {
		if cur.State != StateActive {
			return false, nil
		}
		if cur.SmsReceivedAt == nil {
			cur.SmsReceivedAt = &at
		}
		if cur.RentalType == RentalRental {
			cur.RentalSmsCount++
			cur.UpdatedAt = now
			return true, nil
		}
		return true, cur.Apply(EventFulfill, now)
	})
	if err != nil {
		return l, msg, true, err
	}
	if l.State == StateFulfilled {
		s.releasePool(ctx, l, pool.OutcomeSuccess)
	}
	return l, msg, true, nil
}

// Release ends an active lease at the caller's request. Releasing an already
// released lease returns it unchanged with changed false; only the call that
// made the transition sees changed true.
func (s *Service) Release(ctx context.Context, id string) (l Lease, changed bool, err error) {
	unlock := s.lock(id)
	defer unlock()

	l, err = s.store.Get(ctx, id)
	if err != nil {
		return Lease{}, false, err
	}
	if l.State == StateReleased {
		return l, false, nil
	}
	now := s.now().UTC()
	l, err = s.update(ctx, l, func(cur *Lease) (bool, error) {
		if cur.State == StateReleased {
			return false, nil
		}
		changed = true
		return true, cur.Apply(EventRelease, now)
	})
	if err != nil {
		return l, false, err
	}
	if !changed {
		return l, false, nil
	}
	outcome := pool.OutcomeFailure
	if l.ReceivedSms() {
		outcome = pool.OutcomeSuccess
	}
	s.releasePool(ctx, l, outcome)
	return l, true, nil
}

// ExpireDue closes every active lease whose window has ended. A rental that
// received at least one message completes as fulfilled; anything else expires.
func (s *Service) ExpireDue(ctx context.Context) ([]Lease, error) {
	now := s.now().UTC()
	due, err := s.store.ListDue(ctx, now, sweepBatch)
	if err != nil {
		return nil, err
	}
	var closed []Lease
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		l, ok, err := s.expireOne(ctx, d.ID, now)
		if err != nil {
			s.log.Error("lease expiry failed", "lease_id", d.ID, "err", err)
			continue
		}
		if ok {
			closed = append(closed, l)
		}
	}
	return closed, nil
}

func (s *Service) expireOne(ctx context.Context, id string, now time.Time) (Lease, bool, error) {
	unlock := s.lock(id)
	defer unlock()

	l, err := s.store.Get(ctx, id)
	if err != nil {
		return Lease{}, false, err
	}
	if !l.Due(now) {
		return l, false, nil
	}
	l, err = s.update(ctx, l, func(cur *Lease) (bool, error) {
		if !cur.Due(now) {
			return false, nil
		}
		if cur.RentalType == RentalRental && cur.RentalSmsCount > 0 {
			return true, cur.Apply(EventFulfill, now)
		}
		return true, cur.Apply(EventExpire, now)
	})
	if err != nil {
		return l, false, err
	}
	outcome := pool.OutcomeExpired
	if l.State == StateFulfilled {
		outcome = pool.OutcomeSuccess
	}
	s.releasePool(ctx, l, outcome)
	return l, true, nil
}

// update applies fn and writes the result, re-reading on version conflicts.
// fn returns false to skip the write.
func (s *Service) update(ctx context.Context, l Lease, fn func(*Lease) (bool, error)) (Lease, error) {
	for attempt := 0; ; attempt++ {
		next := l
		write, err := fn(&next)
		if err != nil || !write {
			return l, err
		}
		out, err := s.store.Update(ctx, next)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt+1 >= updateRetries {
			return l, err
		}
		l = out
	}
}

func (s *Service) releasePool(ctx context.Context, l Lease, outcome pool.Outcome) {
	if !l.FromPool || l.PoolID == "" || s.pool == nil {
		return
	}
	if _, err := s.pool.Release(ctx, l.PoolID, l.ID, outcome); err != nil {
		if errors.Is(err, pool.ErrInvalidNumberState) {
			s.log.Error("pool number not held by lease", "severity", "high", "lease_id", l.ID, "pool_id", l.PoolID, "err", err)
			return
		}
		s.log.Error("pool release failed", "lease_id", l.ID, "pool_id", l.PoolID, "err", err)
	}
}

func (s *Service) Get(ctx context.Context, id string) (Lease, error) {
	return s.store.Get(ctx, id)
}

// IsOpen reports whether the lease exists and has not reached a terminal state.
func (s *Service) IsOpen(ctx context.Context, id string) (bool, error) {
	l, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !l.State.Terminal(), nil
}

// Status returns the lease and every message received so far.
func (s *Service) Status(ctx context.Context, id string) (View, error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	msgs, err := s.store.Messages(ctx, id)
	if err != nil {
		return View{}, err
	}
	if msgs == nil {
		msgs = []SmsMessage{}
	}
	return View{Lease: l, Messages: msgs}, nil
}

func (s *Service) FindByActivation(ctx context.Context, provider, activationID string) (Lease, error) {
	return s.store.FindActiveByActivation(ctx, provider, activationID)
}

func (s *Service) ListActive(ctx context.Context, limit int) ([]Lease, error) {
	return s.store.ListActive(ctx, limit)
}
