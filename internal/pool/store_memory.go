package pool

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps pooled numbers in process.
//
// The store-wide lock only guards the indexes; every status change happens
// under the owning record's lock, so reservations in different buckets, and
// different records in the same bucket, never serialize on one mutex.
type MemoryStore struct {
	mu           sync.RWMutex
	byID         map[string]*record
	byBucket     map[Bucket][]*record
	byActivation map[string]string
}

type record struct {
	mu sync.Mutex
	n  PooledNumber
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:         map[string]*record{},
		byBucket:     map[Bucket][]*record{},
		byActivation: map[string]string{},
	}
}

func activationKey(provider, activationID string) string { return provider + "/" + activationID }

func (s *MemoryStore) Insert(ctx context.Context, n PooledNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := activationKey(n.Provider, n.ProviderActivationID)
	if _, ok := s.byActivation[key]; ok {
		return ErrDuplicateNumber
	}
	if _, ok := s.byID[n.ID]; ok {
		return ErrDuplicateNumber
	}
	r := &record{n: n}
	s.byID[n.ID] = r
	b := Bucket{ServiceCode: n.ServiceCode, CountryCode: n.CountryCode}
	s.byBucket[b] = append(s.byBucket[b], r)
	s.byActivation[key] = n.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (PooledNumber, error) {
	s.mu.RLock()
	r, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return PooledNumber{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n, nil
}

func (s *MemoryStore) ReserveNext(ctx context.Context, b Bucket, leaseID string, now time.Time) (PooledNumber, bool, error) {
	s.mu.RLock()
	recs := make([]*record, len(s.byBucket[b]))
	copy(recs, s.byBucket[b])
	s.mu.RUnlock()

	type cand struct {
		r         *record
		priority  int
		expiresAt time.Time
	}
	cands := make([]cand, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		if r.n.Status == StatusAvailable && r.n.ExpiresAt.After(now) {
			cands = append(cands, cand{r: r, priority: r.n.Priority, expiresAt: r.n.ExpiresAt})
		}
		r.mu.Unlock()
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		return cands[i].expiresAt.Before(cands[j].expiresAt)
	})

	for _, c := range cands {
		r := c.r
		r.mu.Lock()
		if r.n.Status != StatusAvailable || !r.n.ExpiresAt.After(now) {
			// Lost the race for this one; try the next.
			r.mu.Unlock()
			continue
		}
		at := now
		r.n.Status = StatusReserved
		r.n.ReservedByLeaseID = leaseID
		r.n.ReservedAt = &at
		r.n.ReservedCount++
		r.n.UpdatedAt = now
		out := r.n
		r.mu.Unlock()
		return out, true, nil
	}
	return PooledNumber{}, false, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, e Expect, u Update) (PooledNumber, error) {
	s.mu.RLock()
	r, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return PooledNumber{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n.Status != e.Status || (e.LeaseID != "" && r.n.ReservedByLeaseID != e.LeaseID) {
		return r.n, ErrInvalidNumberState
	}
	u.apply(&r.n)
	return r.n, nil
}

func (s *MemoryStore) list(limit int, match func(PooledNumber) bool) []PooledNumber {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.byID))
	for _, r := range s.byID {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	var out []PooledNumber
	for _, r := range recs {
		r.mu.Lock()
		n := r.n
		r.mu.Unlock()
		if match(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) ListStaleReservations(ctx context.Context, reservedBefore time.Time, limit int) ([]PooledNumber, error) {
	return s.list(limit, func(n PooledNumber) bool {
		return n.Status == StatusReserved && n.ReservedAt != nil && !n.ReservedAt.After(reservedBefore)
	}), nil
}

func (s *MemoryStore) ListPastExpiry(ctx context.Context, now time.Time, limit int) ([]PooledNumber, error) {
	return s.list(limit, func(n PooledNumber) bool {
		return n.Status != StatusExpired && !n.ExpiresAt.After(now)
	}), nil
}

func (s *MemoryStore) ListCooledDown(ctx context.Context, now time.Time, limit int) ([]PooledNumber, error) {
	return s.list(limit, func(n PooledNumber) bool {
		return n.Status == StatusUsed && n.CooldownUntil != nil && !n.CooldownUntil.After(now)
	}), nil
}

func (s *MemoryStore) Counts(ctx context.Context, b Bucket) (Counts, error) {
	s.mu.RLock()
	var recs []*record
	if b == (Bucket{}) {
		recs = make([]*record, 0, len(s.byID))
		for _, r := range s.byID {
			recs = append(recs, r)
		}
	} else {
		recs = append(recs, s.byBucket[b]...)
	}
	s.mu.RUnlock()

	var c Counts
	for _, r := range recs {
		r.mu.Lock()
		switch r.n.Status {
		case StatusAvailable:
			c.Available++
		case StatusReserved:
			c.Reserved++
		case StatusUsed:
			c.Used++
		case StatusExpired:
			c.Expired++
		}
		if r.n.Preheated {
			c.Preheated++
		}
		r.mu.Unlock()
	}
	return c, nil
}
