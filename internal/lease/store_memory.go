package lease

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu       sync.RWMutex
	leases   map[string]Lease
	messages map[string][]SmsMessage
	dedup    map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases:   map[string]Lease{},
		messages: map[string][]SmsMessage{},
		dedup:    map[string]struct{}{},
	}
}

func (s *MemoryStore) Create(ctx context.Context, l Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[l.ID] = l
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leases[id]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) Update(ctx context.Context, l Lease) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[l.ID]
	if !ok {
		return Lease{}, ErrNotFound
	}
	if cur.Version != l.Version {
		return cur, ErrVersionConflict
	}
	l.Version++
	s.leases[l.ID] = l
	return l, nil
}

func (s *MemoryStore) FindActiveByActivation(ctx context.Context, provider, activationID string) (Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best Lease
	found := false
	for _, l := range s.leases {
		if l.Provider != provider || l.ProviderActivationID != activationID {
			continue
		}
		// Prefer the live lease, then the newest; a reused pool number also has closed ones.
		if !found || preferLease(l, best) {
			best, found = l, true
		}
	}
	if !found {
		return Lease{}, ErrNotFound
	}
	return best, nil
}

func preferLease(a, b Lease) bool {
	aActive, bActive := a.State == StateActive, b.State == StateActive
	if aActive != bActive {
		return aActive
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (s *MemoryStore) filter(limit int, match func(Lease) bool) []Lease {
	s.mu.RLock()
	var out []Lease
	for _, l := range s.leases {
		if match(l) {
			out = append(out, l)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]Lease, error) {
	return s.filter(limit, func(l Lease) bool { return l.Due(now) }), nil
}

func (s *MemoryStore) ListActive(ctx context.Context, limit int) ([]Lease, error) {
	return s.filter(limit, func(l Lease) bool { return l.State == StateActive }), nil
}

func (s *MemoryStore) ListCreated(ctx context.Context, from, to time.Time, provider string, limit int) ([]Lease, error) {
	return s.filter(limit, func(l Lease) bool {
		if provider != "" && l.Provider != provider {
			return false
		}
		return !l.CreatedAt.Before(from) && l.CreatedAt.Before(to)
	}), nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m SmsMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := m.LeaseID + "|" + m.DedupKey
	if _, ok := s.dedup[key]; ok {
		return false, nil
	}
	s.dedup[key] = struct{}{}
	s.messages[m.LeaseID] = append(s.messages[m.LeaseID], m)
	return true, nil
}

func (s *MemoryStore) Messages(ctx context.Context, leaseID string) ([]SmsMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SmsMessage(nil), s.messages[leaseID]...), nil
}
