package blacklist

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process. Used by tests and the local profile.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]Entry{}}
}

func (s *MemoryStore) Insert(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
	return nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, id, note string, autoRemoved bool, at time.Time) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || !e.Active {
		return Entry{}, ErrNotFound
	}
	e.Active = false
	e.AutoRemoved = autoRemoved
	e.RemovedAt = &at
	e.UpdatedAt = at
	e.Notes = appendNote(e.Notes, note)
	s.entries[id] = e
	return e, nil
}

func (s *MemoryStore) List(ctx context.Context, includeInactive bool) ([]Entry, error) {
	return s.filter(func(e Entry) bool { return includeInactive || e.Active }), nil
}

func (s *MemoryStore) History(ctx context.Context, provider string) ([]Entry, error) {
	return s.filter(func(e Entry) bool { return e.Provider == provider }), nil
}

func (s *MemoryStore) ListActiveByProvider(ctx context.Context, provider string) ([]Entry, error) {
	return s.filter(func(e Entry) bool { return e.Active && e.Provider == provider }), nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]Entry, error) {
	return s.filter(func(e Entry) bool {
		return e.Active && e.Type == TypeTemporary && e.ExpiresAt != nil && e.ExpiresAt.Before(now)
	}), nil
}

func (s *MemoryStore) Counts(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, e := range s.entries {
		if !e.Active {
			continue
		}
		st.Total++
		switch e.Type {
		case TypePermanent:
			st.Permanent++
		case TypeTemporary:
			st.Temporary++
		case TypeManual:
			st.Manual++
		}
	}
	return st, nil
}

func (s *MemoryStore) filter(match func(Entry) bool) []Entry {
	s.mu.Lock()
	var out []Entry
	for _, e := range s.entries {
		if match(e) {
			out = append(out, e)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
