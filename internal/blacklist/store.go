package blacklist

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("blacklist: entry not found")
	ErrInvalidEntry = errors.New("blacklist: invalid entry")
)

// Store persists entries. Lists are ordered newest first.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	// Deactivate retires an active entry and appends note to its notes.
	// It returns ErrNotFound when the entry is missing or already inactive.
	Deactivate(ctx context.Context, id, note string, autoRemoved bool, at time.Time) (Entry, error)
	List(ctx context.Context, includeInactive bool) ([]Entry, error)
	History(ctx context.Context, provider string) ([]Entry, error)
	ListActiveByProvider(ctx context.Context, provider string) ([]Entry, error)
	// ListExpired returns active temporary entries whose expiry is before now.
	ListExpired(ctx context.Context, now time.Time) ([]Entry, error)
	Counts(ctx context.Context) (Stats, error)
}
