package pool

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("pool: number not found")
	// ErrInvalidNumberState means a compare-and-set lost: the number is not in the expected state.
	ErrInvalidNumberState = errors.New("pool: invalid number state")
	ErrDuplicateNumber    = errors.New("pool: number already pooled")
	// ErrPoolExhausted is the fast-path miss; it is never surfaced past the engine.
	ErrPoolExhausted = errors.New("pool: exhausted")
)

// Store is the atomic persistence contract for pooled numbers.
//
// ReserveNext and Transition are the only writers of Status; both are
// compare-and-set so concurrent reservers and sweepers never both win.
type Store interface {
	Insert(ctx context.Context, n PooledNumber) error
	Get(ctx context.Context, id string) (PooledNumber, error)

	// ReserveNext atomically moves the best available, unexpired number in the
	// bucket to reserved: lowest priority first, then earliest expiry.
	ReserveNext(ctx context.Context, b Bucket, leaseID string, now time.Time) (PooledNumber, bool, error)

	// Transition applies u only if the number matches e, else ErrInvalidNumberState.
	Transition(ctx context.Context, id string, e Expect, u Update) (PooledNumber, error)

	ListStaleReservations(ctx context.Context, reservedBefore time.Time, limit int) ([]PooledNumber, error)
	ListPastExpiry(ctx context.Context, now time.Time, limit int) ([]PooledNumber, error)
	ListCooledDown(ctx context.Context, now time.Time, limit int) ([]PooledNumber, error)

	// Counts for a bucket; a zero Bucket counts the whole pool.
	Counts(ctx context.Context, b Bucket) (Counts, error)
}
