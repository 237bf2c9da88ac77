package lease

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("lease: not found")
	// ErrVersionConflict means another writer updated the lease first.
	ErrVersionConflict = errors.New("lease: version conflict")
	ErrLeaseClosed     = errors.New("lease: closed")
)

type Store interface {
	Create(ctx context.Context, l Lease) error
	Get(ctx context.Context, id string) (Lease, error)
	// Update writes l if the stored version still equals l.Version and
	// returns the lease with its bumped version.
	Update(ctx context.Context, l Lease) (Lease, error)
	FindActiveByActivation(ctx context.Context, provider, activationID string) (Lease, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]Lease, error)
	ListActive(ctx context.Context, limit int) ([]Lease, error)
	// ListCreated returns leases created in [from, to), optionally for one provider.
	ListCreated(ctx context.Context, from, to time.Time, provider string, limit int) ([]Lease, error)

	// AppendMessage stores m unless (LeaseID, DedupKey) is already present.
	AppendMessage(ctx context.Context, m SmsMessage) (bool, error)
	Messages(ctx context.Context, leaseID string) ([]SmsMessage, error)
}
