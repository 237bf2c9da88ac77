package engine

import (
	"context"

	"sms-receive/internal/events"
	"sms-receive/internal/lease"
)

// ReleaseLease ends a lease early. A direct purchase that never received a
// message is cancelled upstream; pooled numbers go back to the pool.
func (e *Engine) ReleaseLease(ctx context.Context, id string) (lease.Lease, error) {
	l, changed, err := e.leases.Release(ctx, id)
	if err != nil || !changed {
		return l, err
	}
	if !l.FromPool && !l.ReceivedSms() {
		e.cancelActivation(ctx, l.Provider, l.ProviderActivationID)
	}
	e.publish(ctx, events.NumberReleased, l)
	return l, nil
}

// GetLeaseStatus returns the lease and the messages received so far.
func (e *Engine) GetLeaseStatus(ctx context.Context, id string) (lease.View, error) {
	return e.leases.Status(ctx, id)
}

// expireDue closes leases past their window and reports each one.
func (e *Engine) expireDue(ctx context.Context) error {
	closed, err := e.leases.ExpireDue(ctx)
	for _, l := range closed {
		subject := events.NumberExpired
		if l.State == lease.StateFulfilled {
			subject = events.NumberFulfilled
		} else if !l.FromPool && !l.ReceivedSms() {
			e.cancelActivation(ctx, l.Provider, l.ProviderActivationID)
		}
		e.publish(ctx, subject, l)
	}
	if len(closed) > 0 {
		e.log.Info("leases closed by expiry", "count", len(closed))
	}
	return err
}
