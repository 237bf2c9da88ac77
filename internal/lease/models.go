package lease

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type RentalType string

const (
	RentalOneTime RentalType = "one_time"
	RentalRental  RentalType = "rental"
)

func (r RentalType) Valid() bool { return r == RentalOneTime || r == RentalRental }

// Lease is one virtual number assigned to a caller for a bounded period.
// It wraps either a pooled number (FromPool, PoolID set) or a direct purchase.
type Lease struct {
	ID                   string `json:"id" db:"id"`
	Provider             string `json:"provider" db:"provider"`
	ProviderActivationID string `json:"provider_activation_id" db:"provider_activation_id"`
	PhoneNumber          string `json:"phone_number" db:"phone_number"`
	CountryCode          string `json:"country_code" db:"country_code"`
	ServiceCode          string `json:"service_code" db:"service_code"`

	Cost     float64 `json:"cost" db:"cost"`
	Currency string  `json:"currency" db:"currency"`

	DeviceID string `json:"device_id,omitempty" db:"device_id"`
	UserID   string `json:"user_id,omitempty" db:"user_id"`

	RentalType     RentalType `json:"rental_type" db:"rental_type"`
	RentalStart    *time.Time `json:"rental_start,omitempty" db:"rental_start"`
	RentalEnd      *time.Time `json:"rental_end,omitempty" db:"rental_end"`
	RentalSmsCount int        `json:"rental_sms_count" db:"rental_sms_count"`

	FromPool            bool   `json:"from_pool" db:"from_pool"`
	PoolID              string `json:"pool_id,omitempty" db:"pool_id"`
	SelectedByAlgorithm string `json:"selected_by_algorithm" db:"selected_by_algorithm"`
	FallbackCount       int    `json:"fallback_count" db:"fallback_count"`

	State         State  `json:"state" db:"state"`
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	ActivatedAt   *time.Time `json:"activated_at,omitempty" db:"activated_at"`
	SmsReceivedAt *time.Time `json:"sms_received_at,omitempty" db:"sms_received_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	Version   int64     `json:"version" db:"version"`
}

// Apply moves the lease through the state machine.
func (l *Lease) Apply(e Event, at time.Time) error {
	to, err := Next(l.State, e)
	if err != nil {
		return err
	}
	l.State = to
	l.UpdatedAt = at
	switch to {
	case StateActive:
		l.ActivatedAt = &at
	case StateFulfilled, StateExpired, StateReleased, StateFailed:
		l.CompletedAt = &at
	}
	return nil
}

// ReceivedSms reports whether any message arrived during the lease.
func (l Lease) ReceivedSms() bool { return l.SmsReceivedAt != nil || l.RentalSmsCount > 0 }

// Due reports whether an active lease has reached the end of its window.
func (l Lease) Due(now time.Time) bool {
	if l.State != StateActive {
		return false
	}
	if !l.ExpiresAt.After(now) {
		return true
	}
	return l.RentalType == RentalRental && l.RentalEnd != nil && !l.RentalEnd.After(now)
}

// SmsMessage is one inbound message tied to a lease. Append-only.
type SmsMessage struct {
	ID                string     `json:"id" db:"id"`
	LeaseID           string     `json:"lease_id" db:"lease_id"`
	MessageText       string     `json:"message_text" db:"message_text"`
	VerificationCode  string     `json:"verification_code,omitempty" db:"verification_code"`
	Sender            string     `json:"sender,omitempty" db:"sender"`
	DedupKey          string     `json:"-" db:"dedup_key"`
	DeliveredToDevice bool       `json:"delivered_to_device" db:"delivered_to_device"`
	ReceivedAt        time.Time  `json:"received_at" db:"received_at"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
}

// DedupKey identifies a delivery across webhook retries and polling.
// Provider message ids win; otherwise sender and text are hashed.
func DedupKey(messageID, sender, text string) string {
	if id := strings.TrimSpace(messageID); id != "" {
		return "id:" + id
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(sender) + "\x00" + strings.TrimSpace(text)))
	return "h:" + hex.EncodeToString(sum[:])
}

// View is what callers see when polling a lease.
type View struct {
	Lease    Lease        `json:"lease"`
	Messages []SmsMessage `json:"messages"`
}
