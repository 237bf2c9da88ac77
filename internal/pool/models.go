package pool

import "time"

type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusUsed      Status = "used"
	StatusExpired   Status = "expired"
)

// PooledNumber is a number bought ahead of demand and held for reuse.
//
// Invariants:
// - ReservedByLeaseID and ReservedAt are set iff Status == reserved.
// - Every status change is a compare-and-set on the current status.
type PooledNumber struct {
	ID                   string `json:"id" db:"id"`
	Provider             string `json:"provider" db:"provider"`
	ProviderActivationID string `json:"provider_activation_id" db:"provider_activation_id"`
	PhoneNumber          string `json:"phone_number" db:"phone_number"`
	CountryCode          string `json:"country_code" db:"country_code"`
	ServiceCode          string `json:"service_code" db:"service_code"`

	Status            Status     `json:"status" db:"status"`
	ReservedByLeaseID string     `json:"reserved_by_lease_id,omitempty" db:"reserved_by_lease_id"`
	ReservedAt        *time.Time `json:"reserved_at,omitempty" db:"reserved_at"`
	ReservedCount     int        `json:"reserved_count" db:"reserved_count"`
	UsedCount         int        `json:"used_count" db:"used_count"`

	// Lower values are handed out first.
	Priority  int  `json:"priority" db:"priority"`
	Preheated bool `json:"preheated" db:"preheated"`

	Cost          float64 `json:"cost" db:"cost"`
	Currency      string  `json:"currency" db:"currency"`
	BulkPurchased bool    `json:"bulk_purchased" db:"bulk_purchased"`
	DiscountRate  float64 `json:"discount_rate" db:"discount_rate"`

	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty" db:"cooldown_until"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Outcome is how a lease ended for the number it held.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeBadNumber Outcome = "bad_number"
	OutcomeExpired   Outcome = "expired"
)

// Expect is the compare half of a compare-and-set transition.
// An empty LeaseID matches any holder.
type Expect struct {
	Status  Status
	LeaseID string
}

// Update is the set half of a compare-and-set transition.
type Update struct {
	To               Status
	ClearReservation bool
	IncrementUsed    bool

	// SetCooldown writes CooldownUntil, nil clears it.
	SetCooldown   bool
	CooldownUntil *time.Time

	Preheated *bool
	Priority  *int

	At time.Time
}

func (u Update) apply(n *PooledNumber) {
	n.Status = u.To
	if u.ClearReservation {
		n.ReservedByLeaseID = ""
		n.ReservedAt = nil
	}
	if u.IncrementUsed {
		n.UsedCount++
	}
	if u.SetCooldown {
		n.CooldownUntil = u.CooldownUntil
	}
	if u.Preheated != nil {
		n.Preheated = *u.Preheated
	}
	if u.Priority != nil {
		n.Priority = *u.Priority
	}
	n.UpdatedAt = u.At
}

type Bucket struct {
	ServiceCode string `json:"service_code"`
	CountryCode string `json:"country_code"`
}

// Counts are raw per-status totals for a bucket, or the whole pool when the bucket is empty.
type Counts struct {
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	Used      int `json:"used"`
	Expired   int `json:"expired"`
	Preheated int `json:"preheated"`
}

func (c Counts) Total() int { return c.Available + c.Reserved + c.Used + c.Expired }

// Stats is the read-only pool summary exposed to operators.
type Stats struct {
	Bucket
	Counts
	Total           int     `json:"total"`
	UtilizationRate float64 `json:"utilization_rate"`
	PreheatedRate   float64 `json:"preheated_rate"`
}

func statsFrom(b Bucket, c Counts) Stats {
	s := Stats{Bucket: b, Counts: c, Total: c.Total()}
	if s.Total > 0 {
		s.UtilizationRate = float64(c.Used+c.Reserved) / float64(s.Total)
		s.PreheatedRate = float64(c.Preheated) / float64(s.Total)
	}
	return s
}
