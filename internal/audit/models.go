package audit

import "time"

// Event is an append-only audit record.
//
// Invariants:
// - Events are never updated or deleted.
// - Audit writes are best-effort and never fail the operation being audited.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// Actor is the authenticated caller, empty for engine-originated events.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	LeaseID      string `json:"lease_id,omitempty" db:"lease_id"`
	ProviderCode string `json:"provider_code,omitempty" db:"provider_code"`

	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeAdminAction    EventType = "admin_action"
	EventTypeLeaseFailed    EventType = "lease_failed"
	EventTypeProviderStatus EventType = "provider_status"
)
