package blacklist

import "time"

type Type string

const (
	// TypeManual blocks until an operator removes it.
	TypeManual Type = "manual"
	// TypeTemporary blocks until ExpiresAt; the cleanup loop retires it.
	TypeTemporary Type = "temporary"
	TypePermanent Type = "permanent"
)

func (t Type) Valid() bool {
	switch t {
	case TypeManual, TypeTemporary, TypePermanent:
		return true
	}
	return false
}

const (
	TriggeredByAdmin = "admin"
	TriggeredByAuto  = "auto"

	DefaultRemovalReason = "Manual removal"
)

// Entry is one blacklisting of a provider. Entries are never deleted;
// removal deactivates them so the history stays queryable.
type Entry struct {
	ID          string     `json:"id" db:"id"`
	Provider    string     `json:"provider" db:"provider"`
	Reason      string     `json:"reason" db:"reason"`
	Type        Type       `json:"blacklist_type" db:"blacklist_type"`
	TriggeredBy string     `json:"triggered_by" db:"triggered_by"`
	Notes       string     `json:"notes,omitempty" db:"notes"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Active      bool       `json:"is_active" db:"is_active"`
	AutoRemoved bool       `json:"auto_removed" db:"auto_removed"`
	RemovedAt   *time.Time `json:"removed_at,omitempty" db:"removed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Blocking reports whether the entry keeps its provider out of selection at now.
func (e Entry) Blocking(now time.Time) bool {
	if !e.Active {
		return false
	}
	if e.Type == TypeTemporary {
		return e.ExpiresAt != nil && e.ExpiresAt.After(now)
	}
	return true
}

// Stats counts active entries.
type Stats struct {
	Total     int `json:"total"`
	Permanent int `json:"permanent"`
	Temporary int `json:"temporary"`
	Manual    int `json:"manual"`
}

// appendNote adds line to notes on its own line.
func appendNote(notes, line string) string {
	if line == "" {
		return notes
	}
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}
