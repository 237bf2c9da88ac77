package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is append-only. There is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, typ EventType, limit int) ([]Event, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) List(ctx context.Context, typ EventType, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.List(ctx, typ, limit)
}

// LogAdminAction records an operator action from the admin surface.
func (s *Service) LogAdminAction(ctx context.Context, actorUserID, actorRole, ip, message, providerCode string, metadata any) error {
	return s.Append(ctx, Event{
		Type:         EventTypeAdminAction,
		ActorUserID:  actorUserID,
		ActorRole:    actorRole,
		IPAddress:    ip,
		ProviderCode: providerCode,
		Message:      message,
		Metadata:     encode(metadata),
	})
}

// LogLeaseFailed records a request that no provider could fulfil.
func (s *Service) LogLeaseFailed(ctx context.Context, leaseID, reason string, metadata any) error {
	return s.Append(ctx, Event{
		Type:     EventTypeLeaseFailed,
		LeaseID:  leaseID,
		Message:  reason,
		Metadata: encode(metadata),
	})
}

func (s *Service) LogProviderStatus(ctx context.Context, providerCode, from, to, reason string) error {
	return s.Append(ctx, Event{
		Type:         EventTypeProviderStatus,
		ProviderCode: providerCode,
		Message:      from + " -> " + to,
		Metadata:     encode(map[string]string{"from": from, "to": to, "reason": reason}),
	})
}

func encode(v any) string {
	switch m := v.(type) {
	case nil:
		return ""
	case string:
		return m
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
