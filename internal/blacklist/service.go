package blacklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	// FailureThreshold is the consecutive failure count that triggers an
	// automatic temporary entry.
	FailureThreshold int
	// Duration is the default lifetime of temporary entries.
	Duration time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.Duration <= 0 {
		out.Duration = time.Hour
	}
	return out
}

// AddOptions refine a new entry. The zero value is a manual entry by admin.
type AddOptions struct {
	Type        Type
	TriggeredBy string
	Notes       string
	// Duration applies to temporary entries; zero uses the configured default.
	Duration time.Duration
}

// Service answers "is this provider blacklisted" from memory and writes
// through to the store. Refresh reloads the view written by other instances.
type Service struct {
	store Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	mu     sync.RWMutex
	active map[string][]Entry

	// autoMu serializes the check-then-insert of automatic entries.
	autoMu sync.Mutex
}

func NewService(store Store, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		cfg:    cfg.withDefaults(),
		log:    log.With("component", "blacklist"),
		now:    time.Now,
		active: map[string][]Entry{},
	}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Threshold() int { return s.cfg.FailureThreshold }

// IsBlacklisted reports whether any active entry blocks the provider now.
// Expired temporary entries stop blocking before cleanup retires them.
func (s *Service) IsBlacklisted(provider string) bool {
	if provider == "" {
		return false
	}
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.active[provider] {
		if e.Blocking(now) {
			return true
		}
	}
	return false
}

// Refresh replaces the in-memory view with the store's active entries.
func (s *Service) Refresh(ctx context.Context) error {
	entries, err := s.store.List(ctx, false)
	if err != nil {
		return err
	}
	next := make(map[string][]Entry, len(entries))
	for _, e := range entries {
		next[e.Provider] = append(next[e.Provider], e)
	}
	s.mu.Lock()
	s.active = next
	s.mu.Unlock()
	return nil
}

func (s *Service) Add(ctx context.Context, provider, reason string, opts AddOptions) (Entry, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" || strings.TrimSpace(reason) == "" {
		return Entry{}, fmt.Errorf("%w: provider and reason are required", ErrInvalidEntry)
	}
	if opts.Type == "" {
		opts.Type = TypeManual
	}
	if !opts.Type.Valid() {
		return Entry{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, opts.Type)
	}
	if opts.Duration < 0 {
		return Entry{}, fmt.Errorf("%w: negative duration", ErrInvalidEntry)
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = TriggeredByAdmin
	}

	now := s.now().UTC()
	e := Entry{
		ID:          uuid.NewString(),
		Provider:    provider,
		Reason:      reason,
		Type:        opts.Type,
		TriggeredBy: opts.TriggeredBy,
		Notes:       opts.Notes,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if e.Type == TypeTemporary {
		d := opts.Duration
		if d == 0 {
			d = s.cfg.Duration
		}
		until := now.Add(d)
		e.ExpiresAt = &until
	}
	if err := s.store.Insert(ctx, e); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	s.active[provider] = append(s.active[provider], e)
	s.mu.Unlock()
	s.log.Warn("provider blacklisted", "provider", provider, "type", e.Type, "triggered_by", e.TriggeredBy, "reason", reason)
	return e, nil
}

// Remove deactivates every active entry of the provider, appending
// "Removed: <reason>" to their notes. No active entries is not an error.
func (s *Service) Remove(ctx context.Context, provider, reason string) ([]Entry, error) {
	if reason == "" {
		reason = DefaultRemovalReason
	}
	entries, err := s.store.ListActiveByProvider(ctx, provider)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	var removed []Entry
	for _, e := range entries {
		out, err := s.store.Deactivate(ctx, e.ID, "Removed: "+reason, false, now)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		removed = append(removed, out)
	}

	s.mu.Lock()
	delete(s.active, provider)
	s.mu.Unlock()
	if len(removed) > 0 {
		s.log.Info("provider removed from blacklist", "provider", provider, "entries", len(removed), "reason", reason)
	}
	return removed, nil
}

// HandleConsecutiveFailures adds a temporary automatic entry once count
// reaches the threshold, unless the provider is already blacklisted.
func (s *Service) HandleConsecutiveFailures(ctx context.Context, provider string, count int, lastErr string) (Entry, bool, error) {
	if count < s.cfg.FailureThreshold {
		return Entry{}, false, nil
	}
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	if s.IsBlacklisted(provider) {
		return Entry{}, false, nil
	}
	opts := AddOptions{Type: TypeTemporary, TriggeredBy: TriggeredByAuto}
	if lastErr != "" {
		opts.Notes = "Last error: " + lastErr
	}
	e, err := s.Add(ctx, provider, fmt.Sprintf("Auto-blacklisted after %d consecutive failures", count), opts)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// CleanupExpired retires temporary entries past their expiry and reloads
// the in-memory view. It returns how many entries were retired.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	now := s.now().UTC()
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range expired {
		if _, err := s.store.Deactivate(ctx, e.ID, "", true, now); err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.log.Error("blacklist cleanup failed", "entry_id", e.ID, "provider", e.Provider, "err", err)
			}
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("expired blacklist entries removed", "count", n)
	}
	return n, s.Refresh(ctx)
}

// List returns active entries, or every entry when includeInactive is set.
func (s *Service) List(ctx context.Context, includeInactive bool) ([]Entry, error) {
	out, err := s.store.List(ctx, includeInactive)
	if out == nil && err == nil {
		out = []Entry{}
	}
	return out, err
}

// History returns every entry ever recorded for the provider.
func (s *Service) History(ctx context.Context, provider string) ([]Entry, error) {
	out, err := s.store.History(ctx, provider)
	if out == nil && err == nil {
		out = []Entry{}
	}
	return out, err
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Counts(ctx)
}
