package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sms-receive/internal/blacklist"
	"sms-receive/internal/events"
	"sms-receive/internal/provider"
)

var ErrBlacklistDisabled = errors.New("engine: blacklist not configured")

// BlacklistRequest is an operator's request to block a provider.
type BlacklistRequest struct {
	Reason string         `json:"reason"`
	Type   blacklist.Type `json:"type"`
	Notes  string         `json:"notes"`
	// DurationHours applies to temporary entries; zero uses the default.
	DurationHours float64 `json:"duration_hours"`
	// TriggeredBy is filled from the caller's identity.
	TriggeredBy string `json:"-"`
}

// BlacklistProvider blocks a known provider from selection.
func (e *Engine) BlacklistProvider(ctx context.Context, code string, req BlacklistRequest) (blacklist.Entry, error) {
	if e.blacklist == nil {
		return blacklist.Entry{}, ErrBlacklistDisabled
	}
	if _, ok := e.config(code); !ok {
		return blacklist.Entry{}, fmt.Errorf("%w: %s", provider.ErrUnknownProvider, code)
	}
	entry, err := e.blacklist.Add(ctx, code, req.Reason, blacklist.AddOptions{
		Type:        req.Type,
		TriggeredBy: req.TriggeredBy,
		Notes:       req.Notes,
		Duration:    time.Duration(req.DurationHours * float64(time.Hour)),
	})
	if errors.Is(err, blacklist.ErrInvalidEntry) {
		return blacklist.Entry{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err != nil {
		return blacklist.Entry{}, err
	}
	e.publish(ctx, events.ProviderBlacklisted, entry)
	return entry, nil
}

// UnblacklistProvider lifts every active entry of the provider.
func (e *Engine) UnblacklistProvider(ctx context.Context, code, reason string) ([]blacklist.Entry, error) {
	if e.blacklist == nil {
		return nil, ErrBlacklistDisabled
	}
	removed, err := e.blacklist.Remove(ctx, code, reason)
	if removed == nil {
		removed = []blacklist.Entry{}
	}
	return removed, err
}

func (e *Engine) ListBlacklist(ctx context.Context, includeInactive bool) ([]blacklist.Entry, error) {
	if e.blacklist == nil {
		return nil, ErrBlacklistDisabled
	}
	return e.blacklist.List(ctx, includeInactive)
}

func (e *Engine) BlacklistHistory(ctx context.Context, code string) ([]blacklist.Entry, error) {
	if e.blacklist == nil {
		return nil, ErrBlacklistDisabled
	}
	return e.blacklist.History(ctx, code)
}

func (e *Engine) BlacklistStats(ctx context.Context) (blacklist.Stats, error) {
	if e.blacklist == nil {
		return blacklist.Stats{}, ErrBlacklistDisabled
	}
	return e.blacklist.Stats(ctx)
}
