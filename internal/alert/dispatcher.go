package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Kind string

const (
	KindProviderDown Kind = "provider_down"
	KindLowBalance   Kind = "low_balance"
	KindPoolEmpty    Kind = "pool_empty"
	// KindProviderBlacklisted fires when repeated failures blacklist a provider.
	KindProviderBlacklisted Kind = "provider_blacklisted"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	Kind     Kind              `json:"kind"`
	Severity Severity          `json:"severity"`
	Subject  string            `json:"subject"`
	Message  string            `json:"message"`
	Labels   map[string]string `json:"labels,omitempty"`
	At       time.Time         `json:"at"`
}

// Dispatcher delivers alerts. Delivery is best-effort; callers log errors
// and carry on.
type Dispatcher interface {
	Notify(ctx context.Context, a Alert) error
}

// Log writes alerts to the structured log.
type Log struct {
	Logger *slog.Logger
}

func (d Log) Notify(ctx context.Context, a Alert) error {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelWarn
	if a.Severity == SeverityCritical {
		level = slog.LevelError
	}
	l.Log(ctx, level, "alert", "kind", a.Kind, "subject", a.Subject, "message", a.Message, "labels", a.Labels)
	return nil
}

// Webhook POSTs alerts as JSON, retrying with exponential backoff.
type Webhook struct {
	URL        string
	Client     *http.Client
	MaxElapsed time.Duration
}

var errPermanent = errors.New("alert: webhook rejected")

func (w Webhook) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	maxElapsed := w.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("alert webhook: status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("%w: status %d", errPermanent, resp.StatusCode))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Multi fans an alert out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, d := range m {
		if err := d.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttle suppresses repeats of the same (kind, subject) within Window.
type Throttle struct {
	Next   Dispatcher
	Window time.Duration
	Now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewThrottle(next Dispatcher, window time.Duration) *Throttle {
	return &Throttle{Next: next, Window: window, Now: time.Now, last: map[string]time.Time{}}
}

func (t *Throttle) Notify(ctx context.Context, a Alert) error {
	key := string(a.Kind) + "|" + a.Subject
	now := t.Now()
	t.mu.Lock()
	if at, ok := t.last[key]; ok && now.Sub(at) < t.Window {
		t.mu.Unlock()
		return nil
	}
	t.last[key] = now
	t.mu.Unlock()
	return t.Next.Notify(ctx, a)
}
