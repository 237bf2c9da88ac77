package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrProviderFailure wraps any error returned by an upstream provider call.
	ErrProviderFailure = errors.New("provider: upstream failure")
	ErrNoNumbers       = errors.New("provider: no numbers available")
	ErrUnknownProvider = errors.New("provider: unknown provider")
	ErrNotFound        = errors.New("provider: config not found")
)

// Adapter is the only surface the engine uses to reach an upstream provider.
//
// Rules:
// - No provider SDK or HTTP calls outside adapters.
// - Every method honours ctx cancellation and deadlines.
// - Returned errors are raw; the engine wraps them as ErrProviderFailure.
type Adapter interface {
	Code() string
	PurchaseNumber(ctx context.Context, serviceCode, countryCode string) (Purchase, error)
	CheckBalance(ctx context.Context) (Balance, error)
	FetchInboundSms(ctx context.Context, activationID string) ([]InboundSms, error)
}

// Canceler is implemented by adapters that can cancel an activation upstream.
type Canceler interface {
	CancelActivation(ctx context.Context, activationID string) error
}

// Failure wraps err so errors.Is(err, ErrProviderFailure) holds while keeping the cause.
func Failure(code string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrProviderFailure, code, err)
}

// Registry maps provider codes to adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Code()] = a
}

func (r *Registry) Get(code string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, code)
	}
	return a, nil
}

func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for code := range r.adapters {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
