package lease

import (
	"errors"
	"fmt"
)

type State string

const (
	StateRequested    State = "requested"
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StateFulfilled    State = "fulfilled"
	StateExpired      State = "expired"
	StateReleased     State = "released"
	StateFailed       State = "failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateFulfilled, StateExpired, StateReleased, StateFailed:
		return true
	}
	return false
}

type Event string

const (
	// EventProvision starts an attempt against the pool or one provider.
	EventProvision Event = "provision"
	// EventRetry sends a failed attempt back for the next candidate.
	EventRetry    Event = "retry"
	EventActivate Event = "activate"
	EventFail     Event = "fail"
	EventFulfill  Event = "fulfill"
	EventExpire   Event = "expire"
	EventRelease  Event = "release"
)

var ErrInvalidNumberState = errors.New("lease: invalid state transition")

var transitions = map[State]map[Event]State{
	StateRequested: {
		EventProvision: StateProvisioning,
		EventFail:      StateFailed,
	},
	StateProvisioning: {
		EventActivate: StateActive,
		EventRetry:    StateRequested,
		EventFail:     StateFailed,
	},
	StateActive: {
		EventFulfill: StateFulfilled,
		EventExpire:  StateExpired,
		EventRelease: StateReleased,
	},
}

// Next is the pure transition function of the lease lifecycle.
func Next(s State, e Event) (State, error) {
	if to, ok := transitions[s][e]; ok {
		return to, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidNumberState, e, s)
}
