package model

import (
	errx "github.com/Chative-core-poc-v1/toolcall/internal/core/error"
)

// State is the lifecycle state of a tool call.
type State string

const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether s is PENDING or IN_PROGRESS.
func (s State) IsActive() bool {
	return s == StatePending || s == StateInProgress
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateInProgress: {},
		StateCancelled:  {},
	},
	StateInProgress: {
		StateCompleted: {},
		StateFailed:    {},
		StateCancelled: {},
	},
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

// ValidateTransition returns an InvalidTransition error unless from -> to is
// listed in the transition table. Self transitions are not allowed.
func ValidateTransition(from, to State) error {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return errx.InvalidTransition("unknown source state %q", from)
	}
	if !to.Valid() {
		return errx.InvalidTransition("unknown target state %q", to)
	}
	if _, ok := allowed[to]; !ok {
		return errx.InvalidTransition("%s -> %s is not allowed", from, to)
	}
	return nil
}

// CanTransition is the boolean form of ValidateTransition.
func CanTransition(from, to State) bool {
	return ValidateTransition(from, to) == nil
}

// States lists every known state in lifecycle order.
func States() []State {
	return []State{StatePending, StateInProgress, StateCompleted, StateFailed, StateCancelled}
}
