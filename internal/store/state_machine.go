package store

import (
	"fmt"
	"strings"
)

type State string

const (
	StatePending         State = "PENDING"
	StateValidating      State = "VALIDATING"
	StateDispatched      State = "DISPATCHED"
	StateRendering       State = "RENDERING"
	StateVerifying       State = "VERIFYING"
	StateRetryScheduled  State = "RETRY_SCHEDULED"
	StateCancelRequested State = "CANCEL_REQUESTED"
	StateSucceeded       State = "SUCCEEDED"
	StateFailed          State = "FAILED"
)

var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateValidating:      {},
		StateCancelRequested: {},
	},
	StateValidating: {
		StateDispatched:      {},
		StateFailed:          {},
		StateCancelRequested: {},
	},
	StateDispatched: {
		StateRendering: {},
	},
	StateRendering: {
		StateVerifying: {},
	},
	StateVerifying: {
		StateSucceeded:      {},
		StateRetryScheduled: {},
		StateFailed:         {},
	},
	StateRetryScheduled: {
		StateDispatched: {},
		StateFailed:     {},
	},
	StateCancelRequested: {
		StateFailed: {},
	},
	StateSucceeded: {},
	StateFailed:    {},
}

func ParseState(raw string) (State, error) {
	state := State(strings.ToUpper(strings.TrimSpace(raw)))
	if err := ValidateState(state); err != nil {
		return "", err
	}
	return state, nil
}

func ValidateState(state State) error {
	if _, ok := allowedTransitions[state]; !ok {
		return fmt.Errorf("invalid job state: %q", state)
	}
	return nil
}

func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Cancellable reports whether a queued cancel moves the job to
// CANCEL_REQUESTED. Later states defer the cancel until the attempt resolves.
func (s State) Cancellable() bool {
	return s == StatePending || s == StateValidating
}

func AllStates() []State {
	return []State{
		StatePending,
		StateValidating,
		StateDispatched,
		StateRendering,
		StateVerifying,
		StateRetryScheduled,
		StateCancelRequested,
		StateSucceeded,
		StateFailed,
	}
}
