package frame

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for lifecycle moves the table does not allow.
var ErrInvalidTransition = errors.New("frame: invalid session transition")

// State is the lifecycle state of one streaming session.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// Terminal reports whether s ends the session.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return ok
}

type exit struct {
	kind  Kind
	emits bool
}

// transitions lists every terminal state reachable from StateActive and the
// frame it puts on the wire. Client-initiated aborts emit nothing.
var transitions = map[State]exit{
	StateCompleted: {kind: KindDone, emits: true},
	StateFailed:    {kind: KindError, emits: true},
	StateAborted:   {},
}

// Transition validates the move from -> to and reports the kind of frame the
// move emits, if any.
func Transition(from, to State) (Kind, bool, error) {
	if from != StateActive {
		return "", false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	e, ok := transitions[to]
	if !ok {
		return "", false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return e.kind, e.emits, nil
}

// StateOf returns the terminal state a received terminal frame moves a session into.
func StateOf(k Kind) (State, bool) {
	switch k {
	case KindDone:
		return StateCompleted, true
	case KindError:
		return StateFailed, true
	}
	return "", false
}
