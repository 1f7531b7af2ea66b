package client

import (
	"strings"

	"github.com/zhouzirui/z-chat/backend/pkg/frame"
)

// Accumulator holds the visible reply of one session and its lifecycle state.
// It is not safe for concurrent use; Session guards it.
type Accumulator struct {
	text  strings.Builder
	state frame.State
	err   string
}

// NewAccumulator returns an empty accumulator in the active state.
func NewAccumulator() *Accumulator {
	return &Accumulator{state: frame.StateActive}
}

// Apply folds f into the reply. It reports false when f was ignored because the
// session had already ended.
func (a *Accumulator) Apply(f frame.Frame) bool {
	if a.state.Terminal() {
		return false
	}

	switch f.Kind {
	case frame.KindDelta:
		a.text.WriteString(f.Content)
		return true
	case frame.KindDone, frame.KindError:
		to, _ := frame.StateOf(f.Kind)
		if err := a.Finish(to); err != nil {
			return false
		}
		if f.Kind == frame.KindDone {
			// the durable record replaces the streamed text
			a.text.Reset()
		} else {
			a.err = f.Error
		}
		return true
	}
	return false
}

// Finish moves the session into a terminal state without a frame.
func (a *Accumulator) Finish(to frame.State) error {
	if _, _, err := frame.Transition(a.state, to); err != nil {
		return err
	}
	a.state = to
	return nil
}

func (a *Accumulator) Text() string       { return a.text.String() }
func (a *Accumulator) State() frame.State { return a.state }

// ErrorMessage is the diagnostic of the error frame that failed the session.
func (a *Accumulator) ErrorMessage() string { return a.err }
