package turn

import (
	"errors"
	"fmt"
)

// State is a turn's position in the request, stream, tools, follow-up cycle.
type State string

const (
	StateAwaitingModel       State = "awaiting_model"
	StateStreamingText       State = "streaming_text"
	StateStreamingToolCalls  State = "streaming_tool_calls"
	StateAwaitingToolResults State = "awaiting_tool_results"
	StateBuildingFollowup    State = "building_followup"
	StateDone                State = "done"
)

// ErrIllegalTransition is wrapped by Machine.Transition for disallowed moves.
var ErrIllegalTransition = errors.New("illegal turn state transition")

var allowedTransitions = map[State]map[State]struct{}{
	StateAwaitingModel: {
		StateStreamingText:       {},
		StateStreamingToolCalls:  {},
		StateAwaitingToolResults: {},
		// The request could not be prepared.
		StateDone: {},
	},
	StateStreamingText: {
		StateStreamingToolCalls:  {},
		StateAwaitingToolResults: {},
	},
	StateStreamingToolCalls: {
		StateStreamingText:       {},
		StateAwaitingToolResults: {},
	},
	StateAwaitingToolResults: {
		StateBuildingFollowup: {},
		StateDone:             {},
	},
	StateBuildingFollowup: {
		StateAwaitingModel: {},
		StateDone:          {},
	},
	StateDone: {},
}

// Machine tracks one turn's state. Staying in the same state is a no-op.
type Machine struct {
	state State
}

// NewMachine starts in StateAwaitingModel.
func NewMachine() *Machine {
	return &Machine{state: StateAwaitingModel}
}

func (m *Machine) State() State { return m.state }

// Transition moves to next and reports whether the state changed.
func (m *Machine) Transition(next State) (bool, error) {
	if next == m.state {
		return false, nil
	}
	if _, ok := allowedTransitions[m.state][next]; !ok {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
	}
	m.state = next
	return true, nil
}
