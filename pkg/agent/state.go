package agent

import "fmt"

// State is a step of the run state machine.
type State string

const (
	StateIdle                State = "idle"
	StateRequesting          State = "requesting"
	StateAwaitingToolResults State = "awaiting_tool_results"
	StateResponding          State = "responding"
	StateTerminal            State = "terminal"
)

var transitions = map[State][]State{
	StateIdle:                {StateRequesting, StateTerminal},
	StateRequesting:          {StateAwaitingToolResults, StateResponding, StateTerminal},
	StateAwaitingToolResults: {StateRequesting, StateTerminal},
	StateResponding:          {StateTerminal},
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine tracks one run's state. It is owned by a single goroutine.
type machine struct {
	state State
	trail []State
}

func newMachine() *machine {
	return &machine{state: StateIdle, trail: []State{StateIdle}}
}

func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("illegal run transition %s -> %s", m.state, next)
	}
	m.state = next
	m.trail = append(m.trail, next)
	return nil
}
