package status

import (
	"fmt"
	"slices"
	"sync"
)

// State represents the lifecycle state of one transport connection.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closed is terminal: a
// fresh attempt needs a new Machine.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Closed},
	Connecting:   {Open, Reconnecting, Closed},
	Open:         {Reconnecting, Closed},
	Reconnecting: {Open, Closed},
	Closed:       {},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu       sync.RWMutex
	current  State
	onChange func(StatusChange)
}

// NewMachine creates a state machine starting in Disconnected. onChange, if
// non-nil, is called after every successful transition.
func NewMachine(onChange func(StatusChange)) *Machine {
	return &Machine{
		current:  Disconnected,
		onChange: onChange,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for connection state change events.
type StatusChange struct {
	Context string
	From    State
	To      State
}
