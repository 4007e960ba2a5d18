package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/inboxd/internal/bus"
)

// State represents the push-channel connection state.
type State string

const (
	Absent       State = "ABSENT"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Error        State = "ERROR"
	Disconnected State = "DISCONNECTED"
)

// validTransitions defines allowed state transitions. Connected -> Connecting
// is a reconnect with a replaced credential.
var validTransitions = map[State][]State{
	Absent:       {Connecting},
	Connecting:   {Connected, Error, Disconnected, Absent},
	Connected:    {Connecting, Disconnected, Error, Absent},
	Error:        {Connecting, Disconnected, Absent},
	Disconnected: {Connecting, Absent},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Absent state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Absent,
		bus:     b,
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
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindConnState, StatusChange{From: from, To: to})
	return nil
}

// Enter moves to the given state unless the machine is already there.
func (m *Machine) Enter(to State) error {
	if m.Current() == to {
		return nil
	}
	return m.Transition(to)
}

// StatusChange is the payload for connection state events.
type StatusChange struct {
	From State
	To   State
}
