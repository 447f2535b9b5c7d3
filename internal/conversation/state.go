package conversation

import (
	"fmt"
	"slices"
	"sync"
)

// State represents a conversation session lifecycle state.
type State string

const (
	Loading   State = "LOADING"
	Ready     State = "READY"
	Sending   State = "SENDING"
	Receiving State = "RECEIVING"
	Closed    State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closed is terminal.
var validTransitions = map[State][]State{
	Loading:   {Ready, Closed},
	Ready:     {Sending, Receiving, Closed},
	Sending:   {Ready, Receiving, Closed},
	Receiving: {Ready, Sending, Closed},
	Closed:    {},
}

// machine tracks and enforces session state transitions.
type machine struct {
	mu      sync.RWMutex
	current State
}

func newMachine() *machine {
	return &machine{current: Loading}
}

// Current returns the current state.
func (m *machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.current = to
	return nil
}
