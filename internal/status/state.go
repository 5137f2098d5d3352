package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/port/internal/bus"
)

// State is the daemon's view of its relay connectivity.
type State string

const (
	Booting    State = "BOOTING"
	Migrating  State = "MIGRATING"
	Connecting State = "CONNECTING"
	Online     State = "ONLINE"
	Offline    State = "OFFLINE"
	Error      State = "ERROR"
)

var validTransitions = map[State][]State{
	Booting:    {Migrating, Error},
	Migrating:  {Connecting, Offline, Error},
	Connecting: {Online, Offline, Error},
	Online:     {Offline, Connecting, Error},
	Offline:    {Connecting, Online, Error},
	Error:      {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.bus.Emit(bus.StatusChanged, StatusChange{From: from, To: to})
	return nil
}

// Ensure moves to the target state if it is not already current. Unlike
// Transition it is a no-op when the machine is already there.
func (m *Machine) Ensure(to State) error {
	if m.Current() == to {
		return nil
	}
	return m.Transition(to)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
