// Package status tracks the health of the local store as a state machine and
// announces every change on the bus.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatvault/internal/bus"
)

// State represents the health of the local store.
type State string

const (
	Booting    State = "BOOTING"
	Checking   State = "CHECKING"
	Healthy    State = "HEALTHY"
	Repairing  State = "REPAIRING"
	Degraded   State = "DEGRADED"
	Recovering State = "RECOVERING"
	Failed     State = "FAILED"
)

// Serving reports whether the store answers queries in this state. While
// recovering the database file is being replaced; after a failed recovery
// it may be missing.
func (s State) Serving() bool {
	return s != Recovering && s != Failed
}

// validTransitions defines allowed state transitions. Degraded is where a
// failed repair parks the store; only an explicit recovery or a later
// successful check leaves it.
var validTransitions = map[State][]State{
	Booting:    {Checking, Repairing, Recovering, Failed},
	Checking:   {Healthy, Repairing, Degraded, Recovering},
	Healthy:    {Checking, Repairing, Recovering},
	Repairing:  {Healthy, Degraded, Recovering},
	Degraded:   {Checking, Repairing, Recovering},
	Recovering: {Healthy, Failed},
	Failed:     {Checking, Repairing, Recovering},
}

// Change is the payload of bus.KindStatusChanged.
type Change struct {
	From State
	To   State
}

// Snapshot is a consistent view of the machine.
type Snapshot struct {
	State       State
	Since       time.Time
	Transitions int
}

// Machine tracks and enforces store health transitions.
type Machine struct {
	mu          sync.RWMutex
	current     State
	since       time.Time
	transitions int
	bus         *bus.Bus
	now         func() time.Time
}

// NewMachine creates a machine in Booting. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
		now:     time.Now,
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

// Snapshot returns the state, when it was entered and how many transitions
// have happened since boot.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.current, Since: m.since, Transitions: m.transitions}
}

// Transition moves to state to and publishes a Change. Moving to the current
// state is a no-op and publishes nothing.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	m.since = m.now()
	m.transitions++
	at := m.since
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: at,
			Payload:   Change{From: from, To: to},
		})
	}
	return nil
}
