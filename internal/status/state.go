package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/bus"
)

// State represents a session connection state.
type State string

const (
	Connecting     State = "CONNECTING"
	QRRequired     State = "QR_REQUIRED"
	Authenticating State = "AUTHENTICATING"
	Ready          State = "READY"
	Disconnected   State = "DISCONNECTED"
)

// validTransitions defines allowed state transitions. Disconnected is
// terminal for a session instance; the identifier may be reused by
// creating a brand-new session.
var validTransitions = map[State][]State{
	Connecting:     {QRRequired, Authenticating, Ready, Disconnected},
	QRRequired:     {Authenticating, Ready, Disconnected},
	Authenticating: {Ready, Disconnected},
	Ready:          {Disconnected},
	Disconnected:   {},
}

// Machine tracks and enforces connection state transitions for one session.
type Machine struct {
	mu        sync.RWMutex
	current   State
	sessionID string
	bus       *bus.Bus
}

// NewMachine creates a state machine for the given session, starting in Connecting.
func NewMachine(sessionID string, b *bus.Bus) *Machine {
	return &Machine{
		current:   Connecting,
		sessionID: sessionID,
		bus:       b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is currently in state s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Terminal reports whether the machine reached Disconnected.
func (m *Machine) Terminal() bool {
	return m.Current() == Disconnected
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
	if m.bus != nil {
		m.bus.Emit(bus.KindSessionStatus, m.sessionID, Change{
			From: from,
			To:   to,
		})
	}
	return nil
}

// Change is the payload for session status events.
type Change struct {
	From State
	To   State
}
