package status

import (
	"testing"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine("s1", nil)
	if m.Current() != Connecting {
		t.Errorf("initial state = %s, want CONNECTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Connecting, QRRequired},
		{Connecting, Authenticating},
		{Connecting, Ready},
		{Connecting, Disconnected},
		{QRRequired, Authenticating},
		{QRRequired, Ready},
		{QRRequired, Disconnected},
		{Authenticating, Ready},
		{Authenticating, Disconnected},
		{Ready, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine("s1", nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Ready, QRRequired},
		{Ready, Authenticating},
		{Authenticating, QRRequired},
		{Disconnected, Connecting},
		{Disconnected, Ready},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine("s1", nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (should not have changed)", m.Current(), tt.from)
			}
		})
	}
}

func TestDisconnectedIsTerminal(t *testing.T) {
	m := NewMachine("s1", nil)
	walkTo(t, m, Disconnected)

	if !m.Terminal() {
		t.Error("Terminal() = false, want true in DISCONNECTED")
	}
	for _, to := range []State{Connecting, QRRequired, Authenticating, Ready} {
		if err := m.Transition(to); err == nil {
			t.Errorf("Transition(DISCONNECTED -> %s) should fail", to)
		}
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine("alice", b)
	if err := m.Transition(QRRequired); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindSessionStatus {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindSessionStatus)
	}
	if evt.SessionID != "alice" {
		t.Errorf("session id = %q, want alice", evt.SessionID)
	}
	change, ok := evt.Payload.(Change)
	if !ok {
		t.Fatalf("payload type = %T, want Change", evt.Payload)
	}
	if change.From != Connecting || change.To != QRRequired {
		t.Errorf("change = %v -> %v, want CONNECTING -> QR_REQUIRED", change.From, change.To)
	}
}

// TestFullQRLifecycle simulates the complete first-run lifecycle:
// CONNECTING → QR_REQUIRED → AUTHENTICATING → READY → DISCONNECTED
func TestFullQRLifecycle(t *testing.T) {
	m := NewMachine("s1", nil)

	steps := []State{QRRequired, Authenticating, Ready, Disconnected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.Terminal() {
		t.Errorf("final state = %s, want DISCONNECTED", m.Current())
	}
}

// TestReturningUserLifecycle simulates a session whose credentials are
// already stored: CONNECTING → READY with no QR step.
func TestReturningUserLifecycle(t *testing.T) {
	m := NewMachine("s1", nil)

	if err := m.Transition(Ready); err != nil {
		t.Fatalf("CONNECTING -> READY: %v", err)
	}
	if !m.Is(Ready) {
		t.Errorf("state = %s, want READY", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Connecting:     {},
		QRRequired:     {QRRequired},
		Authenticating: {QRRequired, Authenticating},
		Ready:          {QRRequired, Authenticating, Ready},
		Disconnected:   {Disconnected},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
