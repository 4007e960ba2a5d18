package status

import (
	"testing"

	"github.com/matheus3301/inboxd/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Absent {
		t.Errorf("initial state = %s, want ABSENT", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Absent, Connecting},
		{Connecting, Connected},
		{Connecting, Error},
		{Connected, Disconnected},
		{Connected, Connecting},
		{Error, Connecting},
		{Disconnected, Connecting},
		{Disconnected, Absent},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
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

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(ABSENT -> CONNECTED) should fail")
	}
	if m.Current() != Absent {
		t.Errorf("state = %s, want ABSENT (unchanged)", m.Current())
	}
}

func TestEnterSameStateIsNoop(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Enter(Absent); err != nil {
		t.Fatalf("Enter(ABSENT) from ABSENT: %v", err)
	}
	walkTo(t, m, Connecting)
	if err := m.Enter(Connecting); err != nil {
		t.Fatalf("Enter(CONNECTING) from CONNECTING: %v", err)
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindConnState {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindConnState)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Absent || change.To != Connecting {
		t.Errorf("change = %v -> %v, want ABSENT -> CONNECTING", change.From, change.To)
	}
}

// TestRetryLifecycle walks a drop and successful retry:
// CONNECTED -> DISCONNECTED -> CONNECTING -> ERROR -> CONNECTING -> CONNECTED
func TestRetryLifecycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	steps := []State{Disconnected, Connecting, Error, Connecting, Connected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// TestCredentialRemovalTearsDown verifies every live state can be torn down.
func TestCredentialRemovalTearsDown(t *testing.T) {
	for _, from := range []State{Connecting, Connected, Error, Disconnected} {
		m := NewMachine(nil)
		walkTo(t, m, from)
		if err := m.Transition(Absent); err != nil {
			t.Errorf("%s -> ABSENT: %v", from, err)
		}
	}
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Absent:       {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Error:        {Connecting, Error},
		Disconnected: {Connecting, Connected, Disconnected},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
