package connstate

import (
	"errors"
	"testing"
)

// forceState drives a fresh machine into s through legal transitions.
func forceState(t *testing.T, m *Machine, s State) {
	t.Helper()

	paths := map[State][]State{
		Disconnected:     nil,
		Connecting:       {Connecting},
		ConnectedSummary: {Connecting, ConnectedSummary},
		ConnectedFull:    {Connecting, ConnectedFull},
		Paused:           {Connecting, ConnectedSummary, Paused},
		Reconnecting:     {Connecting, Reconnecting},
		Error:            {Error},
	}

	for _, step := range paths[s] {
		if err := m.TransitionTo(step, nil); err != nil {
			t.Fatalf("forceState(%s): %v", s, err)
		}
	}
	if m.State() != s {
		t.Fatalf("forceState: got %s, want %s", m.State(), s)
	}
}

func TestMachine_InitialState(t *testing.T) {
	m := NewMachine("S1", nil)

	if m.State() != Disconnected {
		t.Errorf("State() = %s, want %s", m.State(), Disconnected)
	}
	if m.IsConnected() {
		t.Error("new machine should not be connected")
	}
	if len(m.History()) != 0 {
		t.Errorf("History() len = %d, want 0", len(m.History()))
	}
}

func TestMachine_DisallowedTransitionsLeaveStateUnchanged(t *testing.T) {
	for _, from := range AllStates {
		for _, to := range AllStates {
			if Allowed(from, to) {
				continue
			}

			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				m := NewMachine("S1", nil)
				forceState(t, m, from)
				before := len(m.History())

				err := m.TransitionTo(to, nil)
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("TransitionTo() error = %v, want ErrInvalidTransition", err)
				}

				var te *TransitionError
				if !errors.As(err, &te) || te.From != from || te.To != to {
					t.Errorf("TransitionError = %+v, want from=%s to=%s", te, from, to)
				}
				if m.State() != from {
					t.Errorf("State() = %s after failed transition, want %s", m.State(), from)
				}
				if len(m.History()) != before {
					t.Errorf("history grew on failed transition")
				}
			})
		}
	}
}

func TestMachine_SameStateIsNoOpButNotifies(t *testing.T) {
	for _, s := range AllStates {
		t.Run(string(s), func(t *testing.T) {
			m := NewMachine("S1", nil)
			forceState(t, m, s)
			prev := m.Previous()
			historyLen := len(m.History())

			calls := 0
			m.OnTransition(func(from, to State, meta Metadata) {
				calls++
				if from != s || to != s {
					t.Errorf("listener got %s->%s, want %s->%s", from, to, s, s)
				}
			})

			if err := m.TransitionTo(s, nil); err != nil {
				t.Fatalf("TransitionTo(%s) same state: %v", s, err)
			}
			if calls != 1 {
				t.Errorf("listener calls = %d, want 1", calls)
			}
			if m.State() != s || m.Previous() != prev {
				t.Errorf("state changed on no-op: %s (prev %s)", m.State(), m.Previous())
			}
			if len(m.History()) != historyLen {
				t.Errorf("history changed on no-op")
			}
		})
	}
}

func TestMachine_ResetFromAnyState(t *testing.T) {
	for _, s := range AllStates {
		t.Run(string(s), func(t *testing.T) {
			m := NewMachine("S1", nil)
			forceState(t, m, s)

			m.Reset()

			if m.State() != Disconnected {
				t.Errorf("State() after Reset = %s, want %s", m.State(), Disconnected)
			}
			if m.Previous() != s {
				t.Errorf("Previous() after Reset = %s, want %s", m.Previous(), s)
			}
			last := m.History()[len(m.History())-1]
			if last.Metadata[MetaReason] != "reset" {
				t.Errorf("last history reason = %v, want reset", last.Metadata[MetaReason])
			}
		})
	}
}

func TestMachine_ListenerPanicIsolated(t *testing.T) {
	m := NewMachine("S1", nil)

	var second int
	m.OnTransition(func(from, to State, meta Metadata) {
		panic("boom")
	})
	m.OnTransition(func(from, to State, meta Metadata) {
		second++
	})

	if err := m.TransitionTo(Connecting, nil); err != nil {
		t.Fatalf("TransitionTo() error = %v", err)
	}

	if m.State() != Connecting {
		t.Errorf("State() = %s, want %s (transition must not roll back)", m.State(), Connecting)
	}
	if second != 1 {
		t.Errorf("second listener calls = %d, want 1", second)
	}
}

func TestMachine_ListenerReceivesMetadata(t *testing.T) {
	m := NewMachine("S1", nil)

	var got Metadata
	unsubscribe := m.OnTransition(func(from, to State, meta Metadata) {
		got = meta
	})

	m.TransitionTo(Connecting, Metadata{MetaURL: "ws://x"})
	if got[MetaURL] != "ws://x" {
		t.Errorf("metadata url = %v, want ws://x", got[MetaURL])
	}

	unsubscribe()
	got = nil
	m.TransitionTo(ConnectedSummary, nil)
	if got != nil {
		t.Error("listener called after unsubscribe")
	}
}

func TestMachine_HistoryBounded(t *testing.T) {
	m := NewMachine("S1", nil)

	for i := 0; i < 40; i++ {
		m.TransitionTo(Connecting, nil)
		m.TransitionTo(ConnectedSummary, nil)
		m.TransitionTo(Disconnected, nil)
	}

	h := m.History()
	if len(h) != HistorySize {
		t.Fatalf("History() len = %d, want %d", len(h), HistorySize)
	}
	last := h[len(h)-1]
	if last.From != ConnectedSummary || last.To != Disconnected {
		t.Errorf("last entry = %s->%s, want %s->%s", last.From, last.To, ConnectedSummary, Disconnected)
	}
}

func TestMachine_CanTransitionTo(t *testing.T) {
	m := NewMachine("S1", nil)

	if !m.CanTransitionTo(Connecting) {
		t.Error("Disconnected should allow Connecting")
	}
	if m.CanTransitionTo(ConnectedFull) {
		t.Error("Disconnected should not allow ConnectedFull")
	}
	if m.State() != Disconnected {
		t.Error("CanTransitionTo must not change state")
	}
}

func TestState_DerivedViews(t *testing.T) {
	tests := []struct {
		state      State
		connected  bool
		canReceive bool
	}{
		{Disconnected, false, false},
		{Connecting, false, false},
		{ConnectedSummary, true, true},
		{ConnectedFull, true, true},
		{Paused, true, false},
		{Reconnecting, false, false},
		{Error, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsConnected(); got != tt.connected {
				t.Errorf("IsConnected() = %v, want %v", got, tt.connected)
			}
			if got := tt.state.CanReceiveData(); got != tt.canReceive {
				t.Errorf("CanReceiveData() = %v, want %v", got, tt.canReceive)
			}
		})
	}
}

func TestAllowed_DisconnectedAlwaysReachable(t *testing.T) {
	for _, s := range AllStates {
		if !Allowed(s, Disconnected) {
			t.Errorf("%s -> %s should be allowed", s, Disconnected)
		}
	}
}

func TestAllowed_UnknownState(t *testing.T) {
	if Allowed(State("bogus"), Disconnected) {
		t.Error("unknown source state should not be allowed")
	}
	if Allowed(State("bogus"), State("bogus")) {
		t.Error("unknown same-state should not be allowed")
	}
}
