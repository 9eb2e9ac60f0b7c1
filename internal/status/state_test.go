package status

import (
	"testing"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		path []State
	}{
		{[]State{Ready}},
		{[]State{Degraded}},
		{[]State{Ready, Degraded, Ready}},
		{[]State{Ready, Stopping}},
		{[]State{Error, Booting, Ready}},
	}
	for _, tt := range tests {
		m := NewMachine(nil)
		for _, to := range tt.path {
			if err := m.Transition(to); err != nil {
				t.Fatalf("path %v: Transition(%s) error = %v", tt.path, to, err)
			}
		}
		if got, want := m.Current(), tt.path[len(tt.path)-1]; got != want {
			t.Errorf("path %v: state = %s, want %s", tt.path, got, want)
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Transition(Stopping)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(STOPPING -> READY) should fail")
	}
}

func TestSameStateIsNoop(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("daemon.", 10)
	defer unsub()

	m := NewMachine(b)
	_ = m.Transition(Ready)
	<-ch
	if err := m.Transition(Ready); err != nil {
		t.Fatalf("Transition(READY -> READY) error = %v", err)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event for no-op transition: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("daemon.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Degraded); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Booting || change.To != Degraded {
			t.Errorf("change = %+v, want BOOTING -> DEGRADED", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}
