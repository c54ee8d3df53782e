package callstate

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewStartsListening(t *testing.T) {
	m := New(WithLogger(quietLogger()))
	if m.Current() != Listening {
		t.Fatalf("unexpected initial state: %s", m.Current())
	}
	if len(m.History()) != 0 {
		t.Fatalf("unexpected history: %+v", m.History())
	}
}

func TestAllowedCycle(t *testing.T) {
	m := New(WithLogger(quietLogger()))
	for _, next := range []State{Processing, Speaking, Listening, Processing, Listening} {
		if err := m.TransitionTo(next); err != nil {
			t.Fatalf("TransitionTo(%s) error = %v", next, err)
		}
	}
	if m.Current() != Listening {
		t.Fatalf("unexpected state: %s", m.Current())
	}
	if got := len(m.History()); got != 5 {
		t.Fatalf("unexpected history length: %d", got)
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	m := New(WithLogger(quietLogger()))

	err := m.TransitionTo(Speaking)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if m.Current() != Listening {
		t.Fatalf("state changed on rejected transition: %s", m.Current())
	}
	if err := m.TransitionTo(Listening); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("self transition should be rejected, got %v", err)
	}
}

func TestForceTransitionIsRecordedWithReason(t *testing.T) {
	m := New(WithLogger(quietLogger()))

	m.ForceTransition(Speaking, "test recovery")
	if m.Current() != Speaking {
		t.Fatalf("unexpected state: %s", m.Current())
	}
	h := m.History()
	if len(h) != 1 || !h[0].Forced || h[0].Reason != "test recovery" {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestDurationInStateUsesClock(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(WithLogger(quietLogger()), WithClock(func() time.Time { return now }))

	now = now.Add(2 * time.Second)
	if got := m.DurationInState(); got != 2*time.Second {
		t.Fatalf("unexpected duration: %v", got)
	}
	if err := m.TransitionTo(Processing); err != nil {
		t.Fatalf("TransitionTo() error = %v", err)
	}
	if got := m.DurationInState(); got != 0 {
		t.Fatalf("duration should reset on entry, got %v", got)
	}
}

// Random event sequences never reach a state through an edge outside the
// table unless the step was forced.
func TestRandomSequencesOnlyFollowTable(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	states := []State{Listening, Processing, Speaking}
	m := New(WithLogger(quietLogger()))

	for i := 0; i < 500; i++ {
		next := states[r.Intn(len(states))]
		if r.Intn(20) == 0 {
			m.ForceTransition(next, "fuzz")
			continue
		}
		_ = m.TransitionTo(next)
	}
	for _, tr := range m.History() {
		if !tr.Forced && !CanTransition(tr.From, tr.To) {
			t.Fatalf("illegal unforced edge recorded: %+v", tr)
		}
		if tr.Forced && tr.Reason == "" {
			t.Fatalf("forced transition without reason: %+v", tr)
		}
	}
	if got := len(m.History()); got > maxHistory {
		t.Fatalf("history not bounded: %d", got)
	}
}
