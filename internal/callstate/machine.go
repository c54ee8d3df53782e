// Package callstate tracks the conversational phase of a single call.
package callstate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type State string

const (
	Listening  State = "listening"
	Processing State = "processing"
	Speaking   State = "speaking"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// allowed is the complete transition table. Anything else needs
// ForceTransition.
var allowed = map[State][]State{
	Listening:  {Processing},
	Processing: {Speaking, Listening},
	Speaking:   {Listening},
}

const maxHistory = 64

type Transition struct {
	From   State
	To     State
	At     time.Time
	Forced bool
	Reason string
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

type Machine struct {
	now    func() time.Time
	logger *slog.Logger

	mu        sync.RWMutex
	current   State
	enteredAt time.Time
	history   []Transition
}

func New(opts ...Option) *Machine {
	m := &Machine{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.current = Listening
	m.enteredAt = m.now()
	return m
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Machine) EnteredAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enteredAt
}

func (m *Machine) DurationInState() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now().Sub(m.enteredAt)
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo moves along an allowed edge. A rejected transition leaves the
// state unchanged and returns an error wrapping ErrInvalidTransition.
func (m *Machine) TransitionTo(next State) error {
	m.mu.Lock()
	from := m.current
	if !CanTransition(from, next) {
		m.mu.Unlock()
		m.logger.Warn("state_transition_rejected", "from", string(from), "to", string(next))
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	m.apply(Transition{From: from, To: next})
	m.mu.Unlock()
	m.logger.Debug("state_transition", "from", string(from), "to", string(next))
	return nil
}

// ForceTransition bypasses the table for recovery paths. It always succeeds
// and is recorded in the history with its reason.
func (m *Machine) ForceTransition(next State, reason string) {
	m.mu.Lock()
	from := m.current
	m.apply(Transition{From: from, To: next, Forced: true, Reason: reason})
	m.mu.Unlock()
	m.logger.Warn("state_transition_forced", "from", string(from), "to", string(next), "reason", reason)
}

// caller holds m.mu.
func (m *Machine) apply(t Transition) {
	t.At = m.now()
	m.current = t.To
	m.enteredAt = t.At
	if len(m.history) == maxHistory {
		copy(m.history, m.history[1:])
		m.history = m.history[:maxHistory-1]
	}
	m.history = append(m.history, t)
}

func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
