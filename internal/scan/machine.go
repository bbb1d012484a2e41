package scan

import (
	"log/slog"
	"time"
)

// Machine holds the current State and enforces the transition table.
// It is driven from the orchestrator's loop and is not safe for concurrent use.
type Machine struct {
	state    State
	notifier *Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithNotifier delivers state changes through n.
func WithNotifier(n *Notifier) MachineOption {
	return func(m *Machine) { m.notifier = n }
}

// WithMachineLogger sets the logger used for rejected transitions.
func WithMachineLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = l }
}

// WithClock sets the time source for event timestamps.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a machine in StateIdle.
func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{
		state:  StateIdle,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.notifier == nil {
		m.notifier = NewNotifier()
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Subscribe registers h for every event published on the machine's notifier.
func (m *Machine) Subscribe(h Handler) func() { return m.notifier.Subscribe(h) }

// TransitionTo moves to target if the table allows it. Moving to the
// current state succeeds without notifying. An illegal target is logged
// and leaves the state unchanged.
func (m *Machine) TransitionTo(target State) bool {
	if target == m.state {
		return true
	}
	if !CanTransition(m.state, target) {
		m.logger.Warn("rejected state transition",
			"from", m.state.String(), "to", target.String(), "allowed", AllowedFrom(m.state))
		return false
	}
	m.commit(target)
	return true
}

// forceIdle bypasses the table. It reports whether the state changed.
func (m *Machine) forceIdle() bool {
	if m.state == StateIdle {
		return false
	}
	m.commit(StateIdle)
	return true
}

func (m *Machine) commit(target State) {
	from := m.state
	m.state = target
	m.logger.Debug("state changed", "from", from.String(), "to", target.String())
	m.notifier.Publish(Event{
		Kind:   EventStateChanged,
		Time:   m.now(),
		Change: &StateChange{From: from, To: target},
	})
}
