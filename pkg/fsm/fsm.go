// Package fsm is a minimal table-driven state machine. Transition tables are
// declared as data by the owning package; the driver only validates that a
// trigger is legal from the current state.
package fsm

import (
	"fmt"
	"sync"
)

type State string

type Trigger string

// Transition is one edge of the graph.
type Transition struct {
	Trigger Trigger
	From    State
	To      State
}

// ErrIllegalTransition reports a trigger fired from a state with no matching edge.
type ErrIllegalTransition struct {
	Trigger Trigger
	From    State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition: trigger %q from state %q", e.Trigger, e.From)
}

// Machine holds a current state and its transition table. Fire is safe for
// concurrent use.
type Machine struct {
	mu          sync.Mutex
	current     State
	transitions []Transition
}

func New(initial State, transitions []Transition) *Machine {
	return &Machine{current: initial, transitions: transitions}
}

func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// Fire applies trigger and returns the new state, or an error leaving the
// state untouched.
func (m *Machine) Fire(trigger Trigger) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.transitions {
		if t.Trigger == trigger && t.From == m.current {
			m.current = t.To

			return m.current, nil
		}
	}

	return m.current, &ErrIllegalTransition{Trigger: trigger, From: m.current}
}

// CanFire reports whether trigger is legal from the current state.
func (m *Machine) CanFire(trigger Trigger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.transitions {
		if t.Trigger == trigger && t.From == m.current {
			return true
		}
	}

	return false
}

// Legal reports whether from -> to is an edge of the table, regardless of
// trigger. Used to validate externally observed state sequences.
func Legal(transitions []Transition, from, to State) bool {
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return true
		}
	}

	return false
}
