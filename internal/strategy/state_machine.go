// Package strategy
package strategy

import (
	"fmt"
	"time"
)

// State is the opening-range phase of one symbol.
type State string

const (
	// Collecting - inside the opening window, widening high/low
	Collecting State = "COLLECTING"

	// Locked - window ended, range frozen
	Locked State = "LOCKED"

	// Watching - range locked, waiting for the first crossing
	Watching State = "WATCHING"

	// BrokenOut - a breakout fired; nothing more happens today
	BrokenOut State = "BROKEN_OUT"

	// Disabled - no tick arrived inside the window
	Disabled State = "DISABLED"
)

// StateTransition represents a transition from one state to another
type StateTransition struct {
	FromState State     `json:"from"`
	ToState   State     `json:"to"`
	Condition string    `json:"condition"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// StateMachine records the state transitions of one symbol. It is not safe for
// concurrent use; the detector guards it.
type StateMachine struct {
	currentState   State
	symbol         string
	lastTransition time.Time
	stateHistory   []StateTransition
	transitions    int
	maxHistorySize int
}

// NewStateMachine creates a state machine in Collecting.
func NewStateMachine(symbol string) *StateMachine {
	return &StateMachine{
		currentState:   Collecting,
		symbol:         symbol,
		stateHistory:   make([]StateTransition, 0, 8),
		maxHistorySize: 100,
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() State {
	return sm.currentState
}

// TransitionTo moves to newState at the given time and records why.
func (sm *StateMachine) TransitionTo(newState State, condition, reason string, at time.Time) {
	transition := StateTransition{
		FromState: sm.currentState,
		ToState:   newState,
		Condition: condition,
		Reason:    reason,
		Timestamp: at,
	}

	sm.stateHistory = append(sm.stateHistory, transition)
	if len(sm.stateHistory) > sm.maxHistorySize {
		sm.stateHistory = sm.stateHistory[1:]
	}
	sm.transitions++
	sm.currentState = newState
	sm.lastTransition = at
}

// GetStateHistory returns a copy of the recorded transitions, oldest first.
func (sm *StateMachine) GetStateHistory() []StateTransition {
	out := make([]StateTransition, len(sm.stateHistory))
	copy(out, sm.stateHistory)
	return out
}

// GetLastTransition returns the last transition
func (sm *StateMachine) GetLastTransition() *StateTransition {
	if len(sm.stateHistory) == 0 {
		return nil
	}
	t := sm.stateHistory[len(sm.stateHistory)-1]
	return &t
}

// IsInState checks if the state machine is in a specific state
func (sm *StateMachine) IsInState(state State) bool {
	return sm.currentState == state
}

// GetStateDuration returns how long the machine has been in its state as of now.
func (sm *StateMachine) GetStateDuration(now time.Time) time.Duration {
	if sm.lastTransition.IsZero() {
		return 0
	}
	return now.Sub(sm.lastTransition)
}

// Reset returns the machine to Collecting for a new day.
func (sm *StateMachine) Reset(at time.Time) {
	sm.TransitionTo(Collecting, "reset", "new trading day", at)
}

// String returns a string representation of the state machine
func (sm *StateMachine) String() string {
	return fmt.Sprintf("StateMachine{symbol: %s, currentState: %s, transitions: %d}",
		sm.symbol, sm.currentState, sm.transitions)
}
