// Package models provides data structures and state management for spread positions.
package models

import (
	"fmt"
	"time"
)

// PositionState represents the current state of the strategy lifecycle
type PositionState string

const (
	StateFlat       PositionState = "flat"        // No position, entry not armed
	StateArmed      PositionState = "armed"       // Combined price seen above VWAP, waiting for cross down
	StateInPosition PositionState = "in_position" // All legs filled, exits being evaluated
	StateClosed     PositionState = "closed"      // Position exited (or entry aborted terminally)
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        PositionState
	To          PositionState
	Condition   string
	Description string
}

// Valid state transitions
var ValidTransitions = []StateTransition{
	// Entry path
	{StateFlat, StateArmed, "price_above_vwap", "Combined price observed above VWAP, trigger armed"},
	{StateFlat, StateInPosition, "entry_filled", "Entry filled without arming (immediate or breakout rule)"},
	{StateArmed, StateInPosition, "entry_filled", "Armed trigger fired and all legs filled"},

	// Recovery path
	{StateFlat, StateInPosition, "position_resumed", "Existing legs adopted from broker state"},

	// Exit path
	{StateInPosition, StateClosed, "exit_complete", "All legs closed (or close attempted) for an exit reason"},

	// Re-entry, only taken when the session allows more than one trade per day
	{StateClosed, StateFlat, "re_entry_reset", "Session reset for another entry cycle"},
}

// StateMachine manages strategy state transitions
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[PositionState]int
	currentState    PositionState
	previousState   PositionState
}

// NewStateMachine creates a new state machine starting flat
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateFlat,
		previousState:   StateFlat,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[PositionState]int),
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() PositionState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() PositionState {
	return sm.previousState
}

// GetTransitionTime returns when the last transition happened
func (sm *StateMachine) GetTransitionTime() time.Time {
	return sm.transitionTime
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to PositionState, condition string) error {
	for _, transition := range ValidTransitions {
		if transition.From == sm.currentState && transition.To == to && transition.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to PositionState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++

	return nil
}

// GetTransitionCount returns how many times we've entered a state
func (sm *StateMachine) GetTransitionCount(state PositionState) int {
	return sm.transitionCount[state]
}

// InPosition returns true while legs are open and exits are being evaluated
func (sm *StateMachine) InPosition() bool {
	return sm.currentState == StateInPosition
}

// Done returns true once the position has closed
func (sm *StateMachine) Done() bool {
	return sm.currentState == StateClosed
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateFlat:
		return "No position, waiting for entry trigger"
	case StateArmed:
		return "Armed: combined price seen above VWAP, waiting for cross down"
	case StateInPosition:
		return "In position, monitoring exit rules"
	case StateClosed:
		return "Position closed"
	default:
		return "Unknown state"
	}
}

// Copy creates a deep copy of the StateMachine
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}

	newSM := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}

	newSM.transitionCount = make(map[PositionState]int)
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}

	return newSM
}
