// Package strategy holds the entry trigger and the exit rule chain
// evaluated on every combined price observation.
package strategy

import (
	"fmt"
	"time"
)

// EntryRule selects how the position is opened
type EntryRule string

const (
	// EntryImmediate enters on the first observation at or after start
	EntryImmediate EntryRule = "immediate"
	// EntryCrossDown arms when the combined price trades above VWAP and
	// enters on the first observation back at or below it
	EntryCrossDown EntryRule = "vwap-cross-down"
	// EntryBandBreakout enters when the combined price breaks above
	// VWAP by more than the configured band
	EntryBandBreakout EntryRule = "vwap-band-breakout"
)

// EntryParams configures the trigger
type EntryParams struct {
	Rule    EntryRule
	BandPct float64   // band width for EntryBandBreakout
	Start   time.Time // observations before this are ignored
}

// Decision is the outcome of one trigger evaluation
type Decision struct {
	Enter  bool
	Armed  bool // true on the observation that armed the trigger
	Reason string
}

// EntryTrigger tracks arming state across observations. Single
// goroutine use only.
type EntryTrigger struct {
	params EntryParams
	armed  bool
}

// NewEntryTrigger creates a trigger for the given rule
func NewEntryTrigger(params EntryParams) *EntryTrigger {
	return &EntryTrigger{params: params}
}

// IsArmed reports whether a cross-down trigger has seen price above VWAP
func (t *EntryTrigger) IsArmed() bool {
	return t.armed
}

// Reset clears arming state for a new entry cycle
func (t *EntryTrigger) Reset() {
	t.armed = false
}

// Check evaluates one combined price observation against the current
// VWAP and decides whether to enter.
func (t *EntryTrigger) Check(now time.Time, combined, vwap float64) Decision {
	if now.Before(t.params.Start) {
		return Decision{}
	}

	switch t.params.Rule {
	case EntryImmediate:
		return Decision{Enter: true, Reason: "first observation at session start"}

	case EntryCrossDown:
		if !t.armed {
			if combined > vwap {
				t.armed = true
				return Decision{Armed: true, Reason: fmt.Sprintf("combined %.2f above VWAP %.2f", combined, vwap)}
			}
			return Decision{}
		}
		if combined <= vwap {
			return Decision{Enter: true, Reason: fmt.Sprintf("combined %.2f crossed down to VWAP %.2f", combined, vwap)}
		}
		return Decision{}

	case EntryBandBreakout:
		band := vwap * (1 + t.params.BandPct)
		if combined > band {
			return Decision{Enter: true, Reason: fmt.Sprintf("combined %.2f broke above band %.2f", combined, band)}
		}
		return Decision{}

	default:
		return Decision{}
	}
}
