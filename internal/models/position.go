package models

import (
	"fmt"
	"time"
)

// ExitReason identifies which rule closed (or tried to close) the position
type ExitReason string

const (
	ExitEOD           ExitReason = "EOD"
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitStopLossAbs   ExitReason = "STOP_LOSS_ABS"
	ExitStopLossPct   ExitReason = "STOP_LOSS_PCT"
	ExitSpotProximity ExitReason = "SPOT_NEAR_STRIKE"
	ExitTrailingStop  ExitReason = "TRAILING_STOP_LOSS"

	// ExitShortLegFailed is recorded when an entry collapses mid-flight
	// and the already-filled legs are unwound.
	ExitShortLegFailed ExitReason = "SHORT_LEG_FAILED"
)

// Position is the spread position plus the day's realized results.
// A Position exists for the whole session even while flat; Legs are
// populated at contract selection and marked as the feed ticks.
type Position struct {
	ID             string        `json:"id"`
	Index          string        `json:"index"`
	Spread         SpreadType    `json:"spread"`
	Legs           []*Leg        `json:"legs"`
	EntryTime      time.Time     `json:"entry_time,omitempty"`
	ExitTime       time.Time     `json:"exit_time,omitempty"`
	ExitReason     ExitReason    `json:"exit_reason,omitempty"`
	ClosedPnL      float64       `json:"closed_pnl"`
	TrailingActive bool          `json:"trailing_active"`
	PeakMTM        float64       `json:"peak_mtm"`
	Resumed        bool          `json:"resumed"`
	ExitIncomplete bool          `json:"exit_incomplete"`
	StateMachine   *StateMachine `json:"-"`
}

// NewPosition creates a flat position shell for the given leg set
func NewPosition(id, index string, spread SpreadType, legs []*Leg) *Position {
	return &Position{
		ID:           id,
		Index:        index,
		Spread:       spread,
		Legs:         legs,
		StateMachine: NewStateMachine(),
	}
}

// State returns the current lifecycle state
func (p *Position) State() PositionState {
	return p.StateMachine.GetCurrentState()
}

// ShortLegs returns only the credit legs
func (p *Position) ShortLegs() []*Leg {
	return p.legsByRole(RoleShort)
}

// LongLegs returns only the hedge legs
func (p *Position) LongLegs() []*Leg {
	return p.legsByRole(RoleLong)
}

func (p *Position) legsByRole(role LegRole) []*Leg {
	var out []*Leg
	for _, leg := range p.Legs {
		if leg.Role == role {
			out = append(out, leg)
		}
	}
	return out
}

// OpenPnL computes the mark-to-market P&L of the open legs in currency
// units. For a net-credit spread, profit is the entry credit minus the
// current cost to buy it back, scaled by quantity. The second return
// is false while any leg still lacks a live price.
func (p *Position) OpenPnL() (float64, bool) {
	if p.State() != StateInPosition {
		return 0, true
	}
	var pnl float64
	for _, leg := range p.Legs {
		if !leg.PriceKnown {
			return 0, false
		}
		perUnit := leg.EntryPrice - leg.LastPrice
		if !leg.Short() {
			perUnit = -perUnit
		}
		pnl += perUnit * float64(leg.Quantity)
	}
	return pnl, true
}

// TotalPnL is open P&L plus P&L already realized today
func (p *Position) TotalPnL() (float64, bool) {
	open, ok := p.OpenPnL()
	if !ok {
		return 0, false
	}
	return open + p.ClosedPnL, true
}

// MarkEntered records fill prices and moves the machine into position
func (p *Position) MarkEntered(now time.Time, condition string) error {
	for _, leg := range p.Legs {
		if leg.EntryPrice <= 0 {
			return fmt.Errorf("leg %s has no entry price", leg.Instrument.Symbol)
		}
	}
	if err := p.StateMachine.Transition(StateInPosition, condition); err != nil {
		return err
	}
	p.EntryTime = now
	p.TrailingActive = false
	p.PeakMTM = 0
	return nil
}

// MarkClosed records the exit and moves the machine to closed
func (p *Position) MarkClosed(now time.Time, reason ExitReason) error {
	if err := p.StateMachine.Transition(StateClosed, "exit_complete"); err != nil {
		return err
	}
	p.ExitTime = now
	p.ExitReason = reason
	return nil
}

// ResetForReEntry rolls a closed position back to flat for another
// cycle, keeping realized P&L and clearing per-trade bookkeeping.
func (p *Position) ResetForReEntry() error {
	if err := p.StateMachine.Transition(StateFlat, "re_entry_reset"); err != nil {
		return err
	}
	for _, leg := range p.Legs {
		leg.EntryPrice = 0
	}
	p.EntryTime = time.Time{}
	p.ExitTime = time.Time{}
	p.ExitReason = ""
	p.TrailingActive = false
	p.PeakMTM = 0
	p.ExitIncomplete = false
	return nil
}
