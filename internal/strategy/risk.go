package strategy

import (
	"math"
	"time"

	"spreadrunner/internal/models"
)

// RiskParams configures the exit rule chain
type RiskParams struct {
	TakeProfit          float64
	AbsoluteStopLoss    float64   // positive; exit at -AbsoluteStopLoss
	PerLegStopPct       float64   // fraction above entry for fresh legs
	ResumeStopPct       float64   // wider fraction for adopted legs
	TrailingActivation  float64
	TrailingReversalPct float64
	SpotProximity       float64   // index points; 0 disables the spot rule
	Cutoff              time.Time // hard EOD flatten time
}

// Snapshot carries the per-observation inputs that don't live on the
// position itself.
type Snapshot struct {
	Now       time.Time
	Spot      float64
	SpotKnown bool
}

// Evaluator runs the exit rules in fixed priority order. The EOD check
// runs before P&L is even computed, so a stale leg price can never
// keep the position open past the cutoff. Trailing peak bookkeeping is
// updated on every evaluation regardless of which rule fires.
type Evaluator struct {
	params RiskParams
}

// NewEvaluator creates an exit evaluator
func NewEvaluator(params RiskParams) *Evaluator {
	return &Evaluator{params: params}
}

// Evaluate checks the position against the rule chain and returns the
// first matching exit reason.
func (e *Evaluator) Evaluate(pos *models.Position, snap Snapshot) (models.ExitReason, bool) {
	if !snap.Now.Before(e.params.Cutoff) {
		return models.ExitEOD, true
	}

	pnl, ok := pos.TotalPnL()
	if !ok {
		// A leg without a price: no P&L-based decision is possible
		return "", false
	}

	e.updateTrailing(pos, pnl)

	if pnl >= e.params.TakeProfit {
		return models.ExitTakeProfit, true
	}
	if pnl <= -e.params.AbsoluteStopLoss {
		return models.ExitStopLossAbs, true
	}
	if e.shortLegStopped(pos) {
		return models.ExitStopLossPct, true
	}
	if e.spotNearShortStrike(pos, snap) {
		return models.ExitSpotProximity, true
	}
	if pos.TrailingActive && pnl <= pos.PeakMTM*e.params.TrailingReversalPct {
		return models.ExitTrailingStop, true
	}

	return "", false
}

// updateTrailing activates the trailing stop once P&L reaches the
// activation threshold and ratchets the peak upward afterwards.
func (e *Evaluator) updateTrailing(pos *models.Position, pnl float64) {
	if !pos.TrailingActive {
		if pnl >= e.params.TrailingActivation {
			pos.TrailingActive = true
			pos.PeakMTM = pnl
		}
		return
	}
	if pnl > pos.PeakMTM {
		pos.PeakMTM = pnl
	}
}

// shortLegStopped fires when any short leg trades at or above its
// per-leg stop level. Adopted positions use the wider resume stop.
func (e *Evaluator) shortLegStopped(pos *models.Position) bool {
	pct := e.params.PerLegStopPct
	if pos.Resumed {
		pct = e.params.ResumeStopPct
	}
	for _, leg := range pos.ShortLegs() {
		if leg.EntryPrice <= 0 {
			continue
		}
		if leg.LastPrice >= leg.EntryPrice*(1+pct) {
			return true
		}
	}
	return false
}

// spotNearShortStrike fires when the underlying moves within the
// proximity window of any short strike.
func (e *Evaluator) spotNearShortStrike(pos *models.Position, snap Snapshot) bool {
	if !snap.SpotKnown || e.params.SpotProximity <= 0 {
		return false
	}
	for _, leg := range pos.ShortLegs() {
		if math.Abs(snap.Spot-float64(leg.Instrument.Strike)) <= e.params.SpotProximity {
			return true
		}
	}
	return false
}
