// Package market handles contract selection: strike planning from the
// opening spot level and resolving strikes to tradeable instruments.
package market

import (
	"fmt"
	"math"

	"spreadrunner/internal/models"
)

// ATMStrike snaps spot to the strike grid using the quarter-step rule:
// within the first quarter of a double-step block round down to the
// block edge, within the last quarter round up, otherwise take the
// mid-block strike. For a 50-point grid this is the ...00 / ...50 rule.
func ATMStrike(spot float64, step int) int {
	block := 2 * step
	spotInt := int(math.Round(spot))
	base := (spotInt / block) * block
	rem := spotInt % block

	switch {
	case rem < step/2:
		return base
	case rem > step*3/2:
		return base + block
	default:
		return base + step
	}
}

// FloorToStep rounds spot down to the strike grid
func FloorToStep(spot float64, step int) int {
	return int(math.Floor(spot/float64(step))) * step
}

// CeilToStep rounds spot up to the strike grid
func CeilToStep(spot float64, step int) int {
	return int(math.Ceil(spot/float64(step))) * step
}

// Plan is the strike layout chosen for a session. Long strikes are
// zero unless the spread carries hedges.
type Plan struct {
	Spot      float64
	ATM       int
	ShortCall int
	ShortPut  int
	LongCall  int
	LongPut   int
}

// PlanStrikes lays out strikes for the given spread from the opening
// spot level. Strangles sell two steps beyond the rounded spot on each
// side; straddles sell both legs at ATM; iron condors add hedges
// hedgeDistance steps beyond the shorts.
func PlanStrikes(spot float64, step, hedgeDistance int, spread models.SpreadType) (Plan, error) {
	if step <= 0 {
		return Plan{}, fmt.Errorf("strike step must be positive, got %d", step)
	}

	p := Plan{Spot: spot, ATM: ATMStrike(spot, step)}

	switch spread {
	case models.SpreadStraddle:
		p.ShortCall = p.ATM
		p.ShortPut = p.ATM
	case models.SpreadStrangle, models.SpreadIronCondor:
		p.ShortCall = CeilToStep(spot, step) + 2*step
		p.ShortPut = FloorToStep(spot, step) - 2*step
	default:
		return Plan{}, fmt.Errorf("unknown spread type %q", spread)
	}

	if spread == models.SpreadIronCondor {
		if hedgeDistance <= 0 {
			return Plan{}, fmt.Errorf("hedge distance must be positive for iron condor, got %d", hedgeDistance)
		}
		p.LongCall = p.ShortCall + hedgeDistance*step
		p.LongPut = p.ShortPut - hedgeDistance*step
	}

	return p, nil
}

// AdjustCheapLeg rebalances a lopsided strangle. When the first-bar
// prices of the two short legs differ by more than threshold, the
// cheaper leg is moved two steps in toward spot, and any hedge on that
// side follows. Returns the (possibly updated) plan and whether an
// adjustment was made.
func (p Plan) AdjustCheapLeg(callPrice, putPrice, threshold float64, step, hedgeDistance int) (Plan, bool) {
	if threshold <= 0 || math.Abs(callPrice-putPrice) <= threshold {
		return p, false
	}

	if callPrice < putPrice {
		p.ShortCall -= 2 * step
		if p.LongCall != 0 {
			p.LongCall = p.ShortCall + hedgeDistance*step
		}
	} else {
		p.ShortPut += 2 * step
		if p.LongPut != 0 {
			p.LongPut = p.ShortPut - hedgeDistance*step
		}
	}
	return p, true
}
