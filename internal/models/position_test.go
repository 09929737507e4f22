package models

import (
	"testing"
	"time"
)

func testLeg(role LegRole, kind OptionKind, token string, qty int) *Leg {
	return &Leg{
		Role: role,
		Kind: kind,
		Instrument: Instrument{
			Symbol:   "NIFTY28AUG25" + token + string(kind),
			Token:    token,
			Exchange: "NFO",
			Strike:   24800,
		},
		Quantity: qty,
	}
}

func strangleLegs() []*Leg {
	return []*Leg{
		testLeg(RoleShort, KindCall, "43001", 75),
		testLeg(RoleShort, KindPut, "43002", 75),
	}
}

func condorLegs() []*Leg {
	return []*Leg{
		testLeg(RoleShort, KindCall, "43001", 75),
		testLeg(RoleShort, KindPut, "43002", 75),
		testLeg(RoleLong, KindCall, "43003", 75),
		testLeg(RoleLong, KindPut, "43004", 75),
	}
}

func setPrices(legs []*Leg, prices map[string]float64) {
	for _, leg := range legs {
		if px, ok := prices[leg.Instrument.Token]; ok {
			leg.LastPrice = px
			leg.PriceKnown = true
		}
	}
}

func enterAt(t *testing.T, p *Position, entries map[string]float64) {
	t.Helper()
	for _, leg := range p.Legs {
		leg.EntryPrice = entries[leg.Instrument.Token]
		leg.LastPrice = entries[leg.Instrument.Token]
		leg.PriceKnown = true
	}
	if err := p.MarkEntered(time.Now(), "entry_filled"); err != nil {
		t.Fatalf("MarkEntered failed: %v", err)
	}
}

func TestNetCredit(t *testing.T) {
	legs := condorLegs()

	if _, ok := NetCredit(legs); ok {
		t.Error("NetCredit should report not-ok while leg prices are missing")
	}

	setPrices(legs, map[string]float64{
		"43001": 100, "43002": 120, "43003": 10, "43004": 12,
	})

	credit, ok := NetCredit(legs)
	if !ok {
		t.Fatal("NetCredit should be computable with all prices known")
	}
	// shorts 100+120 minus hedges 10+12
	if credit != 198 {
		t.Errorf("NetCredit = %v, want 198", credit)
	}
}

func TestPosition_OpenPnL(t *testing.T) {
	p := NewPosition("pos-1", "NIFTY", SpreadIronCondor, condorLegs())

	// Flat position has zero open P&L
	pnl, ok := p.OpenPnL()
	if !ok || pnl != 0 {
		t.Errorf("Flat OpenPnL = %v, %v; want 0, true", pnl, ok)
	}

	enterAt(t, p, map[string]float64{
		"43001": 100, "43002": 120, "43003": 10, "43004": 12,
	})

	// Shorts decayed by 10 each, hedges decayed by 2 and 3
	setPrices(p.Legs, map[string]float64{
		"43001": 90, "43002": 110, "43003": 8, "43004": 9,
	})

	pnl, ok = p.OpenPnL()
	if !ok {
		t.Fatal("OpenPnL should be computable")
	}
	want := (10.0+10.0)*75 - (2.0+3.0)*75
	if pnl != want {
		t.Errorf("OpenPnL = %v, want %v", pnl, want)
	}
}

func TestPosition_TotalPnLIncludesRealized(t *testing.T) {
	p := NewPosition("pos-1", "NIFTY", SpreadStrangle, strangleLegs())
	p.ClosedPnL = -500

	enterAt(t, p, map[string]float64{"43001": 100, "43002": 120})
	setPrices(p.Legs, map[string]float64{"43001": 95, "43002": 115})

	total, ok := p.TotalPnL()
	if !ok {
		t.Fatal("TotalPnL should be computable")
	}
	if want := 750.0 - 500.0; total != want {
		t.Errorf("TotalPnL = %v, want %v", total, want)
	}
}

func TestPosition_OpenPnLMissingLegPrice(t *testing.T) {
	p := NewPosition("pos-1", "NIFTY", SpreadStrangle, strangleLegs())
	enterAt(t, p, map[string]float64{"43001": 100, "43002": 120})

	p.Legs[1].PriceKnown = false
	if _, ok := p.OpenPnL(); ok {
		t.Error("OpenPnL should report not-ok with a stale leg")
	}
}

func TestPosition_MarkEnteredRequiresEntryPrices(t *testing.T) {
	p := NewPosition("pos-1", "NIFTY", SpreadStrangle, strangleLegs())
	if err := p.MarkEntered(time.Now(), "entry_filled"); err == nil {
		t.Error("MarkEntered should fail when legs have no entry price")
	}
}

func TestPosition_ResetForReEntry(t *testing.T) {
	p := NewPosition("pos-1", "NIFTY", SpreadStrangle, strangleLegs())
	enterAt(t, p, map[string]float64{"43001": 100, "43002": 120})

	p.TrailingActive = true
	p.PeakMTM = 1500
	p.ClosedPnL = 900

	if err := p.MarkClosed(time.Now(), ExitTakeProfit); err != nil {
		t.Fatalf("MarkClosed failed: %v", err)
	}
	if err := p.ResetForReEntry(); err != nil {
		t.Fatalf("ResetForReEntry failed: %v", err)
	}

	if p.State() != StateFlat {
		t.Errorf("State after reset = %s, want %s", p.State(), StateFlat)
	}
	if p.TrailingActive || p.PeakMTM != 0 {
		t.Error("Trailing bookkeeping should be cleared on reset")
	}
	if p.ClosedPnL != 900 {
		t.Errorf("Realized P&L must survive reset, got %v", p.ClosedPnL)
	}
	if p.ExitReason != "" || !p.ExitTime.IsZero() {
		t.Error("Exit details should be cleared on reset")
	}
}

func TestValidateLegs(t *testing.T) {
	tests := []struct {
		name    string
		legs    []*Leg
		wantErr bool
	}{
		{"valid strangle", strangleLegs(), false},
		{"valid condor", condorLegs(), false},
		{"empty", nil, true},
		{"duplicate token", []*Leg{
			testLeg(RoleShort, KindCall, "43001", 75),
			testLeg(RoleShort, KindPut, "43001", 75),
		}, true},
		{"zero quantity", []*Leg{
			testLeg(RoleShort, KindCall, "43001", 0),
		}, true},
		{"hedges only", []*Leg{
			testLeg(RoleLong, KindCall, "43003", 75),
			testLeg(RoleLong, KindPut, "43004", 75),
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLegs(tt.legs)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateLegs() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFindLeg(t *testing.T) {
	legs := strangleLegs()
	if leg := FindLeg(legs, "43002"); leg == nil || leg.Kind != KindPut {
		t.Error("FindLeg should locate the put leg by token")
	}
	if leg := FindLeg(legs, "99999"); leg != nil {
		t.Error("FindLeg should return nil for unknown token")
	}
}
