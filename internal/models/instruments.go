package models

import (
	"fmt"
	"time"
)

// OptionKind distinguishes calls from puts
type OptionKind string

const (
	KindCall OptionKind = "CE"
	KindPut  OptionKind = "PE"
)

// LegRole distinguishes the short credit legs from the long hedge legs
type LegRole string

const (
	RoleShort LegRole = "short"
	RoleLong  LegRole = "long"
)

// SpreadType selects the leg structure of the position
type SpreadType string

const (
	SpreadStrangle   SpreadType = "strangle"    // short OTM call + short OTM put
	SpreadStraddle   SpreadType = "straddle"    // short ATM call + short ATM put
	SpreadIronCondor SpreadType = "iron_condor" // strangle plus long hedges further out
)

// Instrument identifies a tradeable option contract at the broker
type Instrument struct {
	Symbol   string `json:"symbol"`
	Token    string `json:"token"`
	Exchange string `json:"exchange"`
	Strike   int    `json:"strike"`
	Expiry   string `json:"expiry"`
}

// Leg is one option contract within a spread position.
// LastPrice and CumVolume are updated as feed data arrives; PriceKnown
// stays false until the first update for the leg is seen.
type Leg struct {
	Role       LegRole    `json:"role"`
	Kind       OptionKind `json:"kind"`
	Instrument Instrument `json:"instrument"`
	Quantity   int        `json:"quantity"`
	EntryPrice float64    `json:"entry_price,omitempty"`
	LastPrice  float64    `json:"-"`
	PriceKnown bool       `json:"-"`
	CumVolume  float64    `json:"-"`
}

// Short reports whether this is a credit (sold) leg
func (l *Leg) Short() bool {
	return l.Role == RoleShort
}

// Candle is a single OHLCV bar from the broker's historical API
type Candle struct {
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// LegUpdate is one per-leg price observation from a feed. Live feeds set
// Price/Volume from the tick; replay feeds additionally attach the full
// bar so VWAP can be built from OHLC4 instead of the close alone.
type LegUpdate struct {
	TS     time.Time
	Token  string
	Price  float64
	Volume float64
	Bar    *Candle
}

// NetCredit computes the current combined spread price from the given
// legs: sum of short leg prices minus sum of long leg prices. The
// second return is false when any leg is still missing a price.
func NetCredit(legs []*Leg) (float64, bool) {
	var credit float64
	for _, leg := range legs {
		if !leg.PriceKnown {
			return 0, false
		}
		if leg.Short() {
			credit += leg.LastPrice
		} else {
			credit -= leg.LastPrice
		}
	}
	return credit, true
}

// EntryNetCredit computes the combined spread price at entry fills
func EntryNetCredit(legs []*Leg) float64 {
	var credit float64
	for _, leg := range legs {
		if leg.Short() {
			credit += leg.EntryPrice
		} else {
			credit -= leg.EntryPrice
		}
	}
	return credit
}

// FindLeg returns the leg carrying the given instrument token, or nil
func FindLeg(legs []*Leg, token string) *Leg {
	for _, leg := range legs {
		if leg.Instrument.Token == token {
			return leg
		}
	}
	return nil
}

// ValidateLegs checks structural invariants of a leg set before trading starts
func ValidateLegs(legs []*Leg) error {
	if len(legs) == 0 {
		return fmt.Errorf("no legs configured")
	}
	seen := make(map[string]bool, len(legs))
	shorts := 0
	for i, leg := range legs {
		if leg.Instrument.Token == "" {
			return fmt.Errorf("leg %d: missing instrument token", i)
		}
		if leg.Instrument.Symbol == "" {
			return fmt.Errorf("leg %d: missing instrument symbol", i)
		}
		if leg.Quantity <= 0 {
			return fmt.Errorf("leg %d (%s): quantity must be positive, got %d", i, leg.Instrument.Symbol, leg.Quantity)
		}
		if leg.Kind != KindCall && leg.Kind != KindPut {
			return fmt.Errorf("leg %d (%s): unknown option kind %q", i, leg.Instrument.Symbol, leg.Kind)
		}
		if seen[leg.Instrument.Token] {
			return fmt.Errorf("leg %d (%s): duplicate instrument token %s", i, leg.Instrument.Symbol, leg.Instrument.Token)
		}
		seen[leg.Instrument.Token] = true
		if leg.Short() {
			shorts++
		}
	}
	if shorts == 0 {
		return fmt.Errorf("leg set has no short legs")
	}
	return nil
}
