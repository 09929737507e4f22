// Package util provides common utility functions for price calculations.
package util

import "math"

// OptionTick is the minimum price increment for NFO/BFO option
// contracts.
const OptionTick = 0.05

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 112.52 becomes 112.50.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// RoundToOptionTick rounds a premium to the exchange tick grid.
func RoundToOptionTick(x float64) float64 {
	return RoundToTick(x, OptionTick)
}
