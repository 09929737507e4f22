// Package vwap maintains a volume-weighted average price over the
// combined (net credit) price series of a spread.
package vwap

import (
	"fmt"

	"spreadrunner/internal/models"
)

// Accumulator keeps the running sums behind a VWAP. It is not safe for
// concurrent use; the session owns it from a single goroutine.
type Accumulator struct {
	cumPV  float64
	cumVol float64
}

// New returns an empty accumulator
func New() *Accumulator {
	return &Accumulator{}
}

// Update folds one observation into the running sums. Zero or negative
// volume is treated as 1.0 so a dead tape still moves the average.
func (a *Accumulator) Update(price, volume float64) {
	if volume <= 0 {
		volume = 1.0
	}
	a.cumPV += price * volume
	a.cumVol += volume
}

// Value returns the current VWAP, or fallback when nothing has been
// accumulated yet.
func (a *Accumulator) Value(fallback float64) float64 {
	if a.cumVol == 0 {
		return fallback
	}
	return a.cumPV / a.cumVol
}

// Empty reports whether any observation has been folded in
func (a *Accumulator) Empty() bool {
	return a.cumVol == 0
}

// Reset clears the running sums
func (a *Accumulator) Reset() {
	a.cumPV = 0
	a.cumVol = 0
}

// Rebuild replaces the accumulator's contents from a bar series,
// folding in each bar's OHLC4 weighted by its volume.
func (a *Accumulator) Rebuild(bars []Bar) {
	a.Reset()
	for _, b := range bars {
		a.Update(b.OHLC4(), b.Volume)
	}
}

// Bar is one interval of the combined net-credit series
type Bar struct {
	TS     int64 // unix seconds
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// OHLC4 is the bar's average price
func (b Bar) OHLC4() float64 {
	return (b.Open + b.High + b.Low + b.Close) / 4
}

// Combine nets one candle per leg into a single combined bar. Short
// legs add, long legs subtract; the extremes pair a short high with a
// long low and vice versa, since the spread is widest when the sold
// legs are rich and the hedges cheap. Volume is summed across legs.
func Combine(shorts, longs []models.Candle) Bar {
	var bar Bar
	for i, c := range shorts {
		if i == 0 {
			bar.TS = c.TS.Unix()
		}
		bar.Open += c.Open
		bar.High += c.High
		bar.Low += c.Low
		bar.Close += c.Close
		bar.Volume += c.Volume
	}
	for _, c := range longs {
		bar.Open -= c.Open
		bar.High -= c.Low
		bar.Low -= c.High
		bar.Close -= c.Close
		bar.Volume += c.Volume
	}
	return bar
}

// CombineSeries nets aligned per-leg candle series into one combined
// series. Every series must have the same length; alignment by index
// is assumed after the lengths match.
func CombineSeries(shorts, longs [][]models.Candle) ([]Bar, error) {
	n := -1
	for _, s := range shorts {
		if n == -1 {
			n = len(s)
		} else if len(s) != n {
			return nil, fmt.Errorf("misaligned candle series: %d vs %d bars", len(s), n)
		}
	}
	for _, s := range longs {
		if n == -1 {
			n = len(s)
		} else if len(s) != n {
			return nil, fmt.Errorf("misaligned candle series: %d vs %d bars", len(s), n)
		}
	}
	if n <= 0 {
		return nil, fmt.Errorf("no candles to combine")
	}

	bars := make([]Bar, 0, n)
	for i := 0; i < n; i++ {
		sc := make([]models.Candle, len(shorts))
		for j, s := range shorts {
			sc[j] = s[i]
		}
		lc := make([]models.Candle, len(longs))
		for j, s := range longs {
			lc[j] = s[i]
		}
		bars = append(bars, Combine(sc, lc))
	}
	return bars, nil
}
