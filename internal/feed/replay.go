package feed

import (
	"context"
	"fmt"
	"io"

	"spreadrunner/internal/models"
)

// Replay emits pre-fetched one-minute bars for every leg in strict
// timestamp order. Within a timestamp, legs are emitted in their
// original slice order, so the session sees a complete set of bars
// before the clock advances.
type Replay struct {
	tokens []string
	series [][]models.Candle
	bar    int
	leg    int
}

// NewReplay validates that every leg has a series and that all series
// are aligned bar-for-bar. Misaligned historical data is a hard error:
// netting combined bars across legs is meaningless otherwise.
func NewReplay(tokens []string, series map[string][]models.Candle) (*Replay, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("replay: no legs")
	}

	ordered := make([][]models.Candle, len(tokens))
	for i, token := range tokens {
		s, ok := series[token]
		if !ok || len(s) == 0 {
			return nil, fmt.Errorf("replay: no candles for token %s", token)
		}
		ordered[i] = s
	}

	first := ordered[0]
	for i, s := range ordered[1:] {
		if len(s) != len(first) {
			return nil, fmt.Errorf("replay: token %s has %d bars, token %s has %d",
				tokens[i+1], len(s), tokens[0], len(first))
		}
		for j := range s {
			if !s[j].TS.Equal(first[j].TS) {
				return nil, fmt.Errorf("replay: bar %d timestamp mismatch: token %s at %s, token %s at %s",
					j, tokens[i+1], s[j].TS, tokens[0], first[j].TS)
			}
		}
	}

	return &Replay{tokens: tokens, series: ordered}, nil
}

// Next returns the next leg update, or io.EOF after the last bar.
func (r *Replay) Next(_ context.Context) (models.LegUpdate, error) {
	if r.bar >= len(r.series[0]) {
		return models.LegUpdate{}, io.EOF
	}

	candle := r.series[r.leg][r.bar]
	update := models.LegUpdate{
		TS:     candle.TS,
		Token:  r.tokens[r.leg],
		Price:  candle.Close,
		Volume: candle.Volume,
		Bar:    &candle,
	}

	r.leg++
	if r.leg == len(r.tokens) {
		r.leg = 0
		r.bar++
	}
	return update, nil
}

// Close implements Feed; a replay holds no resources.
func (r *Replay) Close() error { return nil }

var _ Feed = (*Replay)(nil)
