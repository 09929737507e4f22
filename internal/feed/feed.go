// Package feed delivers time-ordered leg price updates from either a
// historical candle replay or a live websocket stream.
package feed

import (
	"context"

	"spreadrunner/internal/models"
)

// Feed is a pull-based stream of leg updates. Next returns io.EOF when
// the stream is exhausted (replay end or closed subscription).
type Feed interface {
	Next(ctx context.Context) (models.LegUpdate, error)
	Close() error
}
