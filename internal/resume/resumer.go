// Package resume reconstructs an open spread position from
// broker-reported state after a restart.
package resume

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"spreadrunner/internal/broker"
	"spreadrunner/internal/models"
)

// Resumer checks the broker's open positions for a spread matching the
// planned legs and, when every leg is present with the correct net
// direction, rebuilds the position from the broker's fill prices.
type Resumer struct {
	broker broker.Broker
	logger *logrus.Entry
}

// NewResumer creates a resumer.
func NewResumer(b broker.Broker, logger *logrus.Entry) *Resumer {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Resumer{broker: b, logger: logger}
}

// Resume returns true when the broker holds every planned leg with the
// correct net direction and the position was reconstructed from the
// broker's average fill prices. Matching is all-or-nothing: a missing
// or wrong-direction leg leaves the position untouched and the session
// starts flat.
func (r *Resumer) Resume(ctx context.Context, pos *models.Position, now time.Time) (bool, error) {
	open, err := r.broker.OpenPositions(ctx)
	if err != nil {
		return false, fmt.Errorf("query open positions: %w", err)
	}
	if len(open) == 0 {
		return false, nil
	}

	bySymbol := make(map[string]broker.NetPosition, len(open))
	for _, np := range open {
		bySymbol[np.Symbol] = np
	}

	entries := make([]float64, len(pos.Legs))
	for i, leg := range pos.Legs {
		np, ok := bySymbol[leg.Instrument.Symbol]
		if !ok {
			r.logger.WithField("symbol", leg.Instrument.Symbol).
				Info("leg not held at broker, starting flat")
			return false, nil
		}

		if leg.Short() {
			if !np.NetShort() || np.SellAvgPrice <= 0 {
				r.logger.WithField("symbol", np.Symbol).
					Warn("broker holding has wrong direction for credit leg, starting flat")
				return false, nil
			}
			entries[i] = np.SellAvgPrice
		} else {
			if !np.NetLong() || np.BuyAvgPrice <= 0 {
				r.logger.WithField("symbol", np.Symbol).
					Warn("broker holding has wrong direction for hedge leg, starting flat")
				return false, nil
			}
			entries[i] = np.BuyAvgPrice
		}
	}

	for i, leg := range pos.Legs {
		leg.EntryPrice = entries[i]
	}
	pos.Resumed = true

	if fills, err := r.broker.TradeBook(ctx); err != nil {
		r.logger.WithError(err).Warn("trade book unavailable, realized P&L starts at zero")
	} else {
		pos.ClosedPnL = broker.RealizedPnL(fills)
	}

	if err := pos.MarkEntered(now, "position_resumed"); err != nil {
		return false, fmt.Errorf("record resumed entry: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"position": pos.ID,
		"legs":     len(pos.Legs),
		"realized": pos.ClosedPnL,
	}).Info("resumed open position from broker state")
	return true, nil
}
