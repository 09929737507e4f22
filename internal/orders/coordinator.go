// Package orders coordinates multi-leg order placement and fill
// confirmation against the broker.
package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"spreadrunner/internal/broker"
	"spreadrunner/internal/models"
	"spreadrunner/internal/retry"
)

// Config contains confirmation polling settings.
type Config struct {
	PollInterval time.Duration
	PollAttempts int
	CallTimeout  time.Duration
}

// DefaultConfig matches the broker's typical market-order fill latency.
var DefaultConfig = Config{
	PollInterval: 1 * time.Second,
	PollAttempts: 10,
	CallTimeout:  5 * time.Second,
}

// Coordinator places the legs of a spread in hedge-first order and
// confirms each fill before moving on. Short-leg failures unwind the
// legs already filled so no naked long exposure is left behind.
type Coordinator struct {
	broker broker.Broker
	retry  *retry.Client
	logger *logrus.Entry
	config Config
}

// NewCoordinator creates a coordinator. Pass a Config to override the
// polling defaults.
func NewCoordinator(b broker.Broker, logger *logrus.Entry, config ...Config) *Coordinator {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultConfig.PollAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	if b == nil {
		panic("orders.NewCoordinator: broker must not be nil")
	}

	return &Coordinator{
		broker: b,
		retry:  retry.NewClient(b, logger),
		logger: logger,
		config: cfg,
	}
}

// EnterPosition executes the entry sequence: buy all hedge legs first,
// then sell the credit legs. A hedge failure aborts with nothing to
// unwind. A credit-leg failure buys back everything already filled and
// leaves the position out of the market with ExitReason set.
// On full success every leg's EntryPrice holds its confirmed average
// fill price and the position transitions to in-position.
func (c *Coordinator) EnterPosition(ctx context.Context, pos *models.Position, now time.Time) error {
	for _, leg := range pos.LongLegs() {
		price, err := c.placeAndConfirm(ctx, leg, broker.SideBuy)
		if err != nil {
			return fmt.Errorf("hedge leg %s: %w", leg.Instrument.Symbol, err)
		}
		leg.EntryPrice = price
	}

	for _, leg := range pos.ShortLegs() {
		price, err := c.placeAndConfirm(ctx, leg, broker.SideSell)
		if err != nil {
			c.logger.WithError(err).WithField("symbol", leg.Instrument.Symbol).
				Error("credit leg failed, unwinding filled legs")
			c.unwindFilled(ctx, pos)
			pos.ExitReason = models.ExitShortLegFailed
			return fmt.Errorf("credit leg %s: %w", leg.Instrument.Symbol, err)
		}
		leg.EntryPrice = price
	}

	if err := pos.MarkEntered(now, "entry_filled"); err != nil {
		return fmt.Errorf("record entry: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"position": pos.ID,
		"legs":     len(pos.Legs),
	}).Info("all entry legs filled")
	return nil
}

// ExitPosition places offsetting orders for every filled leg. All legs
// are attempted regardless of individual failures; realized P&L is then
// recomputed from the broker's trade book and the position is closed.
// A leg that could not be offset leaves ExitIncomplete set and the
// returned error non-nil; the position requires manual intervention at
// the broker.
func (c *Coordinator) ExitPosition(ctx context.Context, pos *models.Position, reason models.ExitReason, now time.Time) error {
	var errs []error
	for _, leg := range pos.Legs {
		if leg.EntryPrice <= 0 {
			continue
		}
		side := entrySide(leg).Opposite()
		price, err := c.placeAndConfirm(ctx, leg, side)
		if err != nil {
			c.logger.WithError(err).WithField("symbol", leg.Instrument.Symbol).
				Error("exit leg failed")
			errs = append(errs, fmt.Errorf("exit leg %s: %w", leg.Instrument.Symbol, err))
			continue
		}
		leg.LastPrice = price
		leg.PriceKnown = true
	}

	if fills, err := c.broker.TradeBook(ctx); err != nil {
		c.logger.WithError(err).Warn("trade book unavailable, keeping tracked realized P&L")
	} else {
		pos.ClosedPnL = broker.RealizedPnL(fills)
	}

	if len(errs) > 0 {
		pos.ExitIncomplete = true
	}
	if err := pos.MarkClosed(now, reason); err != nil {
		errs = append(errs, fmt.Errorf("record close: %w", err))
	}

	c.logger.WithFields(logrus.Fields{
		"position":    pos.ID,
		"reason":      reason,
		"realized":    pos.ClosedPnL,
		"failed_legs": len(errs),
	}).Info("exit sequence finished")
	return errors.Join(errs...)
}

// unwindFilled buys back or sells out every leg that has a confirmed
// entry fill, best effort, and clears the recorded entries.
func (c *Coordinator) unwindFilled(ctx context.Context, pos *models.Position) {
	for _, leg := range pos.Legs {
		if leg.EntryPrice <= 0 {
			continue
		}
		side := entrySide(leg).Opposite()
		if _, err := c.placeAndConfirm(ctx, leg, side); err != nil {
			c.logger.WithError(err).WithField("symbol", leg.Instrument.Symbol).
				Error("unwind leg failed, manual intervention required")
			pos.ExitIncomplete = true
			continue
		}
		leg.EntryPrice = 0
	}
}

func (c *Coordinator) placeAndConfirm(ctx context.Context, leg *models.Leg, side broker.Side) (float64, error) {
	req := broker.OrderRequest{
		Symbol:   leg.Instrument.Symbol,
		Token:    leg.Instrument.Token,
		Exchange: leg.Instrument.Exchange,
		Side:     side,
		Quantity: leg.Quantity,
	}

	orderID, err := c.retry.PlaceOrderWithRetry(ctx, req)
	if err != nil {
		return 0, err
	}

	status, err := c.confirmFill(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if status.FilledQty != leg.Quantity {
		c.logger.WithFields(logrus.Fields{
			"order":  orderID,
			"filled": status.FilledQty,
			"wanted": leg.Quantity,
		}).Warn("fill quantity mismatch")
	}

	c.logger.WithFields(logrus.Fields{
		"order":  orderID,
		"symbol": req.Symbol,
		"side":   side,
		"price":  status.AvgPrice,
	}).Info("order filled")
	return status.AvgPrice, nil
}

// confirmFill polls the order status a fixed number of times. Exhausting
// the attempts without a complete fill is a failure, not a pending order.
func (c *Coordinator) confirmFill(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.config.PollAttempts; attempt++ {
		statusCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		status, err := c.broker.OrderStatus(statusCtx, orderID)
		cancel()

		switch {
		case err != nil:
			c.logger.WithError(err).WithFields(logrus.Fields{
				"order":   orderID,
				"attempt": attempt,
			}).Warn("order status check failed")
		case status.Filled():
			return status, nil
		case status.Terminal():
			return nil, fmt.Errorf("order %s %s: %s", orderID, status.Status, status.Message)
		}

		if attempt == c.config.PollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("order %s confirmation interrupted: %w", orderID, ctx.Err())
		case <-ticker.C:
		}
	}

	return nil, fmt.Errorf("order %s not confirmed after %d polls", orderID, c.config.PollAttempts)
}

func entrySide(leg *models.Leg) broker.Side {
	if leg.Short() {
		return broker.SideSell
	}
	return broker.SideBuy
}
