// Package session runs one trading day: it consumes the price feed,
// maintains VWAP and position state, and drives entries and exits
// through the order coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"spreadrunner/internal/config"
	"spreadrunner/internal/feed"
	"spreadrunner/internal/journal"
	"spreadrunner/internal/models"
	"spreadrunner/internal/orders"
	"spreadrunner/internal/strategy"
	"spreadrunner/internal/vwap"
)

// SpotFunc returns the underlying index price for the spot-proximity
// rule. The bool is false when no quote is available.
type SpotFunc func(ctx context.Context, now time.Time) (float64, bool)

// BarsFunc returns combined one-minute bars covering session start up
// to now, used to seed and periodically rebuild the live VWAP.
type BarsFunc func(ctx context.Context, now time.Time) ([]vwap.Bar, error)

// Params wires a session together.
type Params struct {
	Config      *config.Config
	Position    *models.Position
	Feed        feed.Feed
	Coordinator *orders.Coordinator
	Journal     *journal.Writer
	Logger      *logrus.Entry
	Day         time.Time
	Location    *time.Location
	Live        bool
	Spot        SpotFunc // optional; enables the spot-proximity rule
	Bars        BarsFunc // optional; live VWAP seed and rebuild
}

// Status is the session snapshot served by the status endpoint.
type Status struct {
	State          string    `json:"state"`
	Index          string    `json:"index"`
	Spread         string    `json:"spread"`
	Combined       float64   `json:"combined"`
	VWAP           float64   `json:"vwap"`
	EntryCredit    float64   `json:"entry_credit"`
	OpenPnL        float64   `json:"open_pnl"`
	RealizedPnL    float64   `json:"realized_pnl"`
	TrailingActive bool      `json:"trailing_active"`
	PeakMTM        float64   `json:"peak_mtm"`
	LastUpdate     time.Time `json:"last_update"`
}

// Session owns all strategy state for one day. It is single-threaded:
// exactly one goroutine calls Run, and updates are processed strictly
// in feed order. Order placement blocks the loop on purpose so no
// price update interleaves with a half-executed multi-leg transaction.
type Session struct {
	cfg     *config.Config
	pos     *models.Position
	feed    feed.Feed
	coord   *orders.Coordinator
	journal *journal.Writer
	logger  *logrus.Entry

	trigger *strategy.EntryTrigger
	risk    *strategy.Evaluator
	acc     *vwap.Accumulator

	live bool
	spot SpotFunc
	bars BarsFunc

	entryStart time.Time
	cutoff     time.Time
	recalc     time.Duration

	pendingBars map[string]*models.Candle
	lastTS      time.Time
	lastRebuild time.Time
	halted      bool

	status atomic.Pointer[Status]
}

// New builds a session for the given day.
func New(p Params) (*Session, error) {
	if p.Config == nil || p.Position == nil || p.Feed == nil || p.Coordinator == nil || p.Journal == nil {
		return nil, fmt.Errorf("session: missing dependency")
	}
	if p.Logger == nil {
		p.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}

	entryStart := p.Config.EntryStartAt(p.Day, loc)
	cutoff := p.Config.EODCutoffAt(p.Day, loc)

	proximity := 0.0
	if p.Position.Spread == models.SpreadIronCondor {
		proximity = p.Config.Index().SpotProximity
	}

	return &Session{
		cfg:     p.Config,
		pos:     p.Position,
		feed:    p.Feed,
		coord:   p.Coordinator,
		journal: p.Journal,
		logger:  p.Logger,
		trigger: strategy.NewEntryTrigger(strategy.EntryParams{
			Rule:    strategy.EntryRule(p.Config.Strategy.EntryRule),
			BandPct: p.Config.Strategy.BandPct,
			Start:   entryStart,
		}),
		risk: strategy.NewEvaluator(strategy.RiskParams{
			TakeProfit:          p.Config.Strategy.TakeProfit,
			AbsoluteStopLoss:    p.Config.Strategy.AbsoluteStopLoss,
			PerLegStopPct:       p.Config.Strategy.PerLegStopPct,
			ResumeStopPct:       p.Config.Strategy.ResumeStopPct,
			TrailingActivation:  p.Config.Strategy.TrailingActivation,
			TrailingReversalPct: p.Config.Strategy.TrailingReversalPct,
			SpotProximity:       proximity,
			Cutoff:              cutoff,
		}),
		acc:         vwap.New(),
		live:        p.Live,
		spot:        p.Spot,
		bars:        p.Bars,
		entryStart:  entryStart,
		cutoff:      cutoff,
		recalc:      p.Config.VWAPRecalcInterval(),
		pendingBars: make(map[string]*models.Candle, len(p.Position.Legs)),
	}, nil
}

// Status returns the latest published snapshot, or nil before the
// first processed update.
func (s *Session) Status() *Status {
	return s.status.Load()
}

// Run consumes the feed until it ends, the day's cutoff passes, or the
// position closes for good. A position still open when a backtest feed
// runs out is flattened with an end-of-day exit.
func (s *Session) Run(ctx context.Context) error {
	if s.live {
		s.rebuildVWAP(ctx, time.Now())
	}

	for {
		update, err := s.feed.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("feed: %w", err)
		}

		done, err := s.process(ctx, update)
		if err != nil {
			return err
		}
		if done {
			s.daySummary()
			return nil
		}
	}

	if s.pos.StateMachine.InPosition() {
		s.logger.Info("feed exhausted with open position, flattening")
		s.exit(ctx, models.ExitEOD, s.lastTS)
	}
	s.daySummary()
	return nil
}

func (s *Session) process(ctx context.Context, update models.LegUpdate) (bool, error) {
	leg := models.FindLeg(s.pos.Legs, update.Token)
	if leg == nil {
		s.logger.WithField("token", update.Token).Debug("update for unknown token")
		return false, nil
	}

	leg.LastPrice = update.Price
	leg.PriceKnown = true
	leg.CumVolume = update.Volume
	s.lastTS = update.TS

	if update.Bar != nil {
		// Replay path: hold bars until every leg has reported for this
		// minute, then fold the combined bar into the VWAP.
		s.pendingBars[update.Token] = update.Bar
		if len(s.pendingBars) < len(s.pos.Legs) {
			return false, nil
		}
		bar := s.combinedBar()
		s.acc.Update(bar.OHLC4(), bar.Volume)
		s.pendingBars = make(map[string]*models.Candle, len(s.pos.Legs))
	} else if s.recalc > 0 && update.TS.Sub(s.lastRebuild) >= s.recalc {
		s.rebuildVWAP(ctx, update.TS)
	}

	combined, priced := models.NetCredit(s.pos.Legs)
	if !priced {
		return false, nil
	}
	vwapValue := s.acc.Value(combined)

	done, entryFlag, exitFlag, reason := s.evaluate(ctx, update.TS, combined, vwapValue)

	if err := s.journal.Record(journal.Update{
		TS:         update.TS,
		Combined:   combined,
		VWAP:       vwapValue,
		InPosition: s.pos.StateMachine.InPosition(),
		EntryFlag:  entryFlag,
		ExitFlag:   exitFlag,
		Reason:     reason,
	}); err != nil {
		s.logger.WithError(err).Warn("journal write failed")
	}

	s.publish(combined, vwapValue, update.TS)
	return done, nil
}

// evaluate advances the position state machine for one observation.
func (s *Session) evaluate(ctx context.Context, now time.Time, combined, vwapValue float64) (done, entryFlag, exitFlag bool, reason string) {
	switch {
	case s.pos.StateMachine.InPosition():
		snap := strategy.Snapshot{Now: now}
		if s.spot != nil {
			snap.Spot, snap.SpotKnown = s.spot(ctx, now)
		}
		exitReason, fire := s.risk.Evaluate(s.pos, snap)
		if !fire {
			return false, false, false, ""
		}
		s.exit(ctx, exitReason, now)
		if exitReason == models.ExitEOD || s.cfg.SingleShot() {
			return true, false, true, string(exitReason)
		}
		if err := s.pos.ResetForReEntry(); err != nil {
			s.logger.WithError(err).Error("re-entry reset failed, ending session")
			return true, false, true, string(exitReason)
		}
		s.trigger.Reset()
		return false, false, true, string(exitReason)

	default: // flat or armed
		if !now.Before(s.cutoff) {
			return true, false, false, string(models.ExitEOD)
		}
		if s.halted {
			return false, false, false, ""
		}

		decision := s.trigger.Check(now, combined, vwapValue)
		if decision.Armed && s.pos.State() == models.StateFlat {
			if err := s.pos.StateMachine.Transition(models.StateArmed, "price_above_vwap"); err != nil {
				s.logger.WithError(err).Warn("arm transition rejected")
			} else {
				s.event(now, "ARMED", decision.Reason)
			}
		}
		if !decision.Enter {
			return false, false, false, ""
		}

		if err := s.coord.EnterPosition(ctx, s.pos, now); err != nil {
			s.logger.WithError(err).Error("entry failed")
			s.event(now, "ENTRY_FAILED", err.Error())
			if s.pos.ExitReason == models.ExitShortLegFailed {
				s.halted = true
				s.event(now, "ENTRIES_HALTED", string(models.ExitShortLegFailed))
				if s.pos.ExitIncomplete {
					s.event(now, "MANUAL_INTERVENTION", "entry unwind left residual legs")
				}
			}
			return false, false, false, ""
		}

		s.event(now, "ENTER", decision.Reason)
		return false, true, false, decision.Reason
	}
}

func (s *Session) exit(ctx context.Context, reason models.ExitReason, now time.Time) {
	if err := s.coord.ExitPosition(ctx, s.pos, reason, now); err != nil {
		s.logger.WithError(err).Error("exit sequence reported failures")
	}
	s.event(now, "EXIT", string(reason))
	if s.pos.ExitIncomplete {
		s.event(now, "MANUAL_INTERVENTION", "exit left residual legs at broker")
	}
}

// combinedBar nets this minute's short and long bars into one spread bar.
func (s *Session) combinedBar() vwap.Bar {
	var shorts, longs []models.Candle
	for token, bar := range s.pendingBars {
		if models.FindLeg(s.pos.Legs, token).Short() {
			shorts = append(shorts, *bar)
		} else {
			longs = append(longs, *bar)
		}
	}
	return vwap.Combine(shorts, longs)
}

func (s *Session) rebuildVWAP(ctx context.Context, now time.Time) {
	if s.bars == nil {
		return
	}
	bars, err := s.bars(ctx, now)
	if err != nil {
		s.logger.WithError(err).Warn("VWAP rebuild failed, keeping current accumulator")
		return
	}
	if len(bars) > 0 {
		s.acc.Rebuild(bars)
	}
	s.lastRebuild = now
}

func (s *Session) publish(combined, vwapValue float64, now time.Time) {
	open, _ := s.pos.OpenPnL()
	s.status.Store(&Status{
		State:          string(s.pos.State()),
		Index:          s.pos.Index,
		Spread:         string(s.pos.Spread),
		Combined:       combined,
		VWAP:           vwapValue,
		EntryCredit:    models.EntryNetCredit(s.pos.Legs),
		OpenPnL:        open,
		RealizedPnL:    s.pos.ClosedPnL,
		TrailingActive: s.pos.TrailingActive,
		PeakMTM:        s.pos.PeakMTM,
		LastUpdate:     now,
	})
}

func (s *Session) event(ts time.Time, name, details string) {
	if err := s.journal.Event(ts, name, details); err != nil {
		s.logger.WithError(err).Warn("journal event write failed")
	}
}

func (s *Session) daySummary() {
	pnl, _ := s.pos.TotalPnL()
	s.logger.WithFields(logrus.Fields{
		"date":   s.lastTS.Format("2006-01-02"),
		"pnl":    pnl,
		"reason": s.pos.ExitReason,
	}).Info("day summary")
	s.event(s.lastTS, "DAY_SUMMARY",
		fmt.Sprintf("date=%s pnl=%.2f reason=%s", s.lastTS.Format("2006-01-02"), pnl, s.pos.ExitReason))
}
