package market

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"spreadrunner/internal/broker"
	"spreadrunner/internal/config"
	"spreadrunner/internal/models"
)

// BuildLegs selects the session's contracts: read the first 15 minute
// close of the underlying, plan strikes for the configured spread,
// resolve them against the scrip master and, when enabled, rebalance a
// lopsided strangle off the legs' first one-minute bars.
func BuildLegs(
	ctx context.Context,
	b broker.Broker,
	r Resolver,
	cfg *config.Config,
	day time.Time,
	logger *logrus.Entry,
) ([]*models.Leg, Plan, error) {
	idx := cfg.Index()
	loc, err := cfg.Location()
	if err != nil {
		return nil, Plan{}, fmt.Errorf("resolving timezone: %w", err)
	}
	spread := models.SpreadType(cfg.Session.Spread)

	spot, err := firstRangeClose(ctx, b, broker.CandleQuery{
		Exchange: idx.SpotExchange,
		Token:    idx.SpotToken,
		Interval: "FIFTEEN_MINUTE",
		From:     clock(day, loc, 9, 15),
		To:       clock(day, loc, 9, 30),
	})
	if err != nil {
		return nil, Plan{}, fmt.Errorf("first 15m close of %s: %w", cfg.Session.Index, err)
	}

	expiry := cfg.Session.Expiry
	if expiry == "" {
		expiry, err = r.NextExpiry(ctx, cfg.Session.Index, day)
		if err != nil {
			return nil, Plan{}, fmt.Errorf("selecting expiry: %w", err)
		}
	}

	plan, err := PlanStrikes(spot, idx.StrikeStep, cfg.Session.HedgeDistance, spread)
	if err != nil {
		return nil, Plan{}, err
	}
	logger.WithFields(logrus.Fields{
		"spot":       spot,
		"short_call": plan.ShortCall,
		"short_put":  plan.ShortPut,
		"expiry":     expiry,
	}).Info("planned strikes")

	if cfg.Session.LegDiffAdjust > 0 && spread != models.SpreadStraddle {
		plan = rebalancePlan(ctx, b, r, cfg, plan, expiry, day, loc, logger)
	}

	legs, err := resolveLegs(ctx, r, cfg, plan, expiry, spread)
	if err != nil {
		return nil, Plan{}, err
	}
	if err := models.ValidateLegs(legs); err != nil {
		return nil, Plan{}, fmt.Errorf("validating legs: %w", err)
	}
	return legs, plan, nil
}

// rebalancePlan applies the cheap-leg rule: when the first one-minute
// bars of the two short legs differ by more than the configured
// threshold, the cheaper side moves two steps in toward spot. Probe
// failures keep the planned strikes, they never abort the session.
func rebalancePlan(
	ctx context.Context,
	b broker.Broker,
	r Resolver,
	cfg *config.Config,
	plan Plan,
	expiry string,
	day time.Time,
	loc *time.Location,
	logger *logrus.Entry,
) Plan {
	idx := cfg.Index()
	start := cfg.EntryStartAt(day, loc)

	firstClose := func(strike int, kind models.OptionKind) (float64, error) {
		inst, err := r.Resolve(ctx, cfg.Session.Index, strike, kind, expiry)
		if err != nil {
			return 0, err
		}
		return firstRangeClose(ctx, b, broker.CandleQuery{
			Exchange: inst.Exchange,
			Token:    inst.Token,
			Interval: "ONE_MINUTE",
			From:     start,
			To:       start.Add(time.Minute),
		})
	}

	callPx, err := firstClose(plan.ShortCall, models.KindCall)
	if err != nil {
		logger.WithError(err).WithField("event", "STRIKE_ADJUSTMENT_FAILED").
			Warn("first bar of short call unavailable, keeping planned strikes")
		return plan
	}
	putPx, err := firstClose(plan.ShortPut, models.KindPut)
	if err != nil {
		logger.WithError(err).WithField("event", "STRIKE_ADJUSTMENT_FAILED").
			Warn("first bar of short put unavailable, keeping planned strikes")
		return plan
	}

	adjusted, moved := plan.AdjustCheapLeg(callPx, putPx, cfg.Session.LegDiffAdjust, idx.StrikeStep, cfg.Session.HedgeDistance)
	if moved {
		logger.WithFields(logrus.Fields{
			"call_price": callPx,
			"put_price":  putPx,
			"short_call": adjusted.ShortCall,
			"short_put":  adjusted.ShortPut,
		}).Warn("leg prices lopsided, moved cheaper leg in")
	}
	return adjusted
}

func resolveLegs(
	ctx context.Context,
	r Resolver,
	cfg *config.Config,
	plan Plan,
	expiry string,
	spread models.SpreadType,
) ([]*models.Leg, error) {
	qty := cfg.Quantity()
	index := cfg.Session.Index

	type want struct {
		role   models.LegRole
		kind   models.OptionKind
		strike int
	}
	wanted := []want{
		{models.RoleShort, models.KindCall, plan.ShortCall},
		{models.RoleShort, models.KindPut, plan.ShortPut},
	}
	if spread == models.SpreadIronCondor {
		wanted = append(wanted,
			want{models.RoleLong, models.KindCall, plan.LongCall},
			want{models.RoleLong, models.KindPut, plan.LongPut},
		)
	}

	legs := make([]*models.Leg, 0, len(wanted))
	for _, w := range wanted {
		inst, err := r.Resolve(ctx, index, w.strike, w.kind, expiry)
		if err != nil {
			return nil, fmt.Errorf("resolving %s %s %d: %w", w.role, w.kind, w.strike, err)
		}
		legs = append(legs, &models.Leg{
			Role:       w.role,
			Kind:       w.kind,
			Instrument: inst,
			Quantity:   qty,
		})
	}
	return legs, nil
}

// firstRangeClose fetches candles for the window and returns the last
// bar's close.
func firstRangeClose(ctx context.Context, b broker.Broker, q broker.CandleQuery) (float64, error) {
	candles, err := b.Candles(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("no candles between %s and %s", q.From.Format("15:04"), q.To.Format("15:04"))
	}
	return candles[len(candles)-1].Close, nil
}

func clock(day time.Time, loc *time.Location, hour, minute int) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc)
}
