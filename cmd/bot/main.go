package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"spreadrunner/internal/broker"
	"spreadrunner/internal/config"
	"spreadrunner/internal/feed"
	"spreadrunner/internal/journal"
	"spreadrunner/internal/market"
	"spreadrunner/internal/mock"
	"spreadrunner/internal/models"
	"spreadrunner/internal/orders"
	"spreadrunner/internal/resume"
	"spreadrunner/internal/server"
	"spreadrunner/internal/session"
	"spreadrunner/internal/vwap"
)

func main() {
	var (
		configPath string
		mode       string
		dateStr    string
		expiry     string
		recalc     string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&mode, "mode", "backtest", "Run mode: backtest | live")
	flag.StringVar(&dateStr, "date", "", "Trading date YYYY-MM-DD (default: today)")
	flag.StringVar(&expiry, "expiry", "", "Contract expiry override, e.g. 28AUG25")
	flag.StringVar(&recalc, "recalc", "", "Live VWAP rebuild interval override, e.g. 3m")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if expiry != "" {
		cfg.Session.Expiry = expiry
	}
	if recalc != "" {
		cfg.Session.VWAPRecalc = recalc
	}

	logger := newLogger(cfg.Environment.LogLevel)

	live := mode == "live"
	if !live && mode != "backtest" {
		logger.Fatalf("unknown mode %q, want backtest or live", mode)
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.WithError(err).Fatal("resolving timezone")
	}
	day := time.Now().In(loc)
	if dateStr != "" {
		day, err = time.ParseInLocation("2006-01-02", dateStr, loc)
		if err != nil {
			logger.WithError(err).Fatal("parsing -date")
		}
	}

	logger.WithFields(logrus.Fields{
		"index":  cfg.Session.Index,
		"spread": cfg.Session.Spread,
		"mode":   mode,
		"day":    day.Format("2006-01-02"),
	}).Info("starting spread runner")
	if live && !cfg.IsPaperTrading() {
		logger.Warn("LIVE TRADING MODE: real orders will be placed")
		logger.Warn("waiting 10 seconds to confirm, Ctrl-C to abort")
		time.Sleep(10 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, day, loc, live); err != nil {
		logger.WithError(err).Fatal("session aborted")
	}
	logger.Info("session finished")
}

// run assembles the broker stack, contracts, feed and session for one
// trading day and blocks until the day completes or ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *logrus.Entry, day time.Time, loc *time.Location, live bool) error {
	api := broker.NewAngelAPI(
		cfg.Broker.APIKey,
		cfg.Broker.ClientID,
		cfg.Broker.Password,
		cfg.Broker.TOTPSecret,
		apiOptions(cfg)...,
	)
	var data broker.Broker = broker.NewCircuitBreakerBroker(api, logger)
	if cfg.Broker.RateLimit > 0 {
		data = broker.NewRateLimitedBroker(data, cfg.Broker.RateLimit)
	}
	if err := data.Login(ctx); err != nil {
		return fmt.Errorf("broker login: %w", err)
	}

	resolver := market.NewScripResolver(cfg.Journal.Dir, logger)
	legs, plan, err := market.BuildLegs(ctx, data, resolver, cfg, day, logger)
	if err != nil {
		return fmt.Errorf("building legs: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"short_call": plan.ShortCall,
		"short_put":  plan.ShortPut,
	}).Info("contracts selected")

	pos := models.NewPosition(uuid.NewString(), cfg.Session.Index, models.SpreadType(cfg.Session.Spread), legs)

	// Orders go to the real broker only outside paper mode; paper mode
	// fills against the latest feed price instead.
	exec := data
	if cfg.IsPaperTrading() {
		m := mock.NewBroker()
		m.PriceFunc = legQuotes(legs)
		exec = m
	}

	if live && !cfg.IsPaperTrading() {
		resumed, err := resume.NewResumer(exec, logger).Resume(ctx, pos, time.Now().In(loc))
		if err != nil {
			return fmt.Errorf("resuming position: %w", err)
		}
		if resumed {
			logger.Info("adopted open position from broker state")
		}
	}

	var priceFeed feed.Feed
	if live {
		priceFeed, err = liveFeed(ctx, cfg, api, legs, logger)
	} else {
		priceFeed, err = replayFeed(ctx, data, cfg, legs, day, loc)
	}
	if err != nil {
		return err
	}
	defer priceFeed.Close()

	jw, err := journal.NewWriter(cfg.Journal.Dir, day)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer jw.Close()

	params := session.Params{
		Config:      cfg,
		Position:    pos,
		Feed:        priceFeed,
		Coordinator: orders.NewCoordinator(exec, logger),
		Journal:     jw,
		Logger:      logger,
		Day:         day,
		Location:    loc,
		Live:        live,
	}
	if models.SpreadType(cfg.Session.Spread) == models.SpreadIronCondor {
		if live {
			params.Spot = liveSpot(data, cfg, logger)
		} else {
			params.Spot, err = replaySpot(ctx, data, cfg, day, loc)
			if err != nil {
				return fmt.Errorf("loading spot history: %w", err)
			}
		}
	}
	if live {
		params.Bars = combinedBars(data, cfg, pos, day, loc)
	}

	sess, err := session.New(params)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if addr := cfg.Session.StatusAddr; addr != "" {
		srv := server.New(addr, sess.Status, logger)
		g.Go(func() error {
			if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return sess.Run(gctx)
	})

	return g.Wait()
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return logrus.NewEntry(l)
}

func apiOptions(cfg *config.Config) []broker.AngelOption {
	if cfg.Broker.APIEndpoint != "" {
		return []broker.AngelOption{broker.WithBaseURL(cfg.Broker.APIEndpoint)}
	}
	return nil
}

// legQuotes lets the paper broker fill orders at the latest feed price
// of the requested leg.
func legQuotes(legs []*models.Leg) func(symbol, token string) (float64, bool) {
	byToken := make(map[string]*models.Leg, len(legs))
	for _, leg := range legs {
		byToken[leg.Instrument.Token] = leg
	}
	return func(_, token string) (float64, bool) {
		leg, ok := byToken[token]
		if !ok || !leg.PriceKnown {
			return 0, false
		}
		return leg.LastPrice, true
	}
}

// smartAPIExchangeTypes maps option exchanges to the feed's segment ids.
var smartAPIExchangeTypes = map[string]int{
	"NFO": 2,
	"BFO": 4,
}

func liveFeed(ctx context.Context, cfg *config.Config, api *broker.AngelAPI, legs []*models.Leg, logger *logrus.Entry) (feed.Feed, error) {
	url := cfg.Broker.FeedURL
	if url == "" {
		url = feed.DefaultStreamURL
	}
	transport := feed.NewWSTransport(url, feed.Credentials{
		JWT:       api.JWT(),
		APIKey:    api.APIKey(),
		ClientID:  api.ClientID(),
		FeedToken: api.FeedToken(),
	})

	byType := make(map[int][]string)
	for _, leg := range legs {
		et, ok := smartAPIExchangeTypes[leg.Instrument.Exchange]
		if !ok {
			return nil, fmt.Errorf("no feed segment for exchange %q", leg.Instrument.Exchange)
		}
		byType[et] = append(byType[et], leg.Instrument.Token)
	}
	groups := make([]feed.SubscriptionGroup, 0, len(byType))
	for et, tokens := range byType {
		groups = append(groups, feed.SubscriptionGroup{ExchangeType: et, Tokens: tokens})
	}

	lf := feed.NewLive(transport, groups, logger)
	if err := lf.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting tick stream: %w", err)
	}
	return lf, nil
}

func replayFeed(ctx context.Context, b broker.Broker, cfg *config.Config, legs []*models.Leg, day time.Time, loc *time.Location) (feed.Feed, error) {
	from := marketOpen(day, loc)
	to := cfg.EODCutoffAt(day, loc)
	tokens := make([]string, 0, len(legs))
	series := make(map[string][]models.Candle, len(legs))
	for _, leg := range legs {
		candles, err := b.Candles(ctx, broker.CandleQuery{
			Exchange: leg.Instrument.Exchange,
			Token:    leg.Instrument.Token,
			Interval: "ONE_MINUTE",
			From:     from,
			To:       to,
		})
		if err != nil {
			return nil, fmt.Errorf("candles for %s: %w", leg.Instrument.Symbol, err)
		}
		tokens = append(tokens, leg.Instrument.Token)
		series[leg.Instrument.Token] = candles
	}
	return feed.NewReplay(tokens, series)
}

func liveSpot(b broker.Broker, cfg *config.Config, logger *logrus.Entry) session.SpotFunc {
	idx := cfg.Index()
	return func(ctx context.Context, _ time.Time) (float64, bool) {
		price, err := b.LTP(ctx, idx.SpotExchange, cfg.Session.Index, idx.SpotToken)
		if err != nil {
			logger.WithError(err).Warn("spot quote unavailable")
			return 0, false
		}
		return price, true
	}
}

// replaySpot preloads the day's one-minute index closes so the
// spot-proximity rule sees the historical price, not today's.
func replaySpot(ctx context.Context, b broker.Broker, cfg *config.Config, day time.Time, loc *time.Location) (session.SpotFunc, error) {
	idx := cfg.Index()
	candles, err := b.Candles(ctx, broker.CandleQuery{
		Exchange: idx.SpotExchange,
		Token:    idx.SpotToken,
		Interval: "ONE_MINUTE",
		From:     marketOpen(day, loc),
		To:       cfg.EODCutoffAt(day, loc),
	})
	if err != nil {
		return nil, err
	}
	byMinute := make(map[int64]float64, len(candles))
	for _, c := range candles {
		byMinute[c.TS.Unix()] = c.Close
	}
	return func(_ context.Context, now time.Time) (float64, bool) {
		price, ok := byMinute[now.Truncate(time.Minute).Unix()]
		return price, ok
	}, nil
}

// combinedBars fetches every leg's one-minute candles since market
// open and nets them into combined spread bars for VWAP rebuilds.
func combinedBars(b broker.Broker, cfg *config.Config, pos *models.Position, day time.Time, loc *time.Location) session.BarsFunc {
	fetch := func(ctx context.Context, legs []*models.Leg, to time.Time) ([][]models.Candle, error) {
		out := make([][]models.Candle, 0, len(legs))
		for _, leg := range legs {
			candles, err := b.Candles(ctx, broker.CandleQuery{
				Exchange: leg.Instrument.Exchange,
				Token:    leg.Instrument.Token,
				Interval: "ONE_MINUTE",
				From:     marketOpen(day, loc),
				To:       to,
			})
			if err != nil {
				return nil, fmt.Errorf("candles for %s: %w", leg.Instrument.Symbol, err)
			}
			out = append(out, candles)
		}
		return out, nil
	}
	return func(ctx context.Context, now time.Time) ([]vwap.Bar, error) {
		shorts, err := fetch(ctx, pos.ShortLegs(), now)
		if err != nil {
			return nil, err
		}
		longs, err := fetch(ctx, pos.LongLegs(), now)
		if err != nil {
			return nil, err
		}
		return vwap.CombineSeries(shorts, longs)
	}
}

func marketOpen(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 9, 15, 0, 0, loc)
}
