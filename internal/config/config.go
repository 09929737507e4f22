// Package config provides configuration management for the spread runner.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"spreadrunner/internal/models"
)

// Strategy defaults, applied when the corresponding key is unset
const (
	// defaultPerLegStopPct is the fraction above entry at which a short
	// leg is stopped out (0.70 means exit at 1.70x entry)
	defaultPerLegStopPct = 0.70
	// defaultResumeStopPct is the wider per-leg stop used when legs are
	// adopted from broker state instead of freshly filled
	defaultResumeStopPct = 1.20
	// defaultTrailingReversalPct keeps the trade while P&L holds above
	// this fraction of the peak
	defaultTrailingReversalPct = 0.70
	// defaultBandPct is the breakout band width above VWAP
	defaultBandPct = 0.05

	defaultEntryStart    = "09:30"
	defaultEODCutoff     = "14:50"
	defaultTimezone      = "Asia/Kolkata"
	defaultRecalcEvery   = "3m"
	defaultPollInterval  = "1s"
	defaultPollAttempts  = 10
	defaultHedgeDistance = 8
)

// IndexDefaults carries the per-index contract parameters
type IndexDefaults struct {
	LotSize       int     // contract multiplier per lot
	StrikeStep    int     // strike grid spacing
	SpotProximity float64 // index points from a short strike that force an exit
	SpotToken     string  // instrument token of the underlying index
	SpotExchange  string  // exchange of the underlying index
	OptionsExch   string  // exchange the option legs trade on
}

// indexDefaults maps supported underlyings to their contract parameters
var indexDefaults = map[string]IndexDefaults{
	"NIFTY": {
		LotSize:       75,
		StrikeStep:    50,
		SpotProximity: 40,
		SpotToken:     "99926000",
		SpotExchange:  "NSE",
		OptionsExch:   "NFO",
	},
	"SENSEX": {
		LotSize:       60,
		StrikeStep:    100,
		SpotProximity: 60,
		SpotToken:     "99919000",
		SpotExchange:  "BSE",
		OptionsExch:   "BFO",
	},
}

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Session     SessionConfig     `yaml:"session"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Journal     JournalConfig     `yaml:"journal"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	APIKey      string `yaml:"api_key"`
	ClientID    string `yaml:"client_id"`
	Password    string `yaml:"password"`
	TOTPSecret  string `yaml:"totp_secret"`
	APIEndpoint string `yaml:"api_endpoint"`
	FeedURL     string `yaml:"feed_url"`
	// RateLimit caps outbound API calls per second; 0 disables the limiter
	RateLimit float64 `yaml:"rate_limit"`
}

// SessionConfig defines the trading day shape: which index and spread
// to trade, when entries may start and when everything is flattened.
type SessionConfig struct {
	Index         string  `yaml:"index"`  // NIFTY | SENSEX
	Spread        string  `yaml:"spread"` // strangle | straddle | iron_condor
	Lots          int     `yaml:"lots"`
	Expiry        string  `yaml:"expiry"` // contract expiry, e.g. 28AUG25
	Timezone      string  `yaml:"timezone"`
	EntryStart    string  `yaml:"entry_start"`     // "HH:MM"
	EODCutoff     string  `yaml:"eod_cutoff"`      // "HH:MM"
	VWAPRecalc    string  `yaml:"vwap_recalc"`     // live VWAP rebuild cadence, "0" disables
	StatusAddr    string  `yaml:"status_addr"`     // HTTP status listener, empty disables
	HedgeDistance int     `yaml:"hedge_distance"`  // hedge strikes this many steps beyond shorts
	LegDiffAdjust float64 `yaml:"leg_diff_adjust"` // move the cheap leg out when first-bar prices differ by more; 0 disables
}

// StrategyConfig defines entry and exit parameters.
type StrategyConfig struct {
	EntryRule           string  `yaml:"entry_rule"` // immediate | vwap-cross-down | vwap-band-breakout
	BandPct             float64 `yaml:"band_pct"`
	TakeProfit          float64 `yaml:"take_profit"`
	AbsoluteStopLoss    float64 `yaml:"absolute_stop_loss"`
	PerLegStopPct       float64 `yaml:"per_leg_stop_pct"`
	ResumeStopPct       float64 `yaml:"resume_stop_pct"`
	TrailingActivation  float64 `yaml:"trailing_activation"`
	TrailingReversalPct float64 `yaml:"trailing_reversal_pct"`
	SingleShot          *bool   `yaml:"single_shot"`
}

// JournalConfig defines where per-session CSV journals are written.
type JournalConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// Defaults are normalized in before validation runs.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker credentials only matter for live trading
	if c.Environment.Mode == "live" {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
		if c.Broker.ClientID == "" {
			return fmt.Errorf("broker.client_id is required in live mode")
		}
		if c.Broker.TOTPSecret == "" {
			return fmt.Errorf("broker.totp_secret is required in live mode")
		}
	}
	if c.Broker.RateLimit < 0 {
		return fmt.Errorf("broker.rate_limit must be >= 0")
	}

	// Session validation
	if _, ok := indexDefaults[c.Session.Index]; !ok {
		return fmt.Errorf("session.index %q is not supported", c.Session.Index)
	}
	switch models.SpreadType(c.Session.Spread) {
	case models.SpreadStrangle, models.SpreadStraddle, models.SpreadIronCondor:
	default:
		return fmt.Errorf("session.spread must be 'strangle', 'straddle' or 'iron_condor'")
	}
	if c.Session.Lots <= 0 {
		return fmt.Errorf("session.lots must be > 0")
	}
	if c.Session.HedgeDistance <= 0 {
		return fmt.Errorf("session.hedge_distance must be > 0")
	}
	if c.Session.LegDiffAdjust < 0 {
		return fmt.Errorf("session.leg_diff_adjust must be >= 0")
	}

	loc, err := c.Location()
	if err != nil {
		return fmt.Errorf("session.timezone invalid: %w", err)
	}
	start, err1 := time.ParseInLocation("15:04", c.Session.EntryStart, loc)
	cutoff, err2 := time.ParseInLocation("15:04", c.Session.EODCutoff, loc)
	if err1 != nil || err2 != nil || !start.Before(cutoff) {
		return fmt.Errorf("session entry_start/eod_cutoff invalid (parse/order)")
	}
	if c.Session.VWAPRecalc != "" {
		if _, err := time.ParseDuration(c.Session.VWAPRecalc); err != nil {
			return fmt.Errorf("session.vwap_recalc invalid: %w", err)
		}
	}

	// Strategy validation
	switch c.Strategy.EntryRule {
	case "immediate", "vwap-cross-down", "vwap-band-breakout":
	default:
		return fmt.Errorf("strategy.entry_rule must be 'immediate', 'vwap-cross-down' or 'vwap-band-breakout'")
	}
	if c.Strategy.BandPct <= 0 || c.Strategy.BandPct >= 1 {
		return fmt.Errorf("strategy.band_pct must be in (0,1)")
	}
	if c.Strategy.TakeProfit <= 0 {
		return fmt.Errorf("strategy.take_profit must be > 0")
	}
	if c.Strategy.AbsoluteStopLoss <= 0 {
		return fmt.Errorf("strategy.absolute_stop_loss must be > 0")
	}
	if c.Strategy.PerLegStopPct <= 0 {
		return fmt.Errorf("strategy.per_leg_stop_pct must be > 0")
	}
	if c.Strategy.ResumeStopPct < c.Strategy.PerLegStopPct {
		return fmt.Errorf("strategy.resume_stop_pct (%.2f) must be >= strategy.per_leg_stop_pct (%.2f)",
			c.Strategy.ResumeStopPct, c.Strategy.PerLegStopPct)
	}
	if c.Strategy.TrailingActivation <= 0 {
		return fmt.Errorf("strategy.trailing_activation must be > 0")
	}
	if c.Strategy.TrailingReversalPct <= 0 || c.Strategy.TrailingReversalPct >= 1 {
		return fmt.Errorf("strategy.trailing_reversal_pct must be in (0,1)")
	}

	if c.Journal.Dir == "" {
		return fmt.Errorf("journal.dir is required")
	}

	return nil
}

// normalize fills in defaults for optional keys
func (c *Config) normalize() {
	if c.Session.Timezone == "" {
		c.Session.Timezone = defaultTimezone
	}
	if c.Session.EntryStart == "" {
		c.Session.EntryStart = defaultEntryStart
	}
	if c.Session.EODCutoff == "" {
		c.Session.EODCutoff = defaultEODCutoff
	}
	if c.Session.VWAPRecalc == "" {
		c.Session.VWAPRecalc = defaultRecalcEvery
	}
	if c.Session.HedgeDistance == 0 {
		c.Session.HedgeDistance = defaultHedgeDistance
	}
	if c.Strategy.EntryRule == "" {
		c.Strategy.EntryRule = "vwap-cross-down"
	}
	if c.Strategy.BandPct == 0 {
		c.Strategy.BandPct = defaultBandPct
	}
	if c.Strategy.PerLegStopPct == 0 {
		c.Strategy.PerLegStopPct = defaultPerLegStopPct
	}
	if c.Strategy.ResumeStopPct == 0 {
		c.Strategy.ResumeStopPct = defaultResumeStopPct
	}
	if c.Strategy.TrailingReversalPct == 0 {
		c.Strategy.TrailingReversalPct = defaultTrailingReversalPct
	}
	if c.Strategy.SingleShot == nil {
		singleShot := true
		c.Strategy.SingleShot = &singleShot
	}
}

// IsPaperTrading returns true if the runner is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// SingleShot reports whether the session stops after one completed trade.
func (c *Config) SingleShot() bool {
	return c.Strategy.SingleShot == nil || *c.Strategy.SingleShot
}

// Index returns the contract parameters for the configured underlying.
func (c *Config) Index() IndexDefaults {
	return indexDefaults[c.Session.Index]
}

// Quantity is the total contract quantity per leg (lots x lot size).
func (c *Config) Quantity() int {
	return c.Session.Lots * c.Index().LotSize
}

// Location resolves the session timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		// Fallback for minimal containers
		if c.Session.Timezone == defaultTimezone {
			return time.FixedZone("IST", 5*3600+1800), nil
		}
		return nil, err
	}
	return loc, nil
}

// EntryStartAt anchors the configured entry start time to the given day.
func (c *Config) EntryStartAt(day time.Time, loc *time.Location) time.Time {
	return clockAt(c.Session.EntryStart, day, loc)
}

// EODCutoffAt anchors the configured cutoff time to the given day.
func (c *Config) EODCutoffAt(day time.Time, loc *time.Location) time.Time {
	return clockAt(c.Session.EODCutoff, day, loc)
}

// VWAPRecalcInterval returns the live rebuild cadence; 0 disables it.
func (c *Config) VWAPRecalcInterval() time.Duration {
	d, err := time.ParseDuration(c.Session.VWAPRecalc)
	if err != nil {
		return 0
	}
	return d
}

func clockAt(clock string, day time.Time, loc *time.Location) time.Time {
	t, err := time.ParseInLocation("15:04", clock, loc)
	if err != nil {
		return time.Time{}
	}
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}
