package market

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"spreadrunner/internal/config"
	"spreadrunner/internal/mock"
	"spreadrunner/internal/models"
)

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, index string, strike int, kind models.OptionKind, expiry string) (models.Instrument, error) {
	return models.Instrument{
		Symbol:   fmt.Sprintf("%s%s%d%s", index, expiry, strike, kind),
		Token:    fmt.Sprintf("%d%s", strike, kind),
		Exchange: "NFO",
		Strike:   strike,
		Expiry:   expiry,
	}, nil
}

func (stubResolver) NextExpiry(context.Context, string, time.Time) (string, error) {
	return "28AUG2025", nil
}

func legsConfig() *config.Config {
	return &config.Config{
		Session: config.SessionConfig{
			Index:         "NIFTY",
			Spread:        "strangle",
			Lots:          1,
			Expiry:        "28AUG2025",
			Timezone:      "UTC",
			EntryStart:    "09:30",
			EODCutoff:     "14:50",
			HedgeDistance: 8,
			LegDiffAdjust: 40,
		},
	}
}

func legsBroker(day time.Time, loc *time.Location, spot float64) *mock.Broker {
	b := mock.NewBroker()
	open := time.Date(day.Year(), day.Month(), day.Day(), 9, 15, 0, 0, loc)
	b.SetCandles("99926000", []models.Candle{
		{TS: open, Open: spot, High: spot, Low: spot, Close: spot, Volume: 1000},
	})
	return b
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestBuildLegs_KeepsPlannedStrikesWhenAdjustmentProbeFails(t *testing.T) {
	loc := time.UTC
	day := time.Date(2025, 8, 28, 0, 0, 0, 0, loc)
	b := legsBroker(day, loc, 24625)

	// No option candles scripted: the first-bar probe for the cheap-leg
	// rule cannot price either short leg.
	legs, plan, err := BuildLegs(context.Background(), b, stubResolver{}, legsConfig(), day, quietLogger())
	if err != nil {
		t.Fatalf("BuildLegs: %v", err)
	}
	if plan.ShortCall != 24750 || plan.ShortPut != 24500 {
		t.Fatalf("plan = CE %d / PE %d, want CE 24750 / PE 24500", plan.ShortCall, plan.ShortPut)
	}
	if len(legs) != 2 {
		t.Fatalf("legs = %d, want 2", len(legs))
	}
	if legs[0].Instrument.Token != "24750CE" || legs[1].Instrument.Token != "24500PE" {
		t.Fatalf("leg tokens = %s, %s", legs[0].Instrument.Token, legs[1].Instrument.Token)
	}
}

func TestBuildLegs_MovesCheapLegInOnLopsidedFirstBars(t *testing.T) {
	loc := time.UTC
	day := time.Date(2025, 8, 28, 0, 0, 0, 0, loc)
	b := legsBroker(day, loc, 24625)

	firstBar := time.Date(2025, 8, 28, 9, 30, 0, 0, loc)
	b.SetCandles("24750CE", []models.Candle{
		{TS: firstBar, Open: 95, High: 95, Low: 95, Close: 95, Volume: 100},
	})
	b.SetCandles("24500PE", []models.Candle{
		{TS: firstBar, Open: 150, High: 150, Low: 150, Close: 150, Volume: 100},
	})

	legs, plan, err := BuildLegs(context.Background(), b, stubResolver{}, legsConfig(), day, quietLogger())
	if err != nil {
		t.Fatalf("BuildLegs: %v", err)
	}
	if plan.ShortCall != 24650 {
		t.Fatalf("short call = %d, want the cheaper call moved in to 24650", plan.ShortCall)
	}
	if plan.ShortPut != 24500 {
		t.Fatalf("short put = %d, want 24500 untouched", plan.ShortPut)
	}
	if legs[0].Instrument.Token != "24650CE" {
		t.Fatalf("call leg token = %s, want 24650CE", legs[0].Instrument.Token)
	}
}
