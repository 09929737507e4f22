package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadrunner/internal/broker"
	"spreadrunner/internal/config"
	"spreadrunner/internal/mock"
	"spreadrunner/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Session: config.SessionConfig{
			Index:      "NIFTY",
			Spread:     "strangle",
			Lots:       1,
			Timezone:   "UTC",
			EntryStart: "09:30",
			EODCutoff:  "14:50",
		},
	}
}

func testLegs() []*models.Leg {
	return []*models.Leg{
		{
			Role: models.RoleShort, Kind: models.KindCall, Quantity: 75,
			Instrument: models.Instrument{Symbol: "NIFTY28AUG2526350CE", Token: "43125", Exchange: "NFO", Strike: 26350},
		},
		{
			Role: models.RoleShort, Kind: models.KindPut, Quantity: 75,
			Instrument: models.Instrument{Symbol: "NIFTY28AUG2526100PE", Token: "43126", Exchange: "NFO", Strike: 26100},
		},
	}
}

func TestLegQuotesFollowsFeedPrices(t *testing.T) {
	legs := testLegs()
	quote := legQuotes(legs)

	_, ok := quote("NIFTY28AUG2526350CE", "43125")
	assert.False(t, ok, "no quote expected before the first tick")

	legs[0].LastPrice = 112.5
	legs[0].PriceKnown = true
	price, ok := quote("NIFTY28AUG2526350CE", "43125")
	require.True(t, ok)
	assert.Equal(t, 112.5, price)

	_, ok = quote("UNKNOWN", "99999")
	assert.False(t, ok, "no quote expected for an unknown token")
}

func TestLegQuotesWiresPaperFills(t *testing.T) {
	legs := testLegs()
	legs[1].LastPrice = 98.45
	legs[1].PriceKnown = true

	m := mock.NewBroker()
	m.PriceFunc = legQuotes(legs)

	orderID, err := m.PlaceOrder(context.Background(), broker.OrderRequest{
		Symbol:   legs[1].Instrument.Symbol,
		Token:    legs[1].Instrument.Token,
		Exchange: "NFO",
		Side:     broker.SideSell,
		Quantity: 75,
	})
	require.NoError(t, err)

	status, err := m.OrderStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, 98.45, status.AvgPrice)
}

type candleStub struct {
	mock.Broker
	queries []broker.CandleQuery
	series  map[string][]models.Candle
}

func (s *candleStub) Candles(_ context.Context, q broker.CandleQuery) ([]models.Candle, error) {
	s.queries = append(s.queries, q)
	return s.series[q.Token], nil
}

func TestReplayFeedFetchesAlignedLegHistory(t *testing.T) {
	loc := time.UTC
	day := time.Date(2025, 8, 28, 0, 0, 0, 0, loc)
	ts := time.Date(2025, 8, 28, 9, 31, 0, 0, loc)
	legs := testLegs()

	stub := &candleStub{series: map[string][]models.Candle{
		"43125": {{TS: ts, Open: 120, High: 120, Low: 120, Close: 120, Volume: 100}},
		"43126": {{TS: ts, Open: 110, High: 110, Low: 110, Close: 110, Volume: 100}},
	}}

	f, err := replayFeed(context.Background(), stub, testConfig(), legs, day, loc)
	require.NoError(t, err)
	defer f.Close()

	require.Len(t, stub.queries, 2)
	q := stub.queries[0]
	assert.Equal(t, "ONE_MINUTE", q.Interval)
	assert.Equal(t, "NFO", q.Exchange)
	assert.Equal(t, "09:15", q.From.In(loc).Format("15:04"))

	first, err := f.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "43125", first.Token)
	assert.Equal(t, 120.0, first.Price)

	second, err := f.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "43126", second.Token)

	_, err = f.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestMarketOpen(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	day := time.Date(2025, 8, 28, 14, 3, 0, 0, loc)
	open := marketOpen(day, loc)
	assert.Equal(t, "2025-08-28 09:15", open.Format("2006-01-02 15:04"))
}
