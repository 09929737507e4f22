// Package mock provides a scriptable in-memory broker for paper
// trading and tests. Market orders fill instantly at the current
// scripted price and every fill lands in the trade book.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spreadrunner/internal/broker"
	"spreadrunner/internal/models"
	"spreadrunner/internal/util"
)

// Broker implements broker.Broker entirely in memory.
type Broker struct {
	mu        sync.Mutex
	prices    map[string]float64
	candles   map[string][]models.Candle
	orders    map[string]*broker.OrderStatus
	fills     []broker.Fill
	positions []broker.NetPosition
	nextOrder int
	nextFill  int
	clock     func() time.Time

	// PriceFunc, when set, overrides the static price table as the
	// fill and quote source. Paper mode points this at the live leg
	// prices so simulated fills track the feed.
	PriceFunc func(symbol, token string) (float64, bool)

	// FailOrders makes PlaceOrder reject every request, for drills.
	FailOrders bool
}

// NewBroker creates an empty mock broker.
func NewBroker() *Broker {
	return &Broker{
		prices:  map[string]float64{},
		candles: map[string][]models.Candle{},
		orders:  map[string]*broker.OrderStatus{},
		clock:   time.Now,
	}
}

// SetPrice scripts the current price for a token.
func (b *Broker) SetPrice(token string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[token] = price
}

// SetCandles scripts the candle history for a token.
func (b *Broker) SetCandles(token string, candles []models.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.candles[token] = candles
}

// SeedPositions scripts the broker-reported open positions, for
// resumption drills.
func (b *Broker) SeedPositions(positions []broker.NetPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = positions
}

// Login always succeeds.
func (b *Broker) Login(context.Context) error { return nil }

// LTP returns the scripted price for the token.
func (b *Broker) LTP(_ context.Context, _, symbol, token string) (float64, error) {
	price, ok := b.lookupPrice(symbol, token)
	if !ok {
		return 0, fmt.Errorf("mock: no price for token %s", token)
	}
	return price, nil
}

// Candles returns the scripted bars inside the query window.
func (b *Broker) Candles(_ context.Context, q broker.CandleQuery) ([]models.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	series, ok := b.candles[q.Token]
	if !ok {
		return nil, fmt.Errorf("mock: no candles for token %s", q.Token)
	}
	var out []models.Candle
	for _, c := range series {
		if c.TS.Before(q.From) || c.TS.After(q.To) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// PlaceOrder fills immediately at the current price and records a fill.
func (b *Broker) PlaceOrder(_ context.Context, req broker.OrderRequest) (string, error) {
	if b.FailOrders {
		return "", fmt.Errorf("mock: order rejected")
	}
	price, ok := b.lookupPrice(req.Symbol, req.Token)
	if !ok {
		return "", fmt.Errorf("mock: no price for %s", req.Symbol)
	}
	price = util.RoundToOptionTick(price)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextOrder++
	b.nextFill++
	orderID := fmt.Sprintf("mock-%d", b.nextOrder)
	b.orders[orderID] = &broker.OrderStatus{
		OrderID:   orderID,
		Status:    "complete",
		AvgPrice:  price,
		FilledQty: req.Quantity,
	}
	b.fills = append(b.fills, broker.Fill{
		OrderID:  orderID,
		FillID:   fmt.Sprintf("%06d", b.nextFill),
		Symbol:   req.Symbol,
		Token:    req.Token,
		Side:     req.Side,
		Price:    price,
		Quantity: req.Quantity,
		Time:     b.clock(),
	})
	return orderID, nil
}

// OrderStatus returns the recorded status for a placed order.
func (b *Broker) OrderStatus(_ context.Context, orderID string) (*broker.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status, ok := b.orders[orderID]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	copied := *status
	return &copied, nil
}

// OpenPositions returns the seeded positions.
func (b *Broker) OpenPositions(context.Context) ([]broker.NetPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.NetPosition(nil), b.positions...), nil
}

// TradeBook returns every fill recorded so far.
func (b *Broker) TradeBook(context.Context) ([]broker.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Fill(nil), b.fills...), nil
}

func (b *Broker) lookupPrice(symbol, token string) (float64, bool) {
	if b.PriceFunc != nil {
		return b.PriceFunc(symbol, token)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[token]
	return price, ok
}

var _ broker.Broker = (*Broker)(nil)
