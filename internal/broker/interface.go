// Package broker provides the brokerage abstraction and the Angel One
// SmartAPI implementation behind it.
package broker

import (
	"context"
	"errors"
	"sort"
	"time"

	"spreadrunner/internal/models"
)

// Side is the order direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing direction for this side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Common sentinel errors surfaced by broker implementations
var (
	// ErrNotLoggedIn is returned when a secure call happens before Login
	ErrNotLoggedIn = errors.New("broker: not logged in")
	// ErrOrderNotFound is returned when an order id is missing from the order book
	ErrOrderNotFound = errors.New("broker: order not found")
)

// OrderRequest describes a market order for one leg
type OrderRequest struct {
	Symbol   string
	Token    string
	Exchange string
	Side     Side
	Quantity int
}

// OrderStatus is the broker's view of a placed order
type OrderStatus struct {
	OrderID   string
	Status    string // open | complete | rejected | cancelled
	AvgPrice  float64
	FilledQty int
	Message   string
}

// Filled reports whether the order completed with a usable fill price
func (o *OrderStatus) Filled() bool {
	return o.Status == "complete" && o.FilledQty > 0 && o.AvgPrice > 0
}

// Terminal reports whether the order will not change state again
func (o *OrderStatus) Terminal() bool {
	switch o.Status {
	case "complete", "rejected", "cancelled":
		return true
	}
	return false
}

// NetPosition is one row of the broker's intraday position book
type NetPosition struct {
	Symbol       string
	Token        string
	Exchange     string
	BuyQty       int
	SellQty      int
	BuyAvgPrice  float64
	SellAvgPrice float64
}

// NetShort reports whether the row nets to a sold position
func (n *NetPosition) NetShort() bool {
	return n.SellQty > n.BuyQty
}

// NetLong reports whether the row nets to a bought position
func (n *NetPosition) NetLong() bool {
	return n.BuyQty > n.SellQty
}

// Fill is one execution from the trade book
type Fill struct {
	OrderID  string
	FillID   string
	Symbol   string
	Token    string
	Side     Side
	Price    float64
	Quantity int
	Time     time.Time
}

// CandleQuery selects a historical bar window for one instrument
type CandleQuery struct {
	Exchange string
	Token    string
	Interval string // e.g. ONE_MINUTE, FIFTEEN_MINUTE
	From     time.Time
	To       time.Time
}

// Broker defines the interface for interacting with a brokerage
type Broker interface {
	// Session
	Login(ctx context.Context) error

	// Market data
	LTP(ctx context.Context, exchange, symbol, token string) (float64, error)
	Candles(ctx context.Context, q CandleQuery) ([]models.Candle, error)

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)

	// Books
	OpenPositions(ctx context.Context) ([]NetPosition, error)
	TradeBook(ctx context.Context) ([]Fill, error)
}

// RealizedPnL computes the day's realized profit from the trade book
// by pairing executions per symbol: the oldest sell against the oldest
// buy, quantity aware, leftovers (still-open lots) ignored. Fill ids
// are sequential at the exchange so they give chronological order.
func RealizedPnL(fills []Fill) float64 {
	type lot struct {
		price float64
		qty   int
	}

	buys := make(map[string][]lot)
	sells := make(map[string][]lot)

	sorted := make([]Fill, len(fills))
	copy(sorted, fills)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FillID < sorted[j].FillID })

	for _, f := range sorted {
		l := lot{price: f.Price, qty: f.Quantity}
		if f.Side == SideBuy {
			buys[f.Symbol] = append(buys[f.Symbol], l)
		} else {
			sells[f.Symbol] = append(sells[f.Symbol], l)
		}
	}

	var pnl float64
	for symbol, bs := range buys {
		ss := sells[symbol]
		i, j := 0, 0
		for i < len(bs) && j < len(ss) {
			qty := bs[i].qty
			if ss[j].qty < qty {
				qty = ss[j].qty
			}
			pnl += (ss[j].price - bs[i].price) * float64(qty)
			bs[i].qty -= qty
			ss[j].qty -= qty
			if bs[i].qty == 0 {
				i++
			}
			if ss[j].qty == 0 {
				j++
			}
		}
	}
	return pnl
}
