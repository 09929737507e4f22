package broker

import (
	"context"

	"golang.org/x/time/rate"

	"spreadrunner/internal/models"
)

// RateLimitedBroker throttles outbound API calls with a token bucket
// so bursts of leg orders and polls stay inside the broker's per-second
// quota instead of getting rejected.
type RateLimitedBroker struct {
	broker  Broker
	limiter *rate.Limiter
}

// NewRateLimitedBroker caps calls at perSecond with a burst of the
// same size. perSecond <= 0 disables throttling.
func NewRateLimitedBroker(broker Broker, perSecond float64) *RateLimitedBroker {
	var limiter *rate.Limiter
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &RateLimitedBroker{broker: broker, limiter: limiter}
}

var _ Broker = (*RateLimitedBroker)(nil)

func (r *RateLimitedBroker) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// Login waits for a token then delegates
func (r *RateLimitedBroker) Login(ctx context.Context) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.broker.Login(ctx)
}

// LTP waits for a token then delegates
func (r *RateLimitedBroker) LTP(ctx context.Context, exchange, symbol, token string) (float64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.broker.LTP(ctx, exchange, symbol, token)
}

// Candles waits for a token then delegates
func (r *RateLimitedBroker) Candles(ctx context.Context, q CandleQuery) ([]models.Candle, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.Candles(ctx, q)
}

// PlaceOrder waits for a token then delegates
func (r *RateLimitedBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.broker.PlaceOrder(ctx, req)
}

// OrderStatus waits for a token then delegates
func (r *RateLimitedBroker) OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.OrderStatus(ctx, orderID)
}

// OpenPositions waits for a token then delegates
func (r *RateLimitedBroker) OpenPositions(ctx context.Context) ([]NetPosition, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.OpenPositions(ctx)
}

// TradeBook waits for a token then delegates
func (r *RateLimitedBroker) TradeBook(ctx context.Context) ([]Fill, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.TradeBook(ctx)
}
