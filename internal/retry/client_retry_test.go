package retry

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"spreadrunner/internal/broker"
	"spreadrunner/internal/models"
)

// --- Test helpers ---

type fakeBroker struct {
	callCount int32

	// scripted behaviors
	// if successAfterN > 0, return errTransient for attempts < N, then success
	successAfterN int
	errTransient  error
	errPermanent  error
}

func (f *fakeBroker) PlaceOrder(_ context.Context, _ broker.OrderRequest) (string, error) {
	n := atomic.AddInt32(&f.callCount, 1)

	// If configured to succeed after N attempts, return transient errors until then.
	if f.successAfterN > 0 {
		if int(n) < f.successAfterN {
			if f.errTransient != nil {
				return "", f.errTransient
			}
			return "", errors.New("timeout") // default transient
		}
		return "order-" + strconv.Itoa(int(n)), nil
	}

	if f.errPermanent != nil {
		return "", f.errPermanent
	}

	return "order-" + strconv.Itoa(int(n)), nil
}

func (f *fakeBroker) Login(context.Context) error { return nil }
func (f *fakeBroker) LTP(context.Context, string, string, string) (float64, error) {
	return 0, errors.New("not scripted")
}
func (f *fakeBroker) Candles(context.Context, broker.CandleQuery) ([]models.Candle, error) {
	return nil, errors.New("not scripted")
}
func (f *fakeBroker) OrderStatus(context.Context, string) (*broker.OrderStatus, error) {
	return nil, broker.ErrOrderNotFound
}
func (f *fakeBroker) OpenPositions(context.Context) ([]broker.NetPosition, error) {
	return nil, nil
}
func (f *fakeBroker) TradeBook(context.Context) ([]broker.Fill, error) { return nil, nil }

var _ broker.Broker = (*fakeBroker)(nil)

func makeClient(t *testing.T, br broker.Broker, cfg Config) *Client {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewClient(br, logrus.NewEntry(l), cfg)
}

func testOrder() broker.OrderRequest {
	return broker.OrderRequest{
		Symbol:   "NIFTY28AUG2526350CE",
		Token:    "43125",
		Exchange: "NFO",
		Side:     broker.SideSell,
		Quantity: 75,
	}
}

// --- Tests ---

func TestNewClient_ConfigSanitizationAndDefaults(t *testing.T) {
	br := &fakeBroker{}

	// Provide bad config values to ensure sanitization to DefaultConfig
	cfg := Config{
		MaxRetries:     -1,
		InitialBackoff: 0,
		MaxBackoff:     0,
		Timeout:        0,
	}
	c := NewClient(br, nil, cfg) // nil logger => defaulted internally

	if c.broker == nil {
		t.Fatalf("expected broker to be set")
	}
	if c.logger == nil {
		t.Fatalf("expected logger to be non-nil (defaulted)")
	}
	if c.config.MaxRetries != DefaultConfig.MaxRetries {
		t.Fatalf("MaxRetries sanitized: got %d want %d", c.config.MaxRetries, DefaultConfig.MaxRetries)
	}
	if c.config.InitialBackoff != DefaultConfig.InitialBackoff {
		t.Fatalf("InitialBackoff sanitized: got %v want %v", c.config.InitialBackoff, DefaultConfig.InitialBackoff)
	}
	if c.config.MaxBackoff != DefaultConfig.MaxBackoff {
		t.Fatalf("MaxBackoff sanitized: got %v want %v", c.config.MaxBackoff, DefaultConfig.MaxBackoff)
	}
	if c.config.Timeout != DefaultConfig.Timeout {
		t.Fatalf("Timeout sanitized: got %v want %v", c.config.Timeout, DefaultConfig.Timeout)
	}
}

func TestIsTransientError_Patterns(t *testing.T) {
	c := makeClient(t, &fakeBroker{}, DefaultConfig)

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request TIMEOUT while processing"), true},
		{"conn refused", errors.New("connection refused by target"), true},
		{"conn reset", errors.New("read: connection reset by peer"), true},
		{"temporary failure", errors.New("temporary failure in name resolution"), true},
		{"server error", errors.New("internal server error"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"429", errors.New("HTTP 429 Too Many Requests"), true},
		{"502", errors.New("502 bad gateway"), true},
		{"503", errors.New("Service Unavailable (503)"), true},
		{"504", errors.New("504 Gateway Timeout"), true},
		{"network", errors.New("network unreachable"), true},
		{"dns", errors.New("dns lookup failed"), true},
		{"tcp", errors.New("tcp handshake failed"), true},
		{"non-transient", errors.New("AB1007: insufficient margin"), false},
		{"empty string", errors.New(""), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.isTransientError(tc.err)
			if got != tc.want {
				t.Fatalf("isTransientError(%v)=%v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestCalculateNextBackoff_GeneralBehavior(t *testing.T) {
	cfg := Config{
		MaxRetries:     2,
		InitialBackoff: 4 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Timeout:        1 * time.Second,
	}
	c := makeClient(t, &fakeBroker{}, cfg)

	// Case 1: multiply by 1.5 within max, with jitter in [0, backoff/4)
	next := c.calculateNextBackoff(4 * time.Millisecond) // base = 6ms, jitter in [0, 1.5ms)
	if next < 6*time.Millisecond || next >= 8*time.Millisecond {
		t.Fatalf("unexpected next backoff: got %v, expected [6ms,8ms)", next)
	}

	// Case 2: cap to MaxBackoff before jitter, then allow jitter up to MaxBackoff/4
	next2 := c.calculateNextBackoff(8 * time.Millisecond) // base=12ms -> capped at 10ms; jitter in [0, 2.5ms)
	if next2 < 10*time.Millisecond || next2 >= 13*time.Millisecond {
		t.Fatalf("unexpected capped next backoff: got %v, expected [10ms,13ms)", next2)
	}

	// Case 3: zero input stays zero (no jitter)
	if got := c.calculateNextBackoff(0); got != 0 {
		t.Fatalf("zero backoff expected to remain zero, got %v", got)
	}
}

func TestPlaceOrderWithRetry_SucceedsFirstAttempt(t *testing.T) {
	fb := &fakeBroker{}
	cfg := Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        250 * time.Millisecond,
	}
	c := makeClient(t, fb, cfg)

	orderID, err := c.PlaceOrderWithRetry(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if orderID == "" {
		t.Fatalf("expected non-empty order id")
	}
	if atomic.LoadInt32(&fb.callCount) != 1 {
		t.Fatalf("expected 1 broker call, got %d", fb.callCount)
	}
}

func TestPlaceOrderWithRetry_RetriesOnTransientAndThenSucceeds(t *testing.T) {
	fb := &fakeBroker{
		successAfterN: 3, // fail twice, succeed third
		errTransient:  errors.New("timeout while placing order"),
	}
	cfg := Config{
		MaxRetries:     3, // allows up to 4 attempts total
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     3 * time.Millisecond,
		Timeout:        250 * time.Millisecond,
	}
	c := makeClient(t, fb, cfg)

	start := time.Now()
	orderID, err := c.PlaceOrderWithRetry(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("expected success after retries, got err: %v", err)
	}
	if orderID == "" {
		t.Fatalf("expected order id after retries")
	}
	if atomic.LoadInt32(&fb.callCount) != 3 {
		t.Fatalf("expected 3 attempts, got %d", fb.callCount)
	}
	// Ensure some small wait occurred (not strict, just sanity)
	if elapsed := time.Since(start); elapsed < 2*time.Millisecond {
		t.Fatalf("expected some backoff elapsed, got %v", elapsed)
	}
}

func TestPlaceOrderWithRetry_FailFastOnNonTransient(t *testing.T) {
	fb := &fakeBroker{
		errPermanent: errors.New("AB1007: insufficient margin"),
	}
	cfg := Config{
		MaxRetries:     5, // even with higher retries, should not retry on permanent errors
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        200 * time.Millisecond,
	}
	c := makeClient(t, fb, cfg)

	_, err := c.PlaceOrderWithRetry(context.Background(), testOrder())
	if err == nil {
		t.Fatalf("expected error on non-transient failure")
	}
	if atomic.LoadInt32(&fb.callCount) != 1 {
		t.Fatalf("expected only 1 attempt on non-transient error, got %d", fb.callCount)
	}
}

func TestPlaceOrderWithRetry_ContextCanceled(t *testing.T) {
	fb := &fakeBroker{}
	cfg := Config{
		MaxRetries:     2,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        1 * time.Second,
	}
	c := makeClient(t, fb, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel before call

	_, err := c.PlaceOrderWithRetry(ctx, testOrder())
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	// No broker calls should have been made if we checked ctx.Err() early
	if atomic.LoadInt32(&fb.callCount) != 0 {
		t.Fatalf("expected 0 broker calls, got %d", fb.callCount)
	}
}

func TestPlaceOrderWithRetry_TimeoutDuringBackoff(t *testing.T) {
	// Force transient errors and a short timeout to hit the backoff timeout branch.
	fb := &fakeBroker{
		errTransient:  errors.New("connection reset"),
		successAfterN: 100,
	}
	cfg := Config{
		MaxRetries:     10,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Timeout:        10 * time.Millisecond, // shorter than backoff
	}
	c := makeClient(t, fb, cfg)

	_, err := c.PlaceOrderWithRetry(context.Background(), testOrder())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}
