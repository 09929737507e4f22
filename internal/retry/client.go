// Package retry wraps order placement with bounded retries for
// transient broker failures.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"spreadrunner/internal/broker"
)

// Config bounds the retry loop
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig keeps order placement well inside a one-minute bar
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     10 * time.Second,
	Timeout:        45 * time.Second,
}

// Client retries transient order placement failures with exponential
// backoff and jitter.
type Client struct {
	broker broker.Broker
	logger *logrus.Entry
	config Config
}

// NewClient creates a retry client; pass a Config to override defaults.
// Non-positive config values fall back to DefaultConfig.
func NewClient(b broker.Broker, logger *logrus.Entry, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}

	return &Client{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// PlaceOrderWithRetry places the order, retrying transient failures.
// Permanent broker rejections surface immediately.
func (c *Client) PlaceOrderWithRetry(ctx context.Context, req broker.OrderRequest) (string, error) {
	placeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-placeCtx.Done():
			return "", fmt.Errorf("order placement timed out after %v: %w", c.config.Timeout, placeCtx.Err())
		default:
		}

		if ctx.Err() != nil {
			return "", fmt.Errorf("operation canceled: %w", ctx.Err())
		}

		c.logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"side":    req.Side,
			"symbol":  req.Symbol,
		}).Debug("placing order")

		orderID, err := c.broker.PlaceOrder(placeCtx, req)
		if err == nil {
			return orderID, nil
		}

		lastErr = err
		c.logger.WithError(err).WithField("attempt", attempt+1).Warn("order placement failed")

		if c.isTransientError(err) && attempt < c.config.MaxRetries {
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-placeCtx.Done():
				return "", fmt.Errorf("order placement timed out during backoff: %w", placeCtx.Err())
			case <-ctx.Done():
				return "", fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
			}
		} else {
			break
		}
	}

	return "", fmt.Errorf("failed to place %s %s after %d attempts: %w",
		req.Side, req.Symbol, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Warn("failed to generate backoff jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
