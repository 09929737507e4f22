package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"spreadrunner/internal/models"
)

const (
	// DefaultStreamURL is the broker's market data stream endpoint.
	DefaultStreamURL = "wss://smartapisocket.angelone.in/smart-stream"

	subscribeAction = 1
	modeQuote       = 2

	heartbeatInterval = 25 * time.Second
	handshakeTimeout  = 10 * time.Second
)

// Credentials carries the stream authentication headers. All four come
// from the broker session established at login.
type Credentials struct {
	JWT       string
	APIKey    string
	ClientID  string
	FeedToken string
}

// Transport is the raw message stream beneath the live feed; it exists
// so feed parsing can be tested without a websocket server.
type Transport interface {
	Connect(ctx context.Context) error
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Ping() error
	Close() error
}

// WSTransport is the gorilla/websocket transport for the broker stream.
type WSTransport struct {
	url    string
	header http.Header

	mu   sync.Mutex // serializes writes
	conn *websocket.Conn
}

// NewWSTransport prepares a transport for the given stream URL.
func NewWSTransport(url string, creds Credentials) *WSTransport {
	header := http.Header{}
	header.Set("Authorization", creds.JWT)
	header.Set("x-api-key", creds.APIKey)
	header.Set("x-client-code", creds.ClientID)
	header.Set("x-feed-token", creds.FeedToken)
	return &WSTransport{url: url, header: header}
}

func (t *WSTransport) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", t.url, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.conn = conn
	return nil
}

// ReadMessage returns the next frame, mapping a normal close to io.EOF.
func (t *WSTransport) ReadMessage() ([]byte, error) {
	_, msg, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return msg, nil
}

func (t *WSTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

// Ping sends the broker's application-level heartbeat.
func (t *WSTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, []byte("ping"))
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}

var _ Transport = (*WSTransport)(nil)

// SubscriptionGroup names the tokens to subscribe per exchange segment
// (1 = cash, 2 = NFO derivatives, 4 = BFO derivatives).
type SubscriptionGroup struct {
	ExchangeType int
	Tokens       []string
}

type subscribeRequest struct {
	CorrelationID string          `json:"correlationID"`
	Action        int             `json:"action"`
	Params        subscribeParams `json:"params"`
}

type subscribeParams struct {
	Mode      int          `json:"mode"`
	TokenList []tokenGroup `json:"tokenList"`
}

type tokenGroup struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// Live turns the broker's push stream into an ordered pull feed.
// Messages that cannot be parsed are dropped with a warning rather than
// stopping the session.
type Live struct {
	transport Transport
	groups    []SubscriptionGroup
	logger    *logrus.Entry

	pending   []models.LegUpdate
	stopPing  chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// NewLive creates a live feed over the given transport.
func NewLive(t Transport, groups []SubscriptionGroup, logger *logrus.Entry) *Live {
	return &Live{
		transport: t,
		groups:    groups,
		logger:    logger,
		stopPing:  make(chan struct{}),
		now:       time.Now,
	}
}

// Start connects, subscribes to all leg tokens, and begins the
// heartbeat. Must be called before Next.
func (l *Live) Start(ctx context.Context) error {
	if err := l.transport.Connect(ctx); err != nil {
		return err
	}

	req := subscribeRequest{
		CorrelationID: uuid.NewString(),
		Action:        subscribeAction,
		Params:        subscribeParams{Mode: modeQuote},
	}
	for _, g := range l.groups {
		req.Params.TokenList = append(req.Params.TokenList, tokenGroup{
			ExchangeType: g.ExchangeType,
			Tokens:       g.Tokens,
		})
	}
	if err := l.transport.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	l.logger.WithField("groups", len(l.groups)).Info("subscribed to market stream")

	go l.heartbeat()
	return nil
}

func (l *Live) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopPing:
			return
		case <-ticker.C:
			if err := l.transport.Ping(); err != nil {
				l.logger.WithError(err).Warn("stream heartbeat failed")
				return
			}
		}
	}
}

// Next blocks until a parseable tick arrives. Ticks carried in a single
// frame are delivered one at a time in frame order.
func (l *Live) Next(ctx context.Context) (models.LegUpdate, error) {
	for len(l.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return models.LegUpdate{}, err
		}
		msg, err := l.transport.ReadMessage()
		if err != nil {
			return models.LegUpdate{}, err
		}
		l.parse(msg)
	}

	update := l.pending[0]
	l.pending = l.pending[1:]
	return update, nil
}

func (l *Live) parse(msg []byte) {
	if string(msg) == "pong" {
		return
	}

	var decoded any
	if err := json.Unmarshal(msg, &decoded); err != nil {
		l.logger.WithError(err).Warn("dropping unparseable stream frame")
		return
	}

	switch v := decoded.(type) {
	case []any:
		for _, item := range v {
			l.appendTick(item)
		}
	case map[string]any:
		l.appendTick(v)
	default:
		l.logger.Warn("dropping stream frame with unexpected shape")
	}
}

func (l *Live) appendTick(raw any) {
	payload, ok := raw.(map[string]any)
	if !ok {
		l.logger.Warn("dropping non-object tick")
		return
	}

	token := pickString(payload, "token", "tk")
	if token == "" {
		return
	}
	price, ok := pickFloat(payload, "last_traded_price", "ltp", "lp")
	if !ok || price <= 0 {
		l.logger.WithField("token", token).Warn("dropping tick without price")
		return
	}
	// Derivative segments quote prices in paise.
	if et, etOK := pickFloat(payload, "exchange_type"); etOK && et == 2 {
		price /= 100.0
	}
	volume, _ := pickFloat(payload, "volume", "v")

	l.pending = append(l.pending, models.LegUpdate{
		TS:     l.now(),
		Token:  token,
		Price:  price,
		Volume: volume,
	})
}

// Close stops the heartbeat and closes the transport.
func (l *Live) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopPing)
		err = l.transport.Close()
	})
	return err
}

var _ Feed = (*Live)(nil)

func pickString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := payload[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func pickFloat(payload map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := payload[k].(type) {
		case float64:
			return v, true
		case string:
			var f float64
			if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
