package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"spreadrunner/internal/models"
)

const (
	defaultBaseURL  = "https://apiconnect.angelone.in"
	candleTimeFmt   = "2006-01-02 15:04"
	candleRespStamp = "2006-01-02T15:04:05-07:00"
)

// APIError represents an API error with HTTP status, broker error code
// and response message
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.Status, e.Code, e.Message)
}

// AngelAPI is a SmartAPI REST client. Credentials are exchanged for a
// JWT at Login; secure calls fail with ErrNotLoggedIn before that.
type AngelAPI struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	clientID   string
	password   string
	totpSecret string

	mu        sync.RWMutex
	jwtToken  string
	feedToken string
}

// envelope is the uniform SmartAPI response wrapper
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// AngelOption customizes the client
type AngelOption func(*AngelAPI)

// WithBaseURL points the client at a different API host
func WithBaseURL(url string) AngelOption {
	return func(a *AngelAPI) { a.baseURL = url }
}

// WithHTTPClient swaps the HTTP client, mainly for tests
func WithHTTPClient(c *http.Client) AngelOption {
	return func(a *AngelAPI) { a.client = c }
}

// NewAngelAPI creates a SmartAPI client
func NewAngelAPI(apiKey, clientID, password, totpSecret string, opts ...AngelOption) *AngelAPI {
	a := &AngelAPI{
		client:     &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		clientID:   clientID,
		password:   password,
		totpSecret: totpSecret,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ Broker = (*AngelAPI)(nil)

// FeedToken returns the websocket feed token issued at login
func (a *AngelAPI) FeedToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.feedToken
}

// JWT returns the session token issued at login
func (a *AngelAPI) JWT() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.jwtToken
}

// ClientID returns the account client code
func (a *AngelAPI) ClientID() string {
	return a.clientID
}

// APIKey returns the application key, needed by the feed handshake
func (a *AngelAPI) APIKey() string {
	return a.apiKey
}

// Login exchanges credentials plus a fresh TOTP for session tokens.
func (a *AngelAPI) Login(ctx context.Context) error {
	code, err := totpNow(a.totpSecret, time.Now())
	if err != nil {
		return fmt.Errorf("generating totp: %w", err)
	}

	body := map[string]string{
		"clientcode": a.clientID,
		"password":   a.password,
		"totp":       code,
	}

	var data struct {
		JWTToken  string `json:"jwtToken"`
		FeedToken string `json:"feedToken"`
	}
	if err := a.doRequest(ctx, http.MethodPost, "/rest/auth/angelbroking/user/v1/loginByPassword", body, &data); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if data.JWTToken == "" {
		return fmt.Errorf("login: empty session token in response")
	}

	a.mu.Lock()
	a.jwtToken = data.JWTToken
	a.feedToken = data.FeedToken
	a.mu.Unlock()
	return nil
}

// LTP fetches the last traded price for one instrument.
func (a *AngelAPI) LTP(ctx context.Context, exchange, symbol, token string) (float64, error) {
	body := map[string]string{
		"exchange":      exchange,
		"tradingsymbol": symbol,
		"symboltoken":   token,
	}

	var data struct {
		LTP float64 `json:"ltp"`
	}
	if err := a.doRequest(ctx, http.MethodPost, "/rest/secure/angelbroking/order/v1/getLtpData", body, &data); err != nil {
		return 0, fmt.Errorf("ltp %s: %w", symbol, err)
	}
	if data.LTP <= 0 {
		return 0, fmt.Errorf("ltp %s: non-positive price %v", symbol, data.LTP)
	}
	return data.LTP, nil
}

// Candles fetches historical bars. The API returns positional arrays
// [timestamp, open, high, low, close, volume].
func (a *AngelAPI) Candles(ctx context.Context, q CandleQuery) ([]models.Candle, error) {
	if q.Interval == "" {
		q.Interval = "ONE_MINUTE"
	}
	body := map[string]string{
		"exchange":    q.Exchange,
		"symboltoken": q.Token,
		"interval":    q.Interval,
		"fromdate":    q.From.Format(candleTimeFmt),
		"todate":      q.To.Format(candleTimeFmt),
	}

	var rows [][]json.RawMessage
	if err := a.doRequest(ctx, http.MethodPost, "/rest/secure/angelbroking/historical/v1/getCandleData", body, &rows); err != nil {
		return nil, fmt.Errorf("candles token=%s: %w", q.Token, err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("candles token=%s: row %d has %d fields", q.Token, i, len(row))
		}
		var stamp string
		if err := json.Unmarshal(row[0], &stamp); err != nil {
			return nil, fmt.Errorf("candles token=%s: row %d timestamp: %w", q.Token, i, err)
		}
		ts, err := time.Parse(candleRespStamp, stamp)
		if err != nil {
			return nil, fmt.Errorf("candles token=%s: row %d timestamp %q: %w", q.Token, i, stamp, err)
		}
		var c models.Candle
		c.TS = ts
		for j, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			if err := json.Unmarshal(row[j+1], dst); err != nil {
				return nil, fmt.Errorf("candles token=%s: row %d field %d: %w", q.Token, i, j+1, err)
			}
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// PlaceOrder submits an intraday market order and returns the order id.
func (a *AngelAPI) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	body := map[string]string{
		"variety":         "NORMAL",
		"tradingsymbol":   req.Symbol,
		"symboltoken":     req.Token,
		"transactiontype": string(req.Side),
		"exchange":        req.Exchange,
		"ordertype":       "MARKET",
		"producttype":     "INTRADAY",
		"duration":        "DAY",
		"quantity":        strconv.Itoa(req.Quantity),
	}

	var data struct {
		OrderID string `json:"orderid"`
	}
	if err := a.doRequest(ctx, http.MethodPost, "/rest/secure/angelbroking/order/v1/placeOrder", body, &data); err != nil {
		return "", fmt.Errorf("place %s %s x%d: %w", req.Side, req.Symbol, req.Quantity, err)
	}
	if data.OrderID == "" {
		return "", fmt.Errorf("place %s %s: empty order id in response", req.Side, req.Symbol)
	}
	return data.OrderID, nil
}

// orderBookRow mirrors one order book entry, loosely typed the way the
// API actually sends it (numeric fields arrive as strings).
type orderBookRow struct {
	OrderID      string `json:"orderid"`
	Status       string `json:"status"`
	AveragePrice any    `json:"averageprice"`
	FilledShares any    `json:"filledshares"`
	Text         string `json:"text"`
}

// OrderStatus looks an order up in the order book.
func (a *AngelAPI) OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var rows []orderBookRow
	if err := a.doRequest(ctx, http.MethodGet, "/rest/secure/angelbroking/order/v1/getOrderBook", nil, &rows); err != nil {
		return nil, fmt.Errorf("order book: %w", err)
	}

	for _, row := range rows {
		if row.OrderID != orderID {
			continue
		}
		return &OrderStatus{
			OrderID:   row.OrderID,
			Status:    row.Status,
			AvgPrice:  looseFloat(row.AveragePrice),
			FilledQty: int(looseFloat(row.FilledShares)),
			Message:   row.Text,
		}, nil
	}
	return nil, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
}

// OpenPositions fetches the intraday position book.
func (a *AngelAPI) OpenPositions(ctx context.Context) ([]NetPosition, error) {
	var rows []struct {
		Symbol       string `json:"tradingsymbol"`
		Token        string `json:"symboltoken"`
		Exchange     string `json:"exchange"`
		BuyQty       any    `json:"buyqty"`
		SellQty      any    `json:"sellqty"`
		BuyAvgPrice  any    `json:"buyavgprice"`
		SellAvgPrice any    `json:"sellavgprice"`
	}
	if err := a.doRequest(ctx, http.MethodGet, "/rest/secure/angelbroking/order/v1/getPosition", nil, &rows); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}

	out := make([]NetPosition, 0, len(rows))
	for _, row := range rows {
		out = append(out, NetPosition{
			Symbol:       row.Symbol,
			Token:        row.Token,
			Exchange:     row.Exchange,
			BuyQty:       int(looseFloat(row.BuyQty)),
			SellQty:      int(looseFloat(row.SellQty)),
			BuyAvgPrice:  looseFloat(row.BuyAvgPrice),
			SellAvgPrice: looseFloat(row.SellAvgPrice),
		})
	}
	return out, nil
}

// TradeBook fetches today's executions.
func (a *AngelAPI) TradeBook(ctx context.Context) ([]Fill, error) {
	var rows []struct {
		OrderID  string `json:"orderid"`
		FillID   string `json:"fillid"`
		Symbol   string `json:"tradingsymbol"`
		Token    string `json:"symboltoken"`
		Side     string `json:"transactiontype"`
		Price    any    `json:"fillprice"`
		Quantity any    `json:"fillsize"`
		FillTime string `json:"filltime"`
	}
	if err := a.doRequest(ctx, http.MethodGet, "/rest/secure/angelbroking/order/v1/getTradeBook", nil, &rows); err != nil {
		return nil, fmt.Errorf("trade book: %w", err)
	}

	out := make([]Fill, 0, len(rows))
	for _, row := range rows {
		f := Fill{
			OrderID:  row.OrderID,
			FillID:   row.FillID,
			Symbol:   row.Symbol,
			Token:    row.Token,
			Side:     Side(row.Side),
			Price:    looseFloat(row.Price),
			Quantity: int(looseFloat(row.Quantity)),
		}
		if t, err := time.Parse("15:04:05", row.FillTime); err == nil {
			f.Time = t
		}
		out = append(out, f)
	}
	return out, nil
}

// doRequest performs one API call, unwraps the response envelope and
// decodes .data into out (when out is non-nil).
func (a *AngelAPI) doRequest(ctx context.Context, method, path string, body any, out any) error {
	secure := path != "/rest/auth/angelbroking/user/v1/loginByPassword"
	jwt := a.JWT()
	if secure && jwt == "" {
		return ErrNotLoggedIn
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-PrivateKey", a.apiKey)
	if secure {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("unparseable response: %.200s", raw)}
	}
	if resp.StatusCode != http.StatusOK || !env.Status {
		return &APIError{Status: resp.StatusCode, Code: env.ErrorCode, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}

// looseFloat coerces the API's string-or-number fields
func looseFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0
		}
		return f
	case json.Number:
		f, _ := x.Float64()
		return f
	default:
		return 0
	}
}
