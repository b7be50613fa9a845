package bridge

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vitos/keylevel_breakout/internal/domain"
	"go.uber.org/zap"
)

// Client talks to the trading-terminal bridge: a REST surface for bars,
// indicators and order management, plus a websocket stream of price
// updates. It implements both domain.MarketDataFeed and
// domain.ExecutionGateway.
type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger

	mu         sync.Mutex
	wsConn     *websocket.Conn
	wsDone     chan struct{}
	subscribed []string
	callbacks  []func(symbol string, bid, ask float64)
}

func NewClient(apiKey, apiSecret, baseURL, wsURL string, logger *zap.Logger) *Client {
	return &Client{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		wsDone:    make(chan struct{}),
	}
}

// --- REST plumbing ---

type envelope struct {
	Ok        bool            `json:"ok"`
	ErrorCode string          `json:"error_code"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
}

func (c *Client) sign(payload string, timestamp int64) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(fmt.Sprintf("%d%s%s", timestamp, c.apiKey, payload)))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) request(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body []byte
	var payloadStr string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = b
		payloadStr = string(b)
	} else if i := bytes.IndexByte([]byte(path), '?'); i >= 0 {
		payloadStr = path[i+1:]
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}

	timestamp := time.Now().UnixMilli()
	req.Header.Set("X-BRIDGE-KEY", c.apiKey)
	req.Header.Set("X-BRIDGE-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BRIDGE-SIGN", c.sign(payloadStr, timestamp))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("bridge error %d: %s", resp.StatusCode, string(respBody))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decode bridge response: %w", err)
	}
	if !env.Ok {
		if env.ErrorCode != "" {
			return &domain.BrokerError{Code: env.ErrorCode, Msg: env.Error}
		}
		return fmt.Errorf("bridge request failed: %s", env.Error)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode bridge payload: %w", err)
		}
	}
	return nil
}

// --- MarketDataFeed ---

type wireBar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func (c *Client) GetBars(ctx context.Context, symbol string, tf domain.Timeframe, count int) ([]domain.Bar, error) {
	path := fmt.Sprintf("/api/v1/bars?symbol=%s&timeframe=%s&count=%d",
		url.QueryEscape(symbol), tf, count)

	var data struct {
		Bars []wireBar `json:"bars"`
	}
	if err := c.request(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	bars := make([]domain.Bar, 0, len(data.Bars))
	for _, b := range data.Bars {
		bars = append(bars, domain.Bar{
			Time:   time.UnixMilli(b.Time),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	// Bridge delivers newest first; the engine wants oldest first.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

func (c *Client) GetIndicatorValue(ctx context.Context, symbol string, tf domain.Timeframe, kind string, period int) (float64, error) {
	path := fmt.Sprintf("/api/v1/indicator?symbol=%s&timeframe=%s&kind=%s&period=%d",
		url.QueryEscape(symbol), tf, url.QueryEscape(kind), period)

	var data struct {
		Ready bool    `json:"ready"`
		Value float64 `json:"value"`
	}
	if err := c.request(ctx, http.MethodGet, path, nil, &data); err != nil {
		return 0, err
	}
	if !data.Ready {
		return 0, domain.ErrIndicatorUnavailable
	}
	return data.Value, nil
}

func (c *Client) GetCurrentQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	path := "/api/v1/quote?symbol=" + url.QueryEscape(symbol)

	var q domain.Quote
	if err := c.request(ctx, http.MethodGet, path, nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// --- ExecutionGateway ---

func (c *Client) OpenPosition(ctx context.Context, req *domain.OrderRequest) (string, error) {
	var data struct {
		Ticket string `json:"ticket"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v1/positions/open", req, &data); err != nil {
		return "", err
	}
	return data.Ticket, nil
}

func (c *Client) ModifyPosition(ctx context.Context, ticket string, stopLoss, takeProfit float64) error {
	payload := map[string]interface{}{
		"ticket":      ticket,
		"stop_loss":   stopLoss,
		"take_profit": takeProfit,
	}
	return c.request(ctx, http.MethodPost, "/api/v1/positions/modify", payload, nil)
}

func (c *Client) ClosePosition(ctx context.Context, ticket string, volume float64) error {
	payload := map[string]interface{}{
		"ticket": ticket,
		"volume": volume,
	}
	return c.request(ctx, http.MethodPost, "/api/v1/positions/close", payload, nil)
}

type wirePosition struct {
	Ticket       string  `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Volume       float64 `json:"volume"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	OpenTime     int64   `json:"open_time"`
}

func (c *Client) ListOpenPositions(ctx context.Context, symbol string) ([]*domain.PositionInfo, error) {
	path := "/api/v1/positions?symbol=" + url.QueryEscape(symbol)

	var data struct {
		Positions []wirePosition `json:"positions"`
	}
	if err := c.request(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	out := make([]*domain.PositionInfo, 0, len(data.Positions))
	for _, p := range data.Positions {
		out = append(out, &domain.PositionInfo{
			Ticket:       p.Ticket,
			Symbol:       p.Symbol,
			Side:         domain.Side(p.Side),
			Volume:       p.Volume,
			EntryPrice:   p.EntryPrice,
			CurrentPrice: p.CurrentPrice,
			StopLoss:     p.StopLoss,
			TakeProfit:   p.TakeProfit,
			OpenTime:     time.UnixMilli(p.OpenTime),
		})
	}
	return out, nil
}

func (c *Client) AccountEquity(ctx context.Context) (float64, error) {
	var data struct {
		Equity float64 `json:"equity"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/account", nil, &data); err != nil {
		return 0, err
	}
	return data.Equity, nil
}

func (c *Client) GetSymbolSpec(ctx context.Context, symbol string) (*domain.SymbolSpec, error) {
	path := "/api/v1/symbols?symbol=" + url.QueryEscape(symbol)

	var spec domain.SymbolSpec
	if err := c.request(ctx, http.MethodGet, path, nil, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// --- Websocket tick stream ---

// OnTick registers a callback invoked for every price update received
// on the stream.
func (c *Client) OnTick(cb func(symbol string, bid, ask float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Subscribe connects the stream (on first use) and subscribes to tick
// topics for the given symbols.
func (c *Client) Subscribe(symbols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wsConn == nil {
		conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
		if err != nil {
			return fmt.Errorf("dial bridge ws: %w", err)
		}
		c.wsConn = conn
		go c.readLoop(conn)
	}

	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "ticks."+s)
	}
	c.subscribed = append(c.subscribed, symbols...)

	msg := map[string]interface{}{"op": "subscribe", "args": args}
	return c.wsConn.WriteJSON(msg)
}

// Close shuts the stream down.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.wsDone)
	if c.wsConn != nil {
		c.wsConn.Close()
		c.wsConn = nil
	}
}

type tickMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol string  `json:"symbol"`
		Bid    float64 `json:"bid"`
		Ask    float64 `json:"ask"`
	} `json:"data"`
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.wsDone:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("bridge ws read failed, reconnecting", zap.Error(err))
			c.reconnect()
			return
		}

		var msg tickMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Data.Symbol == "" {
			continue
		}

		c.mu.Lock()
		cbs := make([]func(string, float64, float64), len(c.callbacks))
		copy(cbs, c.callbacks)
		c.mu.Unlock()

		for _, cb := range cbs {
			cb(msg.Data.Symbol, msg.Data.Bid, msg.Data.Ask)
		}
	}
}

// reconnect dials again with a fixed backoff and replays the
// subscriptions. Gives up when Close was called.
func (c *Client) reconnect() {
	for {
		select {
		case <-c.wsDone:
			return
		case <-time.After(3 * time.Second):
		}

		c.mu.Lock()
		conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
		if err != nil {
			c.mu.Unlock()
			c.logger.Warn("bridge ws redial failed", zap.Error(err))
			continue
		}
		c.wsConn = conn
		symbols := make([]string, len(c.subscribed))
		copy(symbols, c.subscribed)
		c.mu.Unlock()

		args := make([]string, 0, len(symbols))
		for _, s := range symbols {
			args = append(args, "ticks."+s)
		}
		if len(args) > 0 {
			if err := conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": args}); err != nil {
				c.logger.Warn("bridge ws resubscribe failed", zap.Error(err))
			}
		}

		go c.readLoop(conn)
		c.logger.Info("bridge ws reconnected", zap.Strings("symbols", symbols))
		return
	}
}
