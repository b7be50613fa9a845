package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vitos/keylevel_breakout/internal/domain"
	"go.uber.org/zap"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient("key", "secret", srv.URL, "ws://unused", zap.NewNop())
	return c, srv
}

func writeData(w http.ResponseWriter, data interface{}) {
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":   true,
		"data": json.RawMessage(raw),
	})
}

func TestGetBarsReversesToOldestFirst(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/bars" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-BRIDGE-KEY") != "key" || r.Header.Get("X-BRIDGE-SIGN") == "" {
			t.Error("auth headers missing")
		}
		// Newest first, as the terminal delivers them.
		writeData(w, map[string]interface{}{
			"bars": []map[string]interface{}{
				{"time": int64(3600000), "open": 1.2, "high": 1.3, "low": 1.1, "close": 1.25, "volume": 200},
				{"time": int64(0), "open": 1.0, "high": 1.1, "low": 0.9, "close": 1.05, "volume": 100},
			},
		})
	}))
	defer srv.Close()

	bars, err := c.GetBars(context.Background(), "EURUSD", domain.TimeframeH1, 2)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(bars))
	}
	if !bars[1].Time.After(bars[0].Time) {
		t.Error("bars not reordered oldest first")
	}
	if bars[0].Close != 1.05 || bars[1].Close != 1.25 {
		t.Errorf("bar order wrong: %.2f, %.2f", bars[0].Close, bars[1].Close)
	}
}

func TestGetIndicatorValueNotReady(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]interface{}{"ready": false, "value": 0})
	}))
	defer srv.Close()

	_, err := c.GetIndicatorValue(context.Background(), "EURUSD", domain.TimeframeH1, "ATR", 14)
	if err != domain.ErrIndicatorUnavailable {
		t.Errorf("err = %v, want ErrIndicatorUnavailable", err)
	}
}

func TestGetCurrentQuote(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]float64{"bid": 1.10448, "ask": 1.10452})
	}))
	defer srv.Close()

	q, err := c.GetCurrentQuote(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("GetCurrentQuote: %v", err)
	}
	if q.Bid != 1.10448 || q.Ask != 1.10452 {
		t.Errorf("quote = %+v", q)
	}
}

func TestOpenPositionMapsBrokerError(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":         false,
			"error_code": domain.BrokerCodeInvalidStops,
			"error":      "stop too close to market",
		})
	}))
	defer srv.Close()

	_, err := c.OpenPosition(context.Background(), &domain.OrderRequest{
		Symbol: "EURUSD", Side: domain.SideLong, Volume: 1,
	})
	if err == nil {
		t.Fatal("expected a broker rejection")
	}
	if domain.BrokerCode(err) != domain.BrokerCodeInvalidStops {
		t.Errorf("broker code = %q, want INVALID_STOPS", domain.BrokerCode(err))
	}
}

func TestOpenPositionReturnsTicket(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req domain.OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Side != domain.SideLong || req.Volume != 0.5 {
			t.Errorf("unexpected request: %+v", req)
		}
		writeData(w, map[string]string{"ticket": "T-42"})
	}))
	defer srv.Close()

	ticket, err := c.OpenPosition(context.Background(), &domain.OrderRequest{
		Symbol: "EURUSD", Side: domain.SideLong, Volume: 0.5,
	})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if ticket != "T-42" {
		t.Errorf("ticket = %q, want T-42", ticket)
	}
}

func TestListOpenPositions(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]interface{}{
			"positions": []map[string]interface{}{
				{"ticket": "T-1", "symbol": "EURUSD", "side": "LONG", "volume": 1.0, "entry_price": 1.1, "open_time": int64(1700000000000)},
			},
		})
	}))
	defer srv.Close()

	positions, err := c.ListOpenPositions(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("ListOpenPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	p := positions[0]
	if p.Ticket != "T-1" || p.Side != domain.SideLong || p.EntryPrice != 1.1 {
		t.Errorf("unexpected position: %+v", p)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := c.AccountEquity(context.Background()); err == nil {
		t.Error("expected an error on a 500 response")
	}
}
