package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrIndicatorUnavailable is returned by the feed while an indicator
// subscription is still warming up. Callers retry a bounded number of
// times and then fall back to a manual computation.
var ErrIndicatorUnavailable = errors.New("indicator unavailable")

// Broker rejection codes surfaced by the execution gateway.
const (
	BrokerCodeInvalidStops       = "INVALID_STOPS"
	BrokerCodeInvalidVolume      = "INVALID_VOLUME"
	BrokerCodeInsufficientMargin = "INSUFFICIENT_MARGIN"
	BrokerCodeMarketClosed       = "MARKET_CLOSED"
)

// BrokerError is a broker-side rejection of an order or modification.
// It is never fatal; callers log it and abandon the mutation for the
// current cycle.
type BrokerError struct {
	Code string
	Msg  string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker rejection %s: %s", e.Code, e.Msg)
}

// BrokerCode extracts the rejection code from err, or "" if err is not
// a broker rejection.
func BrokerCode(err error) string {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// MarketDataFeed supplies bars, quotes and indicator values. Any call
// may fail transiently; callers must tolerate that without crashing.
type MarketDataFeed interface {
	// GetBars returns up to count bars ordered oldest first.
	GetBars(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error)
	// GetIndicatorValue returns a scalar indicator value, or
	// ErrIndicatorUnavailable while the subscription is not ready.
	GetIndicatorValue(ctx context.Context, symbol string, tf Timeframe, kind string, period int) (float64, error)
	GetCurrentQuote(ctx context.Context, symbol string) (*Quote, error)
}

// ExecutionGateway accepts position requests and reports account state.
// Rejections come back as *BrokerError.
type ExecutionGateway interface {
	OpenPosition(ctx context.Context, req *OrderRequest) (ticket string, err error)
	ModifyPosition(ctx context.Context, ticket string, stopLoss, takeProfit float64) error
	// ClosePosition closes volume lots, or the whole position when
	// volume is 0.
	ClosePosition(ctx context.Context, ticket string, volume float64) error
	ListOpenPositions(ctx context.Context, symbol string) ([]*PositionInfo, error)
	AccountEquity(ctx context.Context) (float64, error)
	GetSymbolSpec(ctx context.Context, symbol string) (*SymbolSpec, error)
}

// AuditRepository persists the engine's audit trail.
type AuditRepository interface {
	SaveOrder(ctx context.Context, rec *OrderRecord) error
	ListOrders(ctx context.Context, limit int) ([]*OrderRecord, error)

	SavePositionHistory(ctx context.Context, hist *PositionHistory) error
	ListPositionHistory(ctx context.Context, limit int) ([]*PositionHistory, error)

	SaveLevelSnapshots(ctx context.Context, snaps []*LevelSnapshot) error
	ListLevelSnapshots(ctx context.Context, symbol string, limit int) ([]*LevelSnapshot, error)

	SaveEquityMark(ctx context.Context, mark *EquityMark) error
	ListEquityMarks(ctx context.Context, limit int) ([]*EquityMark, error)
}
