package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionInfo tracks one open position. The core fields mirror what the
// execution gateway reports; the lifecycle fields are owned by the
// position manager and survive across cycles.
type PositionInfo struct {
	Ticket       string    `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Volume       float64   `json:"volume"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	OpenTime     time.Time `json:"open_time"`

	// Lifecycle state, mutated only by the position manager.
	BreakevenSet  bool    `json:"breakeven_set"`
	PartialClosed bool    `json:"partial_closed"`
	ATRAtOpen     float64 `json:"atr_at_open"`

	// Rate-limit and retry bookkeeping per management rule.
	LastBreakevenAttempt time.Time `json:"-"`
	LastTrailAttempt     time.Time `json:"-"`
	LastPartialAttempt   time.Time `json:"-"`
	InvalidStopCount     int       `json:"-"`
}

// UnrealizedMove returns the favorable price move in price units
// (positive when the position is in profit).
func (p *PositionInfo) UnrealizedMove() float64 {
	if p.Side == SideLong {
		return p.CurrentPrice - p.EntryPrice
	}
	return p.EntryPrice - p.CurrentPrice
}

// OrderRequest is a fully sized entry order handed to the gateway.
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Volume     float64 `json:"volume"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Comment    string  `json:"comment"`
}

// SizedOrder is the output of the risk engine: an approved signal with
// size and protective prices attached.
type SizedOrder struct {
	Symbol     string
	Side       Side
	Volume     float64
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	LevelPrice float64
	ATR        float64
}

// SymbolSpec carries the broker-side constraints of one instrument.
type SymbolSpec struct {
	Symbol        string  `json:"symbol"`
	Point         float64 `json:"point"`      // minimum price increment
	TickValue     float64 `json:"tick_value"` // account-currency value of one point per lot
	VolumeMin     float64 `json:"volume_min"`
	VolumeMax     float64 `json:"volume_max"`
	VolumeStep    float64 `json:"volume_step"`
	StopLevelPts  float64 `json:"stop_level_points"` // minimum stop distance in points
}

// MinStopDistance returns the broker minimum stop distance in price units.
func (s *SymbolSpec) MinStopDistance() float64 {
	return s.StopLevelPts * s.Point
}

// OrderRecord is the audit row persisted for every placed order.
type OrderRecord struct {
	ID         string
	Ticket     string
	Symbol     string
	Side       Side
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	LevelPrice float64
	CreatedAt  time.Time
}

// PositionHistory is the audit row persisted when a position closes.
type PositionHistory struct {
	ID          int64
	Ticket      string
	Symbol      string
	Side        Side
	Volume      float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	Reason      string
	ClosedAt    time.Time
}

// EquityMark is a sampled point of the account equity curve.
type EquityMark struct {
	Time            time.Time `json:"time"`
	Equity          float64   `json:"equity"`
	Peak            float64   `json:"peak"`
	DrawdownPct     float64   `json:"drawdown_pct"`
	TradingDisabled bool      `json:"trading_disabled"`
}

// LevelSnapshot is a persisted record of one detected level.
type LevelSnapshot struct {
	ID           string
	Symbol       string
	Timeframe    Timeframe
	Price        float64
	IsResistance bool
	Strength     float64
	TouchCount   int
	TakenAt      time.Time
}
