package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vitos/keylevel_breakout/internal/config"
	"github.com/vitos/keylevel_breakout/internal/domain"
	"go.uber.org/zap"
)

// RejectionError explains why the risk engine discarded a signal. It is
// not a failure: the signal simply produces no side effect.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return "signal rejected: " + e.Reason }

func reject(format string, args ...interface{}) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a signal rejection.
func IsRejection(err error) bool {
	_, ok := err.(*RejectionError)
	return ok
}

// RiskEngine converts a confirmed signal into a sized order with stop
// and target prices, subject to account, session and drawdown limits.
type RiskEngine struct {
	cfg     config.RiskConfig
	gateway domain.ExecutionGateway
	guard   *DrawdownGuard
	logger  *zap.Logger

	lastTradeTime time.Time
	now           func() time.Time
}

func NewRiskEngine(cfg config.RiskConfig, gateway domain.ExecutionGateway, guard *DrawdownGuard, logger *zap.Logger) *RiskEngine {
	return &RiskEngine{
		cfg:     cfg,
		gateway: gateway,
		guard:   guard,
		logger:  logger,
		now:     time.Now,
	}
}

// Guard exposes the drawdown guard so the engine loop can feed it
// equity readings.
func (r *RiskEngine) Guard() *DrawdownGuard { return r.guard }

// NoteTradePlaced records the trade time for the cooldown check.
func (r *RiskEngine) NoteTradePlaced() { r.lastTradeTime = r.now() }

// Evaluate sizes a confirmed breakout signal. On rejection it returns a
// *RejectionError; any other error is a gateway failure for this cycle.
func (r *RiskEngine) Evaluate(ctx context.Context, symbol string, side domain.Side, levelPrice, entry, atr float64, pivots *PivotLevels) (*domain.SizedOrder, error) {
	if r.guard.TradingDisabled() {
		return nil, reject("trading disabled by drawdown guard")
	}
	if r.cfg.SessionFilter {
		h := r.now().UTC().Hour()
		if h < r.cfg.SessionStartHour || h >= r.cfg.SessionEndHour {
			return nil, reject("outside session hours (%02d:00-%02d:00)", r.cfg.SessionStartHour, r.cfg.SessionEndHour)
		}
	}
	if !r.lastTradeTime.IsZero() {
		elapsed := r.now().Sub(r.lastTradeTime)
		cooldown := time.Duration(r.cfg.CooldownSeconds) * time.Second
		if elapsed < cooldown {
			return nil, reject("cooldown active for another %s", (cooldown - elapsed).Round(time.Second))
		}
	}

	open, err := r.gateway.ListOpenPositions(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if len(open) >= r.cfg.MaxPositions {
		return nil, reject("max concurrent positions reached (%d)", r.cfg.MaxPositions)
	}

	if atr <= 0 {
		return nil, reject("no usable ATR")
	}

	stopDistance := r.stopDistance(entry, atr, side, pivots)
	if stopDistance <= 0 {
		return nil, reject("non-positive stop distance")
	}

	var stopLoss, takeProfit float64
	if side == domain.SideLong {
		stopLoss = entry - stopDistance
		takeProfit = r.takeProfit(entry, stopDistance, atr, side, pivots)
	} else {
		stopLoss = entry + stopDistance
		takeProfit = r.takeProfit(entry, stopDistance, atr, side, pivots)
	}

	volume, err := r.positionSize(ctx, symbol, stopDistance)
	if err != nil {
		return nil, err
	}

	order := &domain.SizedOrder{
		Symbol:     symbol,
		Side:       side,
		Volume:     volume,
		Entry:      entry,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		LevelPrice: levelPrice,
		ATR:        atr,
	}

	r.logger.Info("signal sized",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("volume", volume),
		zap.Float64("entry", entry),
		zap.Float64("stop_loss", stopLoss),
		zap.Float64("take_profit", takeProfit))
	return order, nil
}

// stopDistance starts from the ATR multiple and then widens for a
// high-volatility session or stretches to shelter behind the nearest
// daily pivot when that pivot sits close beyond the raw stop.
func (r *RiskEngine) stopDistance(entry, atr float64, side domain.Side, pivots *PivotLevels) float64 {
	dist := atr * r.cfg.SLATRMult

	if r.cfg.HighVolATRPct > 0 && entry > 0 && atr/entry >= r.cfg.HighVolATRPct {
		dist *= r.cfg.HighVolWidenMult
	}

	if r.cfg.UsePivots && pivots != nil {
		var pivotStop float64
		if side == domain.SideLong {
			if s := pivots.NearestSupportBelow(entry); s > 0 {
				pivotStop = entry - s
			}
		} else {
			if res := pivots.NearestResistanceAbove(entry); res > 0 {
				pivotStop = res - entry
			}
		}
		// Stretch to the pivot only when it is nearby; a distant pivot
		// would balloon the risk per trade.
		if pivotStop > dist && pivotStop <= dist*2 {
			dist = pivotStop
		}
	}
	return dist
}

// takeProfit targets the reward ratio on the stop distance, capped by
// the ATR target, and takes the more conservative of that and the
// nearest pivot in the trade direction when pivots are available.
func (r *RiskEngine) takeProfit(entry, stopDistance, atr float64, side domain.Side, pivots *PivotLevels) float64 {
	targetDist := stopDistance * r.cfg.RewardRatio
	if r.cfg.TPATRMult > 0 {
		atrDist := atr * r.cfg.TPATRMult
		if atrDist < targetDist {
			targetDist = atrDist
		}
	}

	var tp float64
	if side == domain.SideLong {
		tp = entry + targetDist
		if r.cfg.UsePivots && pivots != nil {
			if res := pivots.NearestResistanceAbove(entry); res > 0 && res < tp {
				tp = res
			}
		}
	} else {
		tp = entry - targetDist
		if r.cfg.UsePivots && pivots != nil {
			if s := pivots.NearestSupportBelow(entry); s > 0 && s > tp {
				tp = s
			}
		}
	}
	return tp
}

// positionSize converts the account risk amount into lots, rounded down
// to the broker's volume step and clamped to its min/max.
func (r *RiskEngine) positionSize(ctx context.Context, symbol string, stopDistance float64) (float64, error) {
	spec, err := r.gateway.GetSymbolSpec(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("symbol spec: %w", err)
	}
	if spec.TickValue <= 0 || spec.Point <= 0 {
		return 0, reject("broker tick value unavailable")
	}

	equity, err := r.gateway.AccountEquity(ctx)
	if err != nil {
		return 0, fmt.Errorf("account equity: %w", err)
	}

	riskAmount := equity * r.cfg.RiskPercent / 100
	lossPerLot := stopDistance / spec.Point * spec.TickValue
	if lossPerLot <= 0 {
		return 0, reject("non-positive loss per lot")
	}

	volume := riskAmount / lossPerLot
	if spec.VolumeStep > 0 {
		volume = math.Floor(volume/spec.VolumeStep) * spec.VolumeStep
	}
	if volume < spec.VolumeMin {
		return 0, reject("size %.4f rounds below broker minimum %.4f", volume, spec.VolumeMin)
	}
	if spec.VolumeMax > 0 && volume > spec.VolumeMax {
		volume = spec.VolumeMax
	}
	return volume, nil
}
