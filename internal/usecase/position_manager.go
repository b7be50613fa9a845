package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vitos/keylevel_breakout/internal/config"
	"github.com/vitos/keylevel_breakout/internal/domain"
	"go.uber.org/zap"
)

// PositionManager tracks open positions and progresses each through the
// breakeven, trailing-stop and partial-close rules on every tick.
// Every mutation is rate-limited per rule, validated against broker
// constraints before it is sent, and guarded by per-position flags so
// that re-running a cycle on the same event is harmless. The tracked
// map is mutex-guarded because the status server reads it while the
// tick callback manages positions.
type PositionManager struct {
	cfg     config.PositionConfig
	gateway domain.ExecutionGateway
	repo    domain.AuditRepository
	logger  *zap.Logger

	mu      sync.Mutex
	tracked map[string]*domain.PositionInfo // ticket -> state
	now     func() time.Time
}

func NewPositionManager(cfg config.PositionConfig, gateway domain.ExecutionGateway, repo domain.AuditRepository, logger *zap.Logger) *PositionManager {
	return &PositionManager{
		cfg:     cfg,
		gateway: gateway,
		repo:    repo,
		logger:  logger,
		tracked: make(map[string]*domain.PositionInfo),
		now:     time.Now,
	}
}

// OpenCount returns the number of currently tracked positions.
func (pm *PositionManager) OpenCount() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.tracked)
}

// Tracked returns a snapshot of the tracked positions.
func (pm *PositionManager) Tracked() []*domain.PositionInfo {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]*domain.PositionInfo, 0, len(pm.tracked))
	for _, p := range pm.tracked {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// ManageAll synchronizes tracked state with the broker and runs the
// lifecycle rules for every open position. atr is the current reading;
// positions opened before this cycle keep the ATR snapshot taken when
// they were first observed.
func (pm *PositionManager) ManageAll(ctx context.Context, symbol string, quote *domain.Quote, atr float64) error {
	positions, err := pm.gateway.ListOpenPositions(ctx, symbol)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}

	spec, err := pm.gateway.GetSymbolSpec(ctx, symbol)
	if err != nil {
		return fmt.Errorf("symbol spec: %w", err)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.sync(ctx, positions, atr)

	for _, pos := range pm.tracked {
		pm.updatePrice(pos, quote)
		pm.manage(ctx, pos, spec)
	}
	return nil
}

// sync reconciles the tracked map against the broker's list: new
// positions are adopted with an ATR snapshot, vanished ones are closed
// out to history. External closes must be detected here every cycle,
// never assumed.
func (pm *PositionManager) sync(ctx context.Context, positions []*domain.PositionInfo, atr float64) {
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		seen[p.Ticket] = true
		cur, ok := pm.tracked[p.Ticket]
		if !ok {
			adopted := *p
			adopted.ATRAtOpen = atr
			pm.tracked[p.Ticket] = &adopted
			pm.logger.Info("tracking new position",
				zap.String("ticket", p.Ticket),
				zap.String("side", string(p.Side)),
				zap.Float64("entry", p.EntryPrice),
				zap.Float64("atr_at_open", atr))
			continue
		}
		// Broker-side fields refresh each cycle; lifecycle flags stay.
		cur.Volume = p.Volume
		cur.StopLoss = p.StopLoss
		cur.TakeProfit = p.TakeProfit
		cur.CurrentPrice = p.CurrentPrice
	}

	for ticket, pos := range pm.tracked {
		if seen[ticket] {
			continue
		}
		delete(pm.tracked, ticket)
		pm.logger.Info("position closed",
			zap.String("ticket", ticket),
			zap.Float64("exit", pos.CurrentPrice))
		hist := &domain.PositionHistory{
			Ticket:      ticket,
			Symbol:      pos.Symbol,
			Side:        pos.Side,
			Volume:      pos.Volume,
			EntryPrice:  pos.EntryPrice,
			ExitPrice:   pos.CurrentPrice,
			RealizedPnL: realizedPnL(pos),
			Reason:      "broker close",
			ClosedAt:    pm.now(),
		}
		if err := pm.repo.SavePositionHistory(ctx, hist); err != nil {
			pm.logger.Error("failed to save position history", zap.Error(err))
		}
	}
}

func realizedPnL(pos *domain.PositionInfo) float64 {
	if pos.Side == domain.SideLong {
		return (pos.CurrentPrice - pos.EntryPrice) * pos.Volume
	}
	return (pos.EntryPrice - pos.CurrentPrice) * pos.Volume
}

// updatePrice marks the position at the price its exit would fill at.
func (pm *PositionManager) updatePrice(pos *domain.PositionInfo, quote *domain.Quote) {
	if quote == nil {
		return
	}
	if pos.Side == domain.SideLong {
		pos.CurrentPrice = quote.Bid
	} else {
		pos.CurrentPrice = quote.Ask
	}
}

func (pm *PositionManager) manage(ctx context.Context, pos *domain.PositionInfo, spec *domain.SymbolSpec) {
	if pm.cfg.BreakevenEnabled && !pos.BreakevenSet {
		pm.tryBreakeven(ctx, pos, spec)
	}
	if pm.cfg.TrailingEnabled && pos.BreakevenSet {
		pm.tryTrailing(ctx, pos, spec)
	}
	if pm.cfg.PartialCloseEnabled && !pos.PartialClosed {
		pm.tryPartialClose(ctx, pos, spec)
	}
}

// tryBreakeven moves the stop to entry plus a small buffer once the
// position has run an ATR-scaled distance in profit. Persistent
// invalid-stop rejections eventually mark the position breakeven-set
// anyway so the rule stops hammering the broker.
func (pm *PositionManager) tryBreakeven(ctx context.Context, pos *domain.PositionInfo, spec *domain.SymbolSpec) {
	if pos.ATRAtOpen <= 0 {
		return
	}
	if pos.UnrealizedMove() < pos.ATRAtOpen*pm.cfg.BreakevenTriggerATR {
		return
	}
	if !pm.allowAttempt(pos.LastBreakevenAttempt) {
		return
	}
	pos.LastBreakevenAttempt = pm.now()

	buffer := pm.cfg.BreakevenBufferPoints * spec.Point
	var newSL float64
	if pos.Side == domain.SideLong {
		newSL = pos.EntryPrice + buffer
	} else {
		newSL = pos.EntryPrice - buffer
	}

	if !validStop(pos, newSL, spec) {
		pm.noteInvalidStop(pos, "breakeven stop fails validation")
		return
	}

	if err := pm.gateway.ModifyPosition(ctx, pos.Ticket, newSL, pos.TakeProfit); err != nil {
		pm.logger.Warn("breakeven modify rejected",
			zap.String("ticket", pos.Ticket),
			zap.Error(err))
		if domain.BrokerCode(err) == domain.BrokerCodeInvalidStops {
			pm.noteInvalidStop(pos, "broker rejected breakeven stop")
		}
		return
	}

	pos.StopLoss = newSL
	pos.BreakevenSet = true
	pos.InvalidStopCount = 0
	pm.logger.Info("breakeven set",
		zap.String("ticket", pos.Ticket),
		zap.Float64("stop_loss", newSL))
}

// noteInvalidStop counts consecutive invalid-stop outcomes and forces
// the breakeven flag after the retry budget so the rule cannot retry
// forever against a broker that will never accept the stop.
func (pm *PositionManager) noteInvalidStop(pos *domain.PositionInfo, why string) {
	pos.InvalidStopCount++
	if pos.InvalidStopCount >= pm.cfg.MaxInvalidStopRetries {
		pos.BreakevenSet = true
		pm.logger.Warn("forcing breakeven flag after repeated invalid stops",
			zap.String("ticket", pos.Ticket),
			zap.Int("attempts", pos.InvalidStopCount),
			zap.String("last_reason", why))
	}
}

// tryTrailing tightens the stop toward price by an ATR multiple. Only
// strict improvements of at least one point are sent to the broker.
func (pm *PositionManager) tryTrailing(ctx context.Context, pos *domain.PositionInfo, spec *domain.SymbolSpec) {
	if pos.ATRAtOpen <= 0 {
		return
	}
	if !pm.allowAttempt(pos.LastTrailAttempt) {
		return
	}

	trail := pos.ATRAtOpen * pm.cfg.TrailingATRMult
	var candidate float64
	if pos.Side == domain.SideLong {
		candidate = pos.CurrentPrice - trail
		if candidate < pos.StopLoss+spec.Point {
			return
		}
	} else {
		candidate = pos.CurrentPrice + trail
		if pos.StopLoss > 0 && candidate > pos.StopLoss-spec.Point {
			return
		}
	}

	if !validStop(pos, candidate, spec) {
		return
	}

	pos.LastTrailAttempt = pm.now()
	if err := pm.gateway.ModifyPosition(ctx, pos.Ticket, candidate, pos.TakeProfit); err != nil {
		pm.logger.Warn("trailing modify rejected",
			zap.String("ticket", pos.Ticket),
			zap.Error(err))
		return
	}

	pos.StopLoss = candidate
	pm.logger.Info("trailing stop advanced",
		zap.String("ticket", pos.Ticket),
		zap.Float64("stop_loss", candidate))
}

// tryPartialClose banks a configured share of the position once, after
// an ATR-scaled profit. The PartialClosed flag makes it idempotent.
func (pm *PositionManager) tryPartialClose(ctx context.Context, pos *domain.PositionInfo, spec *domain.SymbolSpec) {
	if pos.ATRAtOpen <= 0 {
		return
	}
	if pos.UnrealizedMove() < pos.ATRAtOpen*pm.cfg.PartialCloseTriggerATR {
		return
	}
	if !pm.allowAttempt(pos.LastPartialAttempt) {
		return
	}
	pos.LastPartialAttempt = pm.now()

	closeVol := pos.Volume * pm.cfg.PartialClosePercent / 100
	if spec.VolumeStep > 0 {
		closeVol = math.Floor(closeVol/spec.VolumeStep) * spec.VolumeStep
	}
	if closeVol < spec.VolumeMin || closeVol >= pos.Volume {
		// Position too small to split; closing a share is pointless.
		pos.PartialClosed = true
		return
	}

	if err := pm.gateway.ClosePosition(ctx, pos.Ticket, closeVol); err != nil {
		pm.logger.Warn("partial close rejected",
			zap.String("ticket", pos.Ticket),
			zap.Error(err))
		return
	}

	pos.Volume -= closeVol
	pos.PartialClosed = true
	pm.logger.Info("partial close executed",
		zap.String("ticket", pos.Ticket),
		zap.Float64("closed_volume", closeVol),
		zap.Float64("remaining", pos.Volume))
}

// allowAttempt is the per-rule rate limit: at most one broker mutation
// attempt per cooldown window.
func (pm *PositionManager) allowAttempt(last time.Time) bool {
	if last.IsZero() {
		return true
	}
	return pm.now().Sub(last) >= time.Duration(pm.cfg.ActionCooldownSeconds)*time.Second
}

// validStop checks the broker's direction and minimum-distance
// constraints before a stop is submitted.
func validStop(pos *domain.PositionInfo, stop float64, spec *domain.SymbolSpec) bool {
	minDist := spec.MinStopDistance()
	if pos.Side == domain.SideLong {
		return stop < pos.CurrentPrice-minDist
	}
	return stop > pos.CurrentPrice+minDist
}
