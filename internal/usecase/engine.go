package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/keylevel_breakout/internal/config"
	"github.com/vitos/keylevel_breakout/internal/domain"
	"go.uber.org/zap"
)

// SessionStats are the end-of-run counters surfaced in the summary
// report.
type SessionStats struct {
	BarsSeen          int       `json:"bars_seen"`
	LevelsDetected    int       `json:"levels_detected"`
	Breakouts         int       `json:"breakouts"`
	RetestsConfirmed  int       `json:"retests_confirmed"`
	TradesPlaced      int       `json:"trades_placed"`
	SignalsRejected   int       `json:"signals_rejected"`
	MaxDrawdownPct    float64   `json:"max_drawdown_pct"`
	LastEquity        float64   `json:"last_equity"`
	StartedAt         time.Time `json:"started_at"`
}

// Engine is the per-instrument session context: it owns the level
// store, the breakout/retest state and the position tracking, and runs
// the detection → classification → retest → sizing → execution pipeline
// on each market event. OnTick and OnTimer arrive on different
// goroutines (websocket reader and timer); the engine mutex keeps one
// logical callback active at a time.
type Engine struct {
	cfg     *config.Config
	feed    domain.MarketDataFeed
	gateway domain.ExecutionGateway
	repo    domain.AuditRepository
	logger  *zap.Logger

	vol        *VolatilityService
	store      *LevelStore
	detector   *LevelDetector
	classifier *BreakoutClassifier
	retest     *RetestStateMachine
	risk       *RiskEngine
	positions  *PositionManager

	symbol string
	tf     domain.Timeframe

	mu          sync.Mutex
	lastBarTime time.Time
	barIndex    int
	stats       SessionStats
}

func NewEngine(cfg *config.Config, feed domain.MarketDataFeed, gateway domain.ExecutionGateway, repo domain.AuditRepository, logger *zap.Logger) *Engine {
	detector := NewLevelDetector(cfg.Detector, cfg.TF(), cfg.InstrumentClass, logger)
	guard := NewDrawdownGuard(cfg.Risk.MaxDrawdownPct, cfg.Risk.RecoveryPct, logger)

	// Pip size approximation: five-digit forex quotes use 10 points per
	// pip; everything else treats one point as one pip.
	pipSize := 0.0001
	if cfg.InstrumentClass != "forex" {
		pipSize = 0.01
	}

	return &Engine{
		cfg:        cfg,
		feed:       feed,
		gateway:    gateway,
		repo:       repo,
		logger:     logger,
		vol:        NewVolatilityService(feed, cfg.Feed, logger),
		store:      NewLevelStore(cfg.Detector.MaxLevelsPerSide, detector.MinDistancePct(), detector.MinStrength()),
		detector:   detector,
		classifier: NewBreakoutClassifier(cfg.Breakout, logger),
		retest:     NewRetestStateMachine(cfg.Retest, cfg.Breakout.LockoutClearMult, pipSize, logger),
		risk:       NewRiskEngine(cfg.Risk, gateway, guard, logger),
		positions:  NewPositionManager(cfg.Position, gateway, repo, logger),
		symbol:     cfg.Symbol,
		tf:         cfg.TF(),
		stats:      SessionStats{StartedAt: time.Now()},
	}
}

// Store exposes the level store for the status server and analyzer.
func (e *Engine) Store() *LevelStore { return e.store }

// Positions exposes the position manager for the status server.
func (e *Engine) Positions() *PositionManager { return e.positions }

// Stats returns a copy of the session counters.
func (e *Engine) Stats() SessionStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// OnTick is the per-price-update callback. Transient feed failures skip
// the cycle; nothing here may crash the process or leave level or
// position state half-updated.
func (e *Engine) OnTick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	quote, err := e.feed.GetCurrentQuote(ctx, e.symbol)
	if err != nil {
		e.logger.Warn("quote unavailable, skipping cycle", zap.Error(err))
		return
	}

	atr, err := e.vol.ATR(ctx, e.symbol, e.tf)
	if err != nil {
		e.logger.Warn("ATR unavailable, skipping cycle", zap.Error(err))
		return
	}

	bars, err := e.feed.GetBars(ctx, e.symbol, e.tf, e.cfg.Detector.LookbackBars)
	if err != nil {
		e.logger.Warn("bars unavailable, skipping cycle", zap.Error(err))
		return
	}
	if len(bars) == 0 {
		return
	}

	hasOpen := e.openPositionExists(ctx)

	if bars[len(bars)-1].Time.After(e.lastBarTime) {
		e.lastBarTime = bars[len(bars)-1].Time
		e.barIndex++
		e.stats.BarsSeen++
		e.retest.OnNewBar()
		e.onNewBar(ctx, bars, quote, atr, hasOpen)
	}

	if e.retest.AwaitingRetest() {
		confirmBars := e.confirmationBars(ctx)
		if res := e.retest.Evaluate(quote.Mid(), atr, confirmBars, hasOpen); res.Confirmed {
			e.stats.RetestsConfirmed++
			e.placeTrade(ctx, res.Decision, quote, atr)
		}
	}

	if err := e.positions.ManageAll(ctx, e.symbol, quote, atr); err != nil {
		e.logger.Warn("position management cycle failed", zap.Error(err))
	}
}

// onNewBar refreshes the level store and checks the fresh close for a
// breakout of the strongest level.
func (e *Engine) onNewBar(ctx context.Context, bars []domain.Bar, quote *domain.Quote, atr float64, hasOpen bool) {
	candidates := e.detector.Scan(bars)
	prev := e.store.All()
	e.store.Replace(candidates)
	e.stats.LevelsDetected += countNewLevels(prev, e.store.All(), e.detector.MinDistancePct())
	e.snapshotLevels(ctx)

	strongest := e.store.Strongest()
	if strongest == nil {
		return
	}

	suppressed := hasOpen || e.retest.LockoutActive(quote.Mid(), atr)
	dec := e.classifier.Classify(strongest, bars, atr, suppressed)
	if dec.Signal == BreakoutNone {
		return
	}
	e.stats.Breakouts++

	if res := e.retest.OnBreakout(dec, e.barIndex); res.Confirmed {
		e.placeTrade(ctx, res.Decision, quote, atr)
	}
}

// placeTrade runs the risk engine over a confirmed signal and submits
// the resulting order.
func (e *Engine) placeTrade(ctx context.Context, dec BreakoutDecision, quote *domain.Quote, atr float64) {
	side := dec.Side()
	entry := quote.Ask
	if side == domain.SideShort {
		entry = quote.Bid
	}

	pivots := e.dailyPivots(ctx)

	order, err := e.risk.Evaluate(ctx, e.symbol, side, dec.Level.Price, entry, atr, pivots)
	if err != nil {
		if IsRejection(err) {
			e.stats.SignalsRejected++
			e.logger.Info("signal discarded", zap.Error(err))
		} else {
			e.logger.Error("risk evaluation failed", zap.Error(err))
		}
		return
	}

	ticket, err := e.gateway.OpenPosition(ctx, &domain.OrderRequest{
		Symbol:     order.Symbol,
		Side:       order.Side,
		Volume:     order.Volume,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
		Comment:    "keylevel breakout",
	})
	if err != nil {
		e.logger.Error("order rejected by gateway", zap.Error(err))
		return
	}

	e.stats.TradesPlaced++
	e.risk.NoteTradePlaced()
	e.retest.NoteTradePlaced(dec.Level.Price)

	e.logger.Info("position opened",
		zap.String("ticket", ticket),
		zap.String("side", string(order.Side)),
		zap.Float64("volume", order.Volume),
		zap.Float64("entry", order.Entry),
		zap.Float64("stop_loss", order.StopLoss),
		zap.Float64("take_profit", order.TakeProfit))

	rec := &domain.OrderRecord{
		ID:         uuid.NewString(),
		Ticket:     ticket,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Volume:     order.Volume,
		Price:      order.Entry,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
		LevelPrice: order.LevelPrice,
		CreatedAt:  time.Now(),
	}
	if err := e.repo.SaveOrder(ctx, rec); err != nil {
		e.logger.Error("failed to persist order record", zap.Error(err))
	}
}

// OnTimer is the fixed-interval callback: it feeds the drawdown guard
// and samples the equity curve.
func (e *Engine) OnTimer(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	equity, err := e.gateway.AccountEquity(ctx)
	if err != nil {
		e.logger.Warn("equity unavailable", zap.Error(err))
		return
	}

	guard := e.risk.Guard()
	disabled := guard.Observe(equity)
	dd := guard.DrawdownPct(equity)
	if dd > e.stats.MaxDrawdownPct {
		e.stats.MaxDrawdownPct = dd
	}
	e.stats.LastEquity = equity

	mark := &domain.EquityMark{
		Time:            time.Now(),
		Equity:          equity,
		Peak:            guard.Peak(),
		DrawdownPct:     dd,
		TradingDisabled: disabled,
	}
	if err := e.repo.SaveEquityMark(ctx, mark); err != nil {
		e.logger.Warn("failed to persist equity mark", zap.Error(err))
	}
}

// Summary logs the end-of-run report.
func (e *Engine) Summary() {
	s := e.Stats()
	e.logger.Info("session summary",
		zap.Int("bars_seen", s.BarsSeen),
		zap.Int("levels_detected", s.LevelsDetected),
		zap.Int("breakouts", s.Breakouts),
		zap.Int("retests_confirmed", s.RetestsConfirmed),
		zap.Int("trades_placed", s.TradesPlaced),
		zap.Int("signals_rejected", s.SignalsRejected),
		zap.Float64("max_drawdown_pct", s.MaxDrawdownPct),
		zap.Duration("uptime", time.Since(s.StartedAt)))
}

func (e *Engine) openPositionExists(ctx context.Context) bool {
	positions, err := e.gateway.ListOpenPositions(ctx, e.symbol)
	if err != nil {
		// Assume a position exists rather than risk doubling up while
		// the gateway is unreachable.
		e.logger.Warn("cannot list positions, suppressing signals", zap.Error(err))
		return true
	}
	return len(positions) > 0
}

func (e *Engine) confirmationBars(ctx context.Context) []domain.Bar {
	if !e.cfg.Retest.CandleConfirmation {
		return nil
	}
	bars, err := e.feed.GetBars(ctx, e.symbol, e.cfg.ConfirmationTF(), 3)
	if err != nil {
		e.logger.Debug("confirmation bars unavailable", zap.Error(err))
		return nil
	}
	return bars
}

func (e *Engine) dailyPivots(ctx context.Context) *PivotLevels {
	if !e.cfg.Risk.UsePivots {
		return nil
	}
	daily, err := e.feed.GetBars(ctx, e.symbol, domain.TimeframeD1, 2)
	if err != nil || len(daily) == 0 {
		e.logger.Debug("daily bars unavailable, sizing without pivots", zap.Error(err))
		return nil
	}
	prev := daily[0]
	if len(daily) > 1 {
		prev = daily[len(daily)-2]
	}
	p := CalcDailyPivots(prev)
	return &p
}

// countNewLevels reports how many retained levels have no same-type
// counterpart within the minimum distance in the previous set. A level
// whose price drifts slightly between rescans is the same level, not a
// new detection.
func countNewLevels(prev, current []*domain.KeyLevel, minDistPct float64) int {
	fresh := 0
	for _, l := range current {
		known := false
		for _, p := range prev {
			if p.IsResistance == l.IsResistance && withinDistance(p.Price, l.Price, minDistPct) {
				known = true
				break
			}
		}
		if !known {
			fresh++
		}
	}
	return fresh
}

// snapshotLevels persists the current level set for the analyzer and
// status endpoints.
func (e *Engine) snapshotLevels(ctx context.Context) {
	levels := e.store.All()
	if len(levels) == 0 {
		return
	}
	snaps := make([]*domain.LevelSnapshot, 0, len(levels))
	now := time.Now()
	for _, l := range levels {
		snaps = append(snaps, &domain.LevelSnapshot{
			ID:           uuid.NewString(),
			Symbol:       e.symbol,
			Timeframe:    l.Timeframe,
			Price:        l.Price,
			IsResistance: l.IsResistance,
			Strength:     l.Strength,
			TouchCount:   l.TouchCount,
			TakenAt:      now,
		})
	}
	if err := e.repo.SaveLevelSnapshots(ctx, snaps); err != nil {
		e.logger.Warn("failed to persist level snapshots", zap.Error(err))
	}
}
