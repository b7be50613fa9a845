package usecase

import (
	"math"
	"time"

	"github.com/vitos/keylevel_breakout/internal/config"
	"github.com/vitos/keylevel_breakout/internal/domain"
	"go.uber.org/zap"
)

// RetestState enumerates the machine states. Confirmed and Abandoned
// are transient: the machine reports them and returns to Idle in the
// same evaluation.
type RetestState int

const (
	RetestIdle RetestState = iota
	RetestAwaiting
)

// RetestResult is the machine's answer for one evaluation cycle.
type RetestResult struct {
	Confirmed bool
	Decision  BreakoutDecision
}

// RetestStateMachine optionally defers trade entry until price returns
// to the breakout zone. One instance per traded instrument; it owns the
// breakout state, including the post-trade lockout zone.
type RetestStateMachine struct {
	cfg              config.RetestConfig
	lockoutClearMult float64
	pipSize          float64
	logger           *zap.Logger

	state           RetestState
	breakout        BreakoutDecision
	barsWaiting     int
	retestStartTime time.Time
	retestStartBar  int

	lockoutActive bool
	lockoutLevel  float64

	now func() time.Time
}

func NewRetestStateMachine(cfg config.RetestConfig, lockoutClearMult, pipSize float64, logger *zap.Logger) *RetestStateMachine {
	return &RetestStateMachine{
		cfg:              cfg,
		lockoutClearMult: lockoutClearMult,
		pipSize:          pipSize,
		logger:           logger,
		now:              time.Now,
	}
}

// State returns the current machine state.
func (m *RetestStateMachine) State() RetestState { return m.state }

// AwaitingRetest reports whether the machine is waiting on a retest.
func (m *RetestStateMachine) AwaitingRetest() bool { return m.state == RetestAwaiting }

// OnBreakout accepts a qualifying breakout. With retest waiting
// disabled the signal is confirmed immediately; otherwise the machine
// arms and waits for price to come back to the level.
func (m *RetestStateMachine) OnBreakout(dec BreakoutDecision, currentBar int) RetestResult {
	if dec.Signal == BreakoutNone {
		return RetestResult{}
	}
	if !m.cfg.Enabled {
		return RetestResult{Confirmed: true, Decision: dec}
	}

	m.state = RetestAwaiting
	m.breakout = dec
	m.barsWaiting = 0
	m.retestStartTime = m.now()
	m.retestStartBar = currentBar

	m.logger.Info("awaiting retest",
		zap.String("signal", dec.Signal.String()),
		zap.Float64("level", dec.Level.Price),
		zap.Int("max_bars", m.cfg.MaxBars))
	return RetestResult{}
}

// OnNewBar advances the bar counter while a retest is pending.
func (m *RetestStateMachine) OnNewBar() {
	if m.state == RetestAwaiting {
		m.barsWaiting++
	}
}

// Evaluate runs one cycle of the retest check. An open position for the
// instrument abandons the wait; exceeding the bar or time budget times
// it out; otherwise price must sit inside the retest zone and, when
// enabled, the confirmation bars must show an engulfing reversal toward
// the breakout direction.
func (m *RetestStateMachine) Evaluate(price, atr float64, confirmBars []domain.Bar, hasOpenPosition bool) RetestResult {
	if m.state != RetestAwaiting {
		return RetestResult{}
	}

	if hasOpenPosition {
		m.logger.Info("retest abandoned: position already open")
		m.reset()
		return RetestResult{}
	}

	if m.barsWaiting > m.cfg.MaxBars {
		m.logger.Info("retest timed out",
			zap.Int("bars_waiting", m.barsWaiting),
			zap.Int("max_bars", m.cfg.MaxBars))
		m.reset()
		return RetestResult{}
	}
	if m.cfg.MaxWaitMinutes > 0 {
		deadline := m.retestStartTime.Add(time.Duration(m.cfg.MaxWaitMinutes) * time.Minute)
		if m.now().After(deadline) {
			m.logger.Info("retest timed out by wall clock")
			m.reset()
			return RetestResult{}
		}
	}

	zone := m.retestZone(atr)
	if math.Abs(price-m.breakout.Level.Price) > zone {
		return RetestResult{}
	}

	if m.cfg.CandleConfirmation && !m.confirmedByCandle(confirmBars) {
		return RetestResult{}
	}

	dec := m.breakout
	m.logger.Info("retest confirmed",
		zap.String("signal", dec.Signal.String()),
		zap.Float64("level", dec.Level.Price),
		zap.Float64("price", price),
		zap.Int("bars_waited", m.barsWaiting))
	m.reset()
	return RetestResult{Confirmed: true, Decision: dec}
}

// retestZone prefers the ATR-scaled zone and falls back to a fixed pip
// distance when volatility data is unusable.
func (m *RetestStateMachine) retestZone(atr float64) float64 {
	if atr > 0 && m.cfg.ZoneATRMult > 0 {
		return atr * m.cfg.ZoneATRMult
	}
	return m.cfg.ZonePips * m.pipSize
}

// confirmedByCandle checks the last two closed confirmation bars for an
// engulfing reversal toward the breakout direction.
func (m *RetestStateMachine) confirmedByCandle(bars []domain.Bar) bool {
	if len(bars) < 2 {
		return false
	}
	prev, cur := bars[len(bars)-2], bars[len(bars)-1]

	if m.breakout.Signal == BreakoutBullish {
		return prev.Bearish() && cur.Bullish() &&
			cur.Open <= prev.Close && cur.Close >= prev.Open
	}
	return prev.Bullish() && cur.Bearish() &&
		cur.Open >= prev.Close && cur.Close <= prev.Open
}

// NoteTradePlaced resets the machine and arms the lockout zone around
// the traded level: no new breakout is accepted until price has moved
// the clearing distance away.
func (m *RetestStateMachine) NoteTradePlaced(levelPrice float64) {
	m.reset()
	m.lockoutActive = true
	m.lockoutLevel = levelPrice
}

// LockoutActive reports whether the post-trade lockout still holds at
// the given price, clearing it once price has moved far enough away.
func (m *RetestStateMachine) LockoutActive(price, atr float64) bool {
	if !m.lockoutActive {
		return false
	}
	clear := atr * m.lockoutClearMult
	if clear <= 0 {
		clear = m.cfg.ZonePips * m.pipSize
	}
	if math.Abs(price-m.lockoutLevel) >= clear {
		m.lockoutActive = false
		m.logger.Debug("lockout zone cleared", zap.Float64("level", m.lockoutLevel))
		return false
	}
	return true
}

// BarsWaiting returns the bars elapsed since the machine armed.
func (m *RetestStateMachine) BarsWaiting() int { return m.barsWaiting }

func (m *RetestStateMachine) reset() {
	m.state = RetestIdle
	m.breakout = BreakoutDecision{}
	m.barsWaiting = 0
	m.retestStartTime = time.Time{}
	m.retestStartBar = 0
}
