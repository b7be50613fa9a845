package usecase

import (
	"testing"
	"time"

	"github.com/vitos/keylevel_breakout/internal/config"
	"github.com/vitos/keylevel_breakout/internal/domain"
	"go.uber.org/zap"
)

func testRetestConfig() config.RetestConfig {
	return config.RetestConfig{
		Enabled:        true,
		MaxBars:        5,
		MaxWaitMinutes: 60,
		ZoneATRMult:    0.5,
		ZonePips:       10,
	}
}

func testBreakoutDecision() BreakoutDecision {
	return BreakoutDecision{
		Signal: BreakoutBullish,
		Level:  lvl(100.0, true, 0.75),
		Close:  100.9,
		ATR:    0.8,
	}
}

func newTestMachine(cfg config.RetestConfig) *RetestStateMachine {
	return NewRetestStateMachine(cfg, 1.0, 0.0001, zap.NewNop())
}

func TestRetestDisabledConfirmsImmediately(t *testing.T) {
	cfg := testRetestConfig()
	cfg.Enabled = false
	m := newTestMachine(cfg)

	res := m.OnBreakout(testBreakoutDecision(), 10)
	if !res.Confirmed {
		t.Fatal("breakout not confirmed with retest waiting disabled")
	}
	if m.AwaitingRetest() {
		t.Error("machine armed despite being disabled")
	}
}

func TestRetestConfirmsInZone(t *testing.T) {
	m := newTestMachine(testRetestConfig())

	if res := m.OnBreakout(testBreakoutDecision(), 10); res.Confirmed {
		t.Fatal("breakout confirmed before the retest")
	}
	if !m.AwaitingRetest() {
		t.Fatal("machine did not arm")
	}

	// Price still far from the level: zone is 0.8*0.5 = 0.4.
	if res := m.Evaluate(100.9, 0.8, nil, false); res.Confirmed {
		t.Error("confirmed outside the retest zone")
	}

	m.OnNewBar()
	res := m.Evaluate(100.2, 0.8, nil, false)
	if !res.Confirmed {
		t.Fatal("not confirmed inside the retest zone")
	}
	if res.Decision.Level.Price != 100.0 {
		t.Errorf("confirmed level at %.1f, want 100.0", res.Decision.Level.Price)
	}
	if m.AwaitingRetest() {
		t.Error("machine still armed after confirmation")
	}
}

func TestRetestTimesOutOnBars(t *testing.T) {
	m := newTestMachine(testRetestConfig())
	m.OnBreakout(testBreakoutDecision(), 10)

	for i := 0; i < 6; i++ { // one past MaxBars
		m.OnNewBar()
	}
	if res := m.Evaluate(100.2, 0.8, nil, false); res.Confirmed {
		t.Error("confirmed after the bar budget expired")
	}
	if m.AwaitingRetest() {
		t.Error("machine still armed after timeout")
	}
}

func TestRetestTimesOutOnWallClock(t *testing.T) {
	m := newTestMachine(testRetestConfig())
	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.OnBreakout(testBreakoutDecision(), 10)
	now = now.Add(61 * time.Minute)

	if res := m.Evaluate(100.2, 0.8, nil, false); res.Confirmed {
		t.Error("confirmed after the wall-clock deadline")
	}
	if m.AwaitingRetest() {
		t.Error("machine still armed after wall-clock timeout")
	}
}

func TestRetestAbandonedOnOpenPosition(t *testing.T) {
	m := newTestMachine(testRetestConfig())
	m.OnBreakout(testBreakoutDecision(), 10)

	if res := m.Evaluate(100.2, 0.8, nil, true); res.Confirmed {
		t.Error("confirmed while a position was open")
	}
	if m.AwaitingRetest() {
		t.Error("machine still armed after abandoning")
	}
}

func TestRetestCandleConfirmation(t *testing.T) {
	cfg := testRetestConfig()
	cfg.CandleConfirmation = true
	m := newTestMachine(cfg)
	m.OnBreakout(testBreakoutDecision(), 10)

	// No confirmation bars yet.
	if res := m.Evaluate(100.2, 0.8, nil, false); res.Confirmed {
		t.Error("confirmed without confirmation bars")
	}

	// Bearish bar followed by a bullish bar that does not engulf it.
	weak := []domain.Bar{
		{Open: 100.4, Close: 100.1},
		{Open: 100.2, Close: 100.3},
	}
	if res := m.Evaluate(100.2, 0.8, weak, false); res.Confirmed {
		t.Error("confirmed on a non-engulfing candle")
	}

	// Bullish engulfing toward the breakout direction.
	engulf := []domain.Bar{
		{Open: 100.4, Close: 100.1},
		{Open: 100.05, Close: 100.5},
	}
	if res := m.Evaluate(100.2, 0.8, engulf, false); !res.Confirmed {
		t.Error("engulfing reversal did not confirm the retest")
	}
}

func TestRetestZoneFallsBackToPips(t *testing.T) {
	m := newTestMachine(testRetestConfig())
	m.OnBreakout(testBreakoutDecision(), 10)

	// ATR unusable; the zone is 10 pips * 0.0001 = 0.001.
	if res := m.Evaluate(100.0005, 0, nil, false); !res.Confirmed {
		t.Error("pip fallback zone did not confirm")
	}
}

func TestLockoutClearsWithDistance(t *testing.T) {
	m := newTestMachine(testRetestConfig())
	m.NoteTradePlaced(100.0)

	// Clearing distance is one ATR.
	if !m.LockoutActive(100.3, 0.8) {
		t.Error("lockout inactive right after a trade")
	}
	if m.LockoutActive(101.0, 0.8) {
		t.Error("lockout still active one ATR away")
	}
	// Once cleared it stays cleared, even back at the level.
	if m.LockoutActive(100.0, 0.8) {
		t.Error("lockout re-armed without a new trade")
	}
}

func TestNoteTradePlacedResetsMachine(t *testing.T) {
	m := newTestMachine(testRetestConfig())
	m.OnBreakout(testBreakoutDecision(), 10)
	m.NoteTradePlaced(100.0)

	if m.AwaitingRetest() {
		t.Error("machine still armed after a trade")
	}
	if m.BarsWaiting() != 0 {
		t.Error("bar counter not reset")
	}
}
