package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/vitos/keylevel_breakout/internal/config"
	"github.com/vitos/keylevel_breakout/internal/domain"
	"go.uber.org/zap"
)

func testPositionConfig() config.PositionConfig {
	return config.PositionConfig{
		BreakevenEnabled:       true,
		BreakevenTriggerATR:    1.0,
		BreakevenBufferPoints:  10,
		TrailingEnabled:        false,
		TrailingATRMult:        1.2,
		PartialCloseEnabled:    false,
		PartialCloseTriggerATR: 1.5,
		PartialClosePercent:    50,
		ActionCooldownSeconds:  15,
		MaxInvalidStopRetries:  3,
	}
}

func openLong(ticket string, entry, volume float64) *domain.PositionInfo {
	return &domain.PositionInfo{
		Ticket:     ticket,
		Symbol:     "EURUSD",
		Side:       domain.SideLong,
		Volume:     volume,
		EntryPrice: entry,
		OpenTime:   time.Now(),
	}
}

func newTestPM(cfg config.PositionConfig, gw *MockGateway) (*PositionManager, *MockRepo) {
	repo := &MockRepo{}
	return NewPositionManager(cfg, gw, repo, zap.NewNop()), repo
}

func TestBreakevenMovesStopOnce(t *testing.T) {
	gw := testGateway()
	gw.Positions = []*domain.PositionInfo{openLong("T-1", 1.1000, 1.0)}
	pm, _ := newTestPM(testPositionConfig(), gw)

	atr := 0.0012
	quote := &domain.Quote{Bid: 1.1030, Ask: 1.1032}

	if err := pm.ManageAll(context.Background(), "EURUSD", quote, atr); err != nil {
		t.Fatalf("ManageAll: %v", err)
	}

	if len(gw.Modifies) != 1 {
		t.Fatalf("modify calls = %d, want 1", len(gw.Modifies))
	}
	wantSL := 1.1000 + 10*0.0001 // entry plus the point buffer
	if got := gw.Modifies[0].StopLoss; got != wantSL {
		t.Errorf("breakeven stop = %.5f, want %.5f", got, wantSL)
	}

	// Re-running the same cycle must not touch the broker again.
	if err := pm.ManageAll(context.Background(), "EURUSD", quote, atr); err != nil {
		t.Fatalf("ManageAll: %v", err)
	}
	if len(gw.Modifies) != 1 {
		t.Errorf("modify calls = %d after a repeat cycle, want 1", len(gw.Modifies))
	}
}

func TestBreakevenWaitsForTrigger(t *testing.T) {
	gw := testGateway()
	gw.Positions = []*domain.PositionInfo{openLong("T-1", 1.1000, 1.0)}
	pm, _ := newTestPM(testPositionConfig(), gw)

	// Profit of half an ATR is below the 1-ATR trigger.
	quote := &domain.Quote{Bid: 1.10060, Ask: 1.10062}
	if err := pm.ManageAll(context.Background(), "EURUSD", quote, 0.0012); err != nil {
		t.Fatalf("ManageAll: %v", err)
	}
	if len(gw.Modifies) != 0 {
		t.Errorf("modify calls = %d before the trigger, want 0", len(gw.Modifies))
	}
}

func TestBreakevenForcedAfterInvalidStops(t *testing.T) {
	gw := testGateway()
	// Huge broker stop distance makes every breakeven stop invalid.
	gw.Spec.StopLevelPts = 1000
	gw.Positions = []*domain.PositionInfo{openLong("T-1", 1.1000, 1.0)}
	pm, _ := newTestPM(testPositionConfig(), gw)

	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)
	pm.now = func() time.Time { return now }

	quote := &domain.Quote{Bid: 1.1030, Ask: 1.1032}
	for i := 0; i < 3; i++ {
		if err := pm.ManageAll(context.Background(), "EURUSD", quote, 0.0012); err != nil {
			t.Fatalf("ManageAll: %v", err)
		}
		now = now.Add(20 * time.Second)
	}

	if len(gw.Modifies) != 0 {
		t.Fatalf("invalid stops reached the broker: %d calls", len(gw.Modifies))
	}
	pos := pm.Tracked()[0]
	if !pos.BreakevenSet {
		t.Error("breakeven flag not forced after the retry budget")
	}
}

func TestTrailingAdvancesStop(t *testing.T) {
	cfg := testPositionConfig()
	cfg.TrailingEnabled = true
	gw := testGateway()
	gw.Positions = []*domain.PositionInfo{openLong("T-1", 1.1000, 1.0)}
	pm, _ := newTestPM(cfg, gw)

	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)
	pm.now = func() time.Time { return now }

	atr := 0.0012
	quote := &domain.Quote{Bid: 1.1030, Ask: 1.1032}
	if err := pm.ManageAll(context.Background(), "EURUSD", quote, atr); err != nil {
		t.Fatalf("ManageAll: %v", err)
	}
	// Breakeven first, then the trail in the same cycle.
	if len(gw.Modifies) != 2 {
		t.Fatalf("modify calls = %d, want 2 (breakeven + trail)", len(gw.Modifies))
	}
	wantTrail := 1.1030 - atr*1.2
	if got := gw.Modifies[1].StopLoss; got != wantTrail {
		t.Errorf("trailing stop = %.5f, want %.5f", got, wantTrail)
	}

	// Price retreats: the stop must never loosen.
	now = now.Add(20 * time.Second)
	quote = &domain.Quote{Bid: 1.1020, Ask: 1.1022}
	if err := pm.ManageAll(context.Background(), "EURUSD", quote, atr); err != nil {
		t.Fatalf("ManageAll: %v", err)
	}
	if len(gw.Modifies) != 2 {
		t.Errorf("modify calls = %d after a retreat, want 2", len(gw.Modifies))
	}

	// A new high advances it again.
	now = now.Add(20 * time.Second)
	quote = &domain.Quote{Bid: 1.1045, Ask: 1.1047}
	if err := pm.ManageAll(context.Background(), "EURUSD", quote, atr); err != nil {
		t.Fatalf("ManageAll: %v", err)
	}
	if len(gw.Modifies) != 3 {
		t.Fatalf("modify calls = %d after a new high, want 3", len(gw.Modifies))
	}
	if got := gw.Modifies[2].StopLoss; got != 1.1045-atr*1.2 {
		t.Errorf("second trail = %.5f, want %.5f", got, 1.1045-atr*1.2)
	}
}

func TestPartialCloseHappensOnce(t *testing.T) {
	cfg := testPositionConfig()
	cfg.BreakevenEnabled = false
	cfg.PartialCloseEnabled = true
	gw := testGateway()
	gw.Positions = []*domain.PositionInfo{openLong("T-1", 1.1000, 1.0)}
	pm, _ := newTestPM(cfg, gw)

	// 2 ATR in profit clears the 1.5 ATR trigger.
	quote := &domain.Quote{Bid: 1.1024, Ask: 1.1026}
	if err := pm.ManageAll(context.Background(), "EURUSD", quote, 0.0012); err != nil {
		t.Fatalf("ManageAll: %v", err)
	}

	if len(gw.Closes) != 1 {
		t.Fatalf("close calls = %d, want 1", len(gw.Closes))
	}
	if gw.Closes[0].Volume != 0.5 {
		t.Errorf("closed volume = %.2f, want 0.50", gw.Closes[0].Volume)
	}

	if err := pm.ManageAll(context.Background(), "EURUSD", quote, 0.0012); err != nil {
		t.Fatalf("ManageAll: %v", err)
	}
	if len(gw.Closes) != 1 {
		t.Errorf("close calls = %d after a repeat cycle, want 1", len(gw.Closes))
	}
}

func TestPartialCloseSkipsTinyPosition(t *testing.T) {
	cfg := testPositionConfig()
	cfg.BreakevenEnabled = false
	cfg.PartialCloseEnabled = true
	gw := testGateway()
	gw.Positions = []*domain.PositionInfo{openLong("T-1", 1.1000, 0.01)}
	pm, _ := newTestPM(cfg, gw)

	quote := &domain.Quote{Bid: 1.1024, Ask: 1.1026}
	if err := pm.ManageAll(context.Background(), "EURUSD", quote, 0.0012); err != nil {
		t.Fatalf("ManageAll: %v", err)
	}

	if len(gw.Closes) != 0 {
		t.Errorf("close calls = %d for a minimum-size position, want 0", len(gw.Closes))
	}
	if !pm.Tracked()[0].PartialClosed {
		t.Error("tiny position not flagged, the rule would retry forever")
	}
}

func TestExternalCloseRecordedInHistory(t *testing.T) {
	gw := testGateway()
	gw.Positions = []*domain.PositionInfo{openLong("T-1", 1.1000, 1.0)}
	pm, repo := newTestPM(testPositionConfig(), gw)

	quote := &domain.Quote{Bid: 1.0995, Ask: 1.0997}
	if err := pm.ManageAll(context.Background(), "EURUSD", quote, 0.0012); err != nil {
		t.Fatalf("ManageAll: %v", err)
	}
	if pm.OpenCount() != 1 {
		t.Fatalf("open count = %d, want 1", pm.OpenCount())
	}

	// Broker reports the position gone (stop hit, manual close, ...).
	gw.Positions = nil
	if err := pm.ManageAll(context.Background(), "EURUSD", quote, 0.0012); err != nil {
		t.Fatalf("ManageAll: %v", err)
	}

	if pm.OpenCount() != 0 {
		t.Errorf("open count = %d after the broker close, want 0", pm.OpenCount())
	}
	if len(repo.History) != 1 {
		t.Fatalf("history rows = %d, want 1", len(repo.History))
	}
	h := repo.History[0]
	if h.Ticket != "T-1" || h.Reason != "broker close" {
		t.Errorf("unexpected history row: %+v", h)
	}
	if h.RealizedPnL >= 0 {
		t.Errorf("realized pnl = %.5f for a losing long, want negative", h.RealizedPnL)
	}
}

func TestActionCooldownLimitsAttempts(t *testing.T) {
	gw := testGateway()
	gw.Spec.StopLevelPts = 1000 // keep the stop invalid so attempts repeat
	gw.Positions = []*domain.PositionInfo{openLong("T-1", 1.1000, 1.0)}
	cfg := testPositionConfig()
	cfg.MaxInvalidStopRetries = 100
	pm, _ := newTestPM(cfg, gw)

	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)
	pm.now = func() time.Time { return now }

	quote := &domain.Quote{Bid: 1.1030, Ask: 1.1032}
	pm.ManageAll(context.Background(), "EURUSD", quote, 0.0012)
	// Within the cooldown window nothing else may be attempted.
	now = now.Add(5 * time.Second)
	pm.ManageAll(context.Background(), "EURUSD", quote, 0.0012)

	if got := pm.Tracked()[0].InvalidStopCount; got != 1 {
		t.Errorf("invalid stop attempts = %d inside the cooldown, want 1", got)
	}
}
