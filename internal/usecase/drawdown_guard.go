package usecase

import (
	"go.uber.org/zap"
)

// DrawdownGuard tracks a rolling equity peak and disables trading once
// drawdown from that peak exceeds the configured percentage. Disabled
// trading is a first-class state, not an error: it surfaces through
// TradingDisabled and clears automatically once equity has recovered
// past the re-enable threshold, at which point the peak resets.
type DrawdownGuard struct {
	maxDrawdownPct float64
	recoveryPct    float64
	logger         *zap.Logger

	peak     float64
	disabled bool
}

func NewDrawdownGuard(maxDrawdownPct, recoveryPct float64, logger *zap.Logger) *DrawdownGuard {
	return &DrawdownGuard{
		maxDrawdownPct: maxDrawdownPct,
		recoveryPct:    recoveryPct,
		logger:         logger,
	}
}

// Observe feeds the guard a fresh equity reading and returns whether
// trading is disabled after applying it.
func (g *DrawdownGuard) Observe(equity float64) bool {
	if equity <= 0 {
		return g.disabled
	}

	if g.disabled {
		threshold := g.peak * (1 + g.recoveryPct/100)
		if equity >= threshold {
			g.logger.Info("drawdown guard cleared, trading re-enabled",
				zap.Float64("equity", equity),
				zap.Float64("previous_peak", g.peak))
			g.disabled = false
			g.peak = equity
		}
		return g.disabled
	}

	if equity > g.peak {
		g.peak = equity
		return false
	}

	if g.peak > 0 {
		dd := (g.peak - equity) / g.peak * 100
		if dd >= g.maxDrawdownPct {
			g.logger.Warn("drawdown guard tripped, trading disabled",
				zap.Float64("equity", equity),
				zap.Float64("peak", g.peak),
				zap.Float64("drawdown_pct", dd))
			g.disabled = true
		}
	}
	return g.disabled
}

// TradingDisabled reports the guard state without feeding it.
func (g *DrawdownGuard) TradingDisabled() bool { return g.disabled }

// Peak returns the current rolling equity peak.
func (g *DrawdownGuard) Peak() float64 { return g.peak }

// DrawdownPct returns the current drawdown from peak for the given
// equity, in percent.
func (g *DrawdownGuard) DrawdownPct(equity float64) float64 {
	if g.peak <= 0 || equity >= g.peak {
		return 0
	}
	return (g.peak - equity) / g.peak * 100
}
