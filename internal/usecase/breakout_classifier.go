package usecase

import (
	"math"
	"time"

	"github.com/vitos/keylevel_breakout/internal/config"
	"github.com/vitos/keylevel_breakout/internal/domain"
	"go.uber.org/zap"
)

// BreakoutSignal classifies the outcome of a breakout check.
type BreakoutSignal int

const (
	BreakoutNone BreakoutSignal = iota
	BreakoutBullish
	BreakoutBearish
)

func (s BreakoutSignal) String() string {
	switch s {
	case BreakoutBullish:
		return "bullish"
	case BreakoutBearish:
		return "bearish"
	default:
		return "none"
	}
}

// BreakoutDecision is the classifier output handed to the retest state
// machine.
type BreakoutDecision struct {
	Signal      BreakoutSignal
	Level       *domain.KeyLevel
	Close       float64
	VolumeRatio float64
	ATR         float64
	Time        time.Time
	BarIndex    int
}

// Bullish reports whether the decision is a bullish breakout.
func (d BreakoutDecision) Bullish() bool { return d.Signal == BreakoutBullish }

// Side returns the trade direction implied by the breakout.
func (d BreakoutDecision) Side() domain.Side {
	if d.Signal == BreakoutBullish {
		return domain.SideLong
	}
	return domain.SideShort
}

// BreakoutClassifier decides whether the most recent closed bar broke
// a key level. It is stateless; suppression inputs (open positions,
// lockout zone) are computed by the caller and passed in.
type BreakoutClassifier struct {
	cfg    config.BreakoutConfig
	logger *zap.Logger
}

func NewBreakoutClassifier(cfg config.BreakoutConfig, logger *zap.Logger) *BreakoutClassifier {
	return &BreakoutClassifier{cfg: cfg, logger: logger}
}

// Classify examines the last closed bar in bars against level. The
// volume filter compares the bar's volume to the trailing average of
// the preceding VolumeLookback bars; the ATR filter requires the close
// to clear the level by a volatility-scaled distance. suppressed covers
// both the open-position rule and the post-trade lockout zone.
func (c *BreakoutClassifier) Classify(level *domain.KeyLevel, bars []domain.Bar, atr float64, suppressed bool) BreakoutDecision {
	none := BreakoutDecision{Signal: BreakoutNone}
	if level == nil || len(bars) == 0 {
		return none
	}

	idx := len(bars) - 1
	last := bars[idx]
	tolerance := level.Price * c.cfg.TolerancePct

	var signal BreakoutSignal
	switch {
	case last.Close > level.Price+tolerance:
		signal = BreakoutBullish
	case last.Close < level.Price-tolerance:
		signal = BreakoutBearish
	default:
		return none
	}

	// A bearish close below a resistance (or bullish above a support)
	// is just price on the usual side of the level, not a breakout.
	if signal == BreakoutBullish && !level.IsResistance {
		return none
	}
	if signal == BreakoutBearish && level.IsResistance {
		return none
	}

	if suppressed {
		return none
	}

	volRatio := 0.0
	if c.cfg.VolumeFilter {
		avg := trailingAverageVolume(bars[:idx], c.cfg.VolumeLookback)
		if avg <= 0 {
			return none
		}
		volRatio = last.Volume / avg
		if volRatio < c.cfg.VolumeMult {
			c.logger.Debug("breakout rejected by volume filter",
				zap.Float64("ratio", volRatio),
				zap.Float64("required", c.cfg.VolumeMult))
			return none
		}
	}

	if c.cfg.ATRFilter {
		if atr <= 0 {
			return none
		}
		if math.Abs(last.Close-level.Price) < atr*c.cfg.ATRDistanceMult {
			c.logger.Debug("breakout rejected by ATR distance filter",
				zap.Float64("distance", math.Abs(last.Close-level.Price)),
				zap.Float64("required", atr*c.cfg.ATRDistanceMult))
			return none
		}
	}

	c.logger.Info("breakout classified",
		zap.String("signal", signal.String()),
		zap.Float64("level", level.Price),
		zap.Float64("close", last.Close),
		zap.Float64("volume_ratio", volRatio),
		zap.Float64("strength", level.Strength))

	return BreakoutDecision{
		Signal:      signal,
		Level:       level,
		Close:       last.Close,
		VolumeRatio: volRatio,
		ATR:         atr,
		Time:        last.Time,
		BarIndex:    idx,
	}
}

func trailingAverageVolume(bars []domain.Bar, lookback int) float64 {
	if len(bars) == 0 {
		return 0
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	var sum float64
	n := 0
	for i := start; i < len(bars); i++ {
		sum += bars[i].Volume
		n++
	}
	return sum / float64(n)
}
