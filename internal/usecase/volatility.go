package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vitos/keylevel_breakout/internal/config"
	"github.com/vitos/keylevel_breakout/internal/domain"
	"go.uber.org/zap"
)

// VolatilityService reads the ATR from the market data feed. While the
// feed's indicator subscription is warming up it retries a bounded
// number of times with a fixed delay, then degrades to averaging true
// ranges over raw bars. The retry count, delay and fallback period are
// all configuration, not hidden counters.
type VolatilityService struct {
	feed   domain.MarketDataFeed
	cfg    config.FeedConfig
	logger *zap.Logger

	sleep func(time.Duration) // replaced in tests
}

func NewVolatilityService(feed domain.MarketDataFeed, cfg config.FeedConfig, logger *zap.Logger) *VolatilityService {
	return &VolatilityService{
		feed:   feed,
		cfg:    cfg,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// ATR returns the average true range for the symbol/timeframe. It never
// returns ErrIndicatorUnavailable; when both the feed indicator and the
// bar fallback fail, the error tells the caller to skip the cycle.
func (v *VolatilityService) ATR(ctx context.Context, symbol string, tf domain.Timeframe) (float64, error) {
	delay := time.Duration(v.cfg.RetryDelayMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < v.cfg.RetryLimit; attempt++ {
		val, err := v.feed.GetIndicatorValue(ctx, symbol, tf, "ATR", v.cfg.ATRPeriod)
		if err == nil && val > 0 {
			return val, nil
		}
		lastErr = err
		if err != nil && !errors.Is(err, domain.ErrIndicatorUnavailable) {
			break
		}
		if attempt < v.cfg.RetryLimit-1 {
			v.sleep(delay)
		}
	}

	v.logger.Warn("ATR indicator unavailable, falling back to manual true range",
		zap.String("symbol", symbol),
		zap.String("timeframe", string(tf)),
		zap.Int("attempts", v.cfg.RetryLimit),
		zap.Error(lastErr))

	return v.manualATR(ctx, symbol, tf)
}

// manualATR averages the true range over the configured period using
// raw bars from the feed.
func (v *VolatilityService) manualATR(ctx context.Context, symbol string, tf domain.Timeframe) (float64, error) {
	bars, err := v.feed.GetBars(ctx, symbol, tf, v.cfg.ATRPeriod+1)
	if err != nil {
		return 0, fmt.Errorf("atr fallback bars: %w", err)
	}
	atr := ManualATR(bars, v.cfg.ATRPeriod)
	if atr <= 0 {
		return 0, fmt.Errorf("atr fallback: not enough bars (%d)", len(bars))
	}
	return atr, nil
}

// ManualATR computes a simple mean of true ranges over the last period
// bar pairs. Bars are ordered oldest first.
func ManualATR(bars []domain.Bar, period int) float64 {
	if len(bars) < 2 {
		return 0
	}
	start := len(bars) - period
	if start < 1 {
		start = 1
	}
	var sum float64
	n := 0
	for i := start; i < len(bars); i++ {
		sum += trueRange(bars[i], bars[i-1])
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func trueRange(cur, prev domain.Bar) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prev.Close)
	lc := math.Abs(cur.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}
