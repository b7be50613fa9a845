package usecase

import (
	"math"

	"github.com/vitos/keylevel_breakout/internal/config"
	"github.com/vitos/keylevel_breakout/internal/domain"
	"go.uber.org/zap"
)

// LevelDetector scans a window of historical bars for statistically
// significant support/resistance levels. Thresholds scale with the
// timeframe (coarser on monthly bars, tighter on minute bars) and with
// the instrument class (wider zones on volatility-prone instruments).
type LevelDetector struct {
	cfg    config.DetectorConfig
	tf     domain.Timeframe
	class  string
	logger *zap.Logger
}

func NewLevelDetector(cfg config.DetectorConfig, tf domain.Timeframe, instrumentClass string, logger *zap.Logger) *LevelDetector {
	return &LevelDetector{
		cfg:    cfg,
		tf:     tf,
		class:  instrumentClass,
		logger: logger,
	}
}

// detectorProfile carries the effective thresholds after timeframe and
// instrument scaling.
type detectorProfile struct {
	zonePct      float64
	minDistPct   float64
	minHeightPct float64
	bounceMinPct float64
	minTouches   int
	minStrength  float64
}

// timeframeScale widens tolerance geometry on higher timeframes.
func timeframeScale(tf domain.Timeframe) float64 {
	switch m := tf.Minutes(); {
	case m <= 1:
		return 0.5
	case m <= 5:
		return 0.75
	case m <= 30:
		return 1.0
	case m <= 60:
		return 1.25
	case m <= 240:
		return 1.5
	case m <= 1440:
		return 2.0
	case m <= 10080:
		return 3.0
	default:
		return 4.0
	}
}

// instrumentScale widens zones for instruments that habitually
// overshoot their levels.
func instrumentScale(class string) float64 {
	switch class {
	case "metal", "crypto":
		return 1.5
	case "index":
		return 1.25
	default:
		return 1.0
	}
}

func (d *LevelDetector) profile() detectorProfile {
	scale := timeframeScale(d.tf) * instrumentScale(d.class)

	p := detectorProfile{
		zonePct:      d.cfg.TouchZonePct * scale,
		minDistPct:   d.cfg.MinLevelDistancePct * scale,
		minHeightPct: d.cfg.MinHeightPct * scale,
		bounceMinPct: d.cfg.BounceMinPct * scale,
		minTouches:   d.cfg.MinTouches,
		minStrength:  d.cfg.MinStrength,
	}
	// Monthly and weekly levels are rare; two clean touches suffice.
	// Minute charts are noisy and need one extra confirmation.
	if d.tf.Minutes() >= 10080 && p.minTouches > 2 {
		p.minTouches = 2
	}
	if d.tf.Minutes() <= 1 {
		p.minTouches++
	}
	return p
}

// MinDistancePct exposes the effective same-type minimum distance so
// the level store can share it.
func (d *LevelDetector) MinDistancePct() float64 {
	return d.profile().minDistPct
}

// MinStrength exposes the effective strength floor.
func (d *LevelDetector) MinStrength() float64 {
	return d.profile().minStrength
}

// Scan finds swing points in bars (ordered oldest first), validates
// their touches and returns the scored candidates. Candidates that do
// not reach the minimum touch count or strength floor are dropped.
func (d *LevelDetector) Scan(bars []domain.Bar) []*domain.KeyLevel {
	w := d.cfg.SwingWindow
	if len(bars) < 2*d.cfg.ValidationWindow+1 || len(bars) < 2*w+1 {
		return nil
	}

	p := d.profile()
	avgVol := averageVolume(bars)

	var out []*domain.KeyLevel
	for i := d.cfg.ValidationWindow; i < len(bars)-d.cfg.ValidationWindow; i++ {
		if d.isSwingHigh(bars, i, p, avgVol) {
			if lvl := d.buildLevel(bars, i, bars[i].High, true, p, avgVol); lvl != nil {
				out = append(out, lvl)
			}
		}
		if d.isSwingLow(bars, i, p, avgVol) {
			if lvl := d.buildLevel(bars, i, bars[i].Low, false, p, avgVol); lvl != nil {
				out = append(out, lvl)
			}
		}
	}

	if d.logger != nil && len(out) > 0 {
		d.logger.Debug("level scan complete",
			zap.Int("bars", len(bars)),
			zap.Int("candidates", len(out)))
	}
	return out
}

// isSwingHigh requires a strict local maximum over the tight window and
// the greatest high over the wider validation window, plus a minimum
// prominence. Strong volume at the swing relaxes the height bar.
func (d *LevelDetector) isSwingHigh(bars []domain.Bar, i int, p detectorProfile, avgVol float64) bool {
	h := bars[i].High
	for j := 1; j <= d.cfg.SwingWindow; j++ {
		if bars[i-j].High >= h || bars[i+j].High >= h {
			return false
		}
	}

	neighborMax := 0.0
	for j := i - d.cfg.ValidationWindow; j <= i+d.cfg.ValidationWindow; j++ {
		if j == i {
			continue
		}
		if bars[j].High > h {
			return false
		}
		if bars[j].High > neighborMax {
			neighborMax = bars[j].High
		}
	}

	minHeight := h * p.minHeightPct
	if avgVol > 0 && bars[i].Volume >= d.cfg.VolumeConfirmMult*avgVol {
		minHeight *= 0.75
	}
	return h-neighborMax >= minHeight
}

func (d *LevelDetector) isSwingLow(bars []domain.Bar, i int, p detectorProfile, avgVol float64) bool {
	l := bars[i].Low
	for j := 1; j <= d.cfg.SwingWindow; j++ {
		if bars[i-j].Low <= l || bars[i+j].Low <= l {
			return false
		}
	}

	neighborMin := math.MaxFloat64
	for j := i - d.cfg.ValidationWindow; j <= i+d.cfg.ValidationWindow; j++ {
		if j == i {
			continue
		}
		if bars[j].Low < l {
			return false
		}
		if bars[j].Low < neighborMin {
			neighborMin = bars[j].Low
		}
	}

	minHeight := l * p.minHeightPct
	if avgVol > 0 && bars[i].Volume >= d.cfg.VolumeConfirmMult*avgVol {
		minHeight *= 0.75
	}
	return neighborMin-l >= minHeight
}

// buildLevel counts valid touches of the candidate price in the bars
// after the swing, scores the level and returns it, or nil when the
// candidate fails the touch or strength thresholds.
func (d *LevelDetector) buildLevel(bars []domain.Bar, swingIdx int, price float64, isResistance bool, p detectorProfile, avgVol float64) *domain.KeyLevel {
	zone := price * p.zonePct
	bounceMin := price * p.bounceMinPct

	touches := []domain.Touch{{
		Time:     bars[swingIdx].Time,
		BarIndex: swingIdx,
		Price:    price,
	}}

	lastTouchIdx := swingIdx
	for j := swingIdx + 1; j < len(bars); j++ {
		var approach float64
		if isResistance {
			approach = bars[j].High
		} else {
			approach = bars[j].Low
		}
		if math.Abs(approach-price) > zone {
			continue
		}
		if j-lastTouchIdx < d.cfg.MinTouchSpacingBars {
			// Consecutive bars hugging the level count as one touch.
			lastTouchIdx = j
			continue
		}

		bounce, bounceBars, bounceVol := d.measureBounce(bars, j, price, isResistance)
		if bounce < bounceMin {
			continue
		}

		touches = append(touches, domain.Touch{
			Time:         bars[j].Time,
			BarIndex:     j,
			Price:        approach,
			BounceSize:   bounce,
			BounceBars:   bounceBars,
			BounceVolume: bounceVol,
		})
		lastTouchIdx = j
	}

	if len(touches) < p.minTouches {
		return nil
	}

	first := touches[0]
	last := touches[len(touches)-1]

	volRatio := 0.0
	if avgVol > 0 {
		volRatio = bars[swingIdx].Volume / avgVol
	}
	volumeConfirmed := volRatio >= d.cfg.VolumeConfirmMult

	lvl := &domain.KeyLevel{
		Price:           price,
		IsResistance:    isResistance,
		Timeframe:       d.tf,
		FirstTouch:      first.Time,
		LastTouch:       last.Time,
		TouchCount:      len(touches),
		VolumeConfirmed: volumeConfirmed,
		VolumeRatio:     volRatio,
		Touches:         touches,
	}
	lvl.Strength = d.scoreStrength(lvl, last.BarIndex, len(bars), bounceMin, avgVol)

	if lvl.Strength < p.minStrength {
		return nil
	}
	return lvl
}

// measureBounce returns the furthest clean move away from the level
// within the bounce-delay window after a touch, together with the bar
// count and the volume of the bar that produced it.
func (d *LevelDetector) measureBounce(bars []domain.Bar, touchIdx int, price float64, isResistance bool) (size float64, nBars int, volume float64) {
	end := touchIdx + d.cfg.BounceMaxDelayBars
	if end >= len(bars) {
		end = len(bars) - 1
	}
	for k := touchIdx + 1; k <= end; k++ {
		var move float64
		if isResistance {
			move = price - bars[k].Low
		} else {
			move = bars[k].High - price
		}
		if move > size {
			size = move
			nBars = k - touchIdx
			volume = bars[k].Volume
		}
	}
	return size, nBars, volume
}

// scoreStrength combines the touch-count base score with recency,
// duration, timeframe and touch-quality modifiers, clamped to the
// allowed range.
func (d *LevelDetector) scoreStrength(lvl *domain.KeyLevel, lastTouchIdx, totalBars int, bounceMin, avgVol float64) float64 {
	score := touchBaseScore(lvl.TouchCount)

	// Recency: a level touched in the most recent tenth of the window
	// is live; one idle for over half of it is going stale.
	age := totalBars - 1 - lastTouchIdx
	switch {
	case age <= totalBars/10:
		score += 0.05
	case age > totalBars/2:
		score -= 0.07
	}

	// Duration: long-lived levels have proven themselves.
	span := lvl.Touches[len(lvl.Touches)-1].BarIndex - lvl.Touches[0].BarIndex
	duration := float64(span) / float64(totalBars) * 0.1
	if duration > 0.05 {
		duration = 0.05
	}
	score += duration

	score += timeframeBonus(lvl.Timeframe)
	score += d.touchQualityBonus(lvl, bounceMin, avgVol)

	return clampStrength(score)
}

// touchBaseScore is a step function that approaches but never reaches
// the strength ceiling as touches accumulate.
func touchBaseScore(touches int) float64 {
	switch {
	case touches <= 2:
		return 0.50
	case touches == 3:
		return 0.70
	case touches == 4:
		return 0.85
	default:
		return 0.85 + 0.10*(1.0-1.0/float64(touches-3))
	}
}

func timeframeBonus(tf domain.Timeframe) float64 {
	switch m := tf.Minutes(); {
	case m >= 1440:
		return 0.06
	case m >= 240:
		return 0.04
	case m >= 60:
		return 0.02
	default:
		return 0
	}
}

// touchQualityBonus rewards consistent, fast, high-volume bounces.
// The bonus is never negative so that an extra touch cannot lower the
// overall score.
func (d *LevelDetector) touchQualityBonus(lvl *domain.KeyLevel, bounceMin, avgVol float64) float64 {
	bounced := lvl.Touches[1:]
	if len(bounced) == 0 || bounceMin <= 0 {
		return 0
	}

	var sizeSum, delaySum float64
	for _, t := range bounced {
		sizeSum += t.BounceSize
		delaySum += float64(t.BounceBars)
	}
	meanSize := sizeSum / float64(len(bounced))
	meanDelay := delaySum / float64(len(bounced))

	// Bounce magnitude relative to the minimum requirement, capped.
	sizeScore := meanSize/bounceMin - 1.0
	if sizeScore > 1.0 {
		sizeScore = 1.0
	}
	if sizeScore < 0 {
		sizeScore = 0
	}

	// Fast bounces: full credit at 1 bar, none at the delay limit.
	speedScore := 1.0 - (meanDelay-1.0)/float64(d.cfg.BounceMaxDelayBars)
	if speedScore < 0 {
		speedScore = 0
	}
	if speedScore > 1 {
		speedScore = 1
	}

	// Consistency: low spread of bounce sizes around the mean.
	consistency := 1.0
	if len(bounced) > 1 && meanSize > 0 {
		var varSum float64
		for _, t := range bounced {
			dev := t.BounceSize - meanSize
			varSum += dev * dev
		}
		cv := math.Sqrt(varSum/float64(len(bounced))) / meanSize
		consistency = 1.0 - cv
		if consistency < 0 {
			consistency = 0
		}
	}

	// Volume: a volume-confirmed swing earns the full credit; otherwise
	// the mean bounce volume relative to the confirmation threshold
	// earns a proportional share.
	volScore := 0.0
	if lvl.VolumeConfirmed {
		volScore = 1.0
	} else if avgVol > 0 && d.cfg.VolumeConfirmMult > 0 {
		var volSum float64
		for _, t := range bounced {
			volSum += t.BounceVolume
		}
		volScore = volSum / float64(len(bounced)) / (avgVol * d.cfg.VolumeConfirmMult)
		if volScore > 1 {
			volScore = 1
		}
	}

	return 0.02*sizeScore + 0.02*speedScore + 0.01*consistency + 0.03*volScore
}

func clampStrength(s float64) float64 {
	if s < domain.MinLevelStrength {
		return domain.MinLevelStrength
	}
	if s > domain.MaxLevelStrength {
		return domain.MaxLevelStrength
	}
	return s
}

func averageVolume(bars []domain.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += b.Volume
	}
	return sum / float64(len(bars))
}
