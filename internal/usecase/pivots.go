package usecase

import "github.com/vitos/keylevel_breakout/internal/domain"

// PivotLevels are classic floor-trader pivots computed from the
// previous day's range. The risk engine uses them to pick the more
// conservative of the pivot-based and ATR-based stop/target prices.
type PivotLevels struct {
	Pivot float64
	R1    float64
	R2    float64
	R3    float64
	S1    float64
	S2    float64
	S3    float64
}

// CalcDailyPivots derives pivots from the last completed daily bar.
func CalcDailyPivots(prevDay domain.Bar) PivotLevels {
	p := (prevDay.High + prevDay.Low + prevDay.Close) / 3
	rng := prevDay.High - prevDay.Low
	return PivotLevels{
		Pivot: p,
		R1:    2*p - prevDay.Low,
		R2:    p + rng,
		R3:    prevDay.High + 2*(p-prevDay.Low),
		S1:    2*p - prevDay.High,
		S2:    p - rng,
		S3:    prevDay.Low - 2*(prevDay.High-p),
	}
}

// NearestResistanceAbove returns the lowest pivot resistance above
// price, or 0 when price is already above them all.
func (p PivotLevels) NearestResistanceAbove(price float64) float64 {
	for _, r := range []float64{p.Pivot, p.R1, p.R2, p.R3} {
		if r > price {
			return r
		}
	}
	return 0
}

// NearestSupportBelow returns the highest pivot support below price,
// or 0 when price is already below them all.
func (p PivotLevels) NearestSupportBelow(price float64) float64 {
	for _, s := range []float64{p.Pivot, p.S1, p.S2, p.S3} {
		if s < price {
			return s
		}
	}
	return 0
}
