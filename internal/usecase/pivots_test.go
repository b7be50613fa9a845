package usecase

import (
	"math"
	"testing"

	"github.com/vitos/keylevel_breakout/internal/domain"
)

func TestCalcDailyPivots(t *testing.T) {
	prev := domain.Bar{High: 1.2, Low: 1.0, Close: 1.1}
	p := CalcDailyPivots(prev)

	check := func(name string, got, want float64) {
		if math.Abs(got-want) > 1e-12 {
			t.Errorf("%s = %.4f, want %.4f", name, got, want)
		}
	}
	check("pivot", p.Pivot, 1.1)
	check("r1", p.R1, 1.2)
	check("s1", p.S1, 1.0)
	check("r2", p.R2, 1.3)
	check("s2", p.S2, 0.9)
	check("r3", p.R3, 1.4)
	check("s3", p.S3, 0.8)
}

func TestNearestResistanceAbove(t *testing.T) {
	p := CalcDailyPivots(domain.Bar{High: 1.2, Low: 1.0, Close: 1.1})

	if got := p.NearestResistanceAbove(1.05); math.Abs(got-1.1) > 1e-12 {
		t.Errorf("nearest above 1.05 = %.4f, want the pivot 1.1", got)
	}
	if got := p.NearestResistanceAbove(1.25); math.Abs(got-1.3) > 1e-12 {
		t.Errorf("nearest above 1.25 = %.4f, want r2 1.3", got)
	}
	if got := p.NearestResistanceAbove(1.5); got != 0 {
		t.Errorf("nearest above the whole stack = %.4f, want 0", got)
	}
}

func TestNearestSupportBelow(t *testing.T) {
	p := CalcDailyPivots(domain.Bar{High: 1.2, Low: 1.0, Close: 1.1})

	if got := p.NearestSupportBelow(1.15); math.Abs(got-1.1) > 1e-12 {
		t.Errorf("nearest below 1.15 = %.4f, want the pivot 1.1", got)
	}
	if got := p.NearestSupportBelow(0.95); math.Abs(got-0.9) > 1e-12 {
		t.Errorf("nearest below 0.95 = %.4f, want s2 0.9", got)
	}
	if got := p.NearestSupportBelow(0.7); got != 0 {
		t.Errorf("nearest below the whole stack = %.4f, want 0", got)
	}
}
