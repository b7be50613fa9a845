package domain

import "time"

// Strength bounds for retained key levels.
const (
	MinLevelStrength = 0.45
	MaxLevelStrength = 0.98
)

// Touch records one approach of price into a level's tolerance zone and
// the quality of the bounce that followed it.
type Touch struct {
	Time         time.Time `json:"time"`
	BarIndex     int       `json:"bar_index"`
	Price        float64   `json:"price"`
	BounceSize   float64   `json:"bounce_size"`   // distance price moved away from the level
	BounceBars   int       `json:"bounce_bars"`   // bars until the bounce completed
	BounceVolume float64   `json:"bounce_volume"` // volume on the bounce bar
}

// KeyLevel is a price at which the market has historically reversed.
type KeyLevel struct {
	Price           float64   `json:"price"`
	IsResistance    bool      `json:"is_resistance"`
	Timeframe       Timeframe `json:"timeframe"`
	FirstTouch      time.Time `json:"first_touch"`
	LastTouch       time.Time `json:"last_touch"`
	TouchCount      int       `json:"touch_count"`
	Strength        float64   `json:"strength"`
	VolumeConfirmed bool      `json:"volume_confirmed"`
	VolumeRatio     float64   `json:"volume_ratio"`
	Touches         []Touch   `json:"touches,omitempty"`
}

// Type returns "resistance" or "support".
func (l *KeyLevel) Type() string {
	if l.IsResistance {
		return "resistance"
	}
	return "support"
}

// SameSide reports whether two levels are of the same type.
func (l *KeyLevel) SameSide(other *KeyLevel) bool {
	return l.IsResistance == other.IsResistance
}
