package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/vitos/keylevel_breakout/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config is the full parameter surface of the engine. Every threshold
// used by the detector, classifier, retest machine, risk engine and
// position manager is set here; code never hardcodes them.
type Config struct {
	Symbol          string `yaml:"symbol"`
	Timeframe       string `yaml:"timeframe"`
	InstrumentClass string `yaml:"instrument_class"` // forex, metal, index, crypto

	Detector DetectorConfig `yaml:"detector"`
	Breakout BreakoutConfig `yaml:"breakout"`
	Retest   RetestConfig   `yaml:"retest"`
	Risk     RiskConfig     `yaml:"risk"`
	Position PositionConfig `yaml:"position"`
	Feed     FeedConfig     `yaml:"feed"`

	Bridge  BridgeConfig  `yaml:"bridge"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
	Polling PollingConfig `yaml:"polling"`
}

// DetectorConfig drives the key-level scan.
type DetectorConfig struct {
	LookbackBars        int     `yaml:"lookback_bars"`
	SwingWindow         int     `yaml:"swing_window"`      // strict neighbors on each side
	ValidationWindow    int     `yaml:"validation_window"` // wider extremum window
	MinHeightPct        float64 `yaml:"min_height_pct"`    // swing prominence, fraction of price
	TouchZonePct        float64 `yaml:"touch_zone_pct"`
	MinTouches          int     `yaml:"min_touches"`
	MinStrength         float64 `yaml:"min_strength"`
	MinTouchSpacingBars int     `yaml:"min_touch_spacing_bars"`
	BounceMinPct        float64 `yaml:"bounce_min_pct"`
	BounceMaxDelayBars  int     `yaml:"bounce_max_delay_bars"`
	VolumeConfirmMult   float64 `yaml:"volume_confirm_mult"`
	MaxLevelsPerSide    int     `yaml:"max_levels_per_side"`
	MinLevelDistancePct float64 `yaml:"min_level_distance_pct"`
}

// BreakoutConfig drives breakout classification.
type BreakoutConfig struct {
	TolerancePct      float64 `yaml:"tolerance_pct"` // minimal close distance beyond the level
	VolumeFilter      bool    `yaml:"volume_filter"`
	VolumeMult        float64 `yaml:"volume_mult"`
	VolumeLookback    int     `yaml:"volume_lookback"`
	ATRFilter         bool    `yaml:"atr_filter"`
	ATRDistanceMult   float64 `yaml:"atr_distance_mult"`
	LockoutClearMult  float64 `yaml:"lockout_clear_mult"` // ATR multiples to clear the post-trade zone
}

// RetestConfig drives the retest state machine.
type RetestConfig struct {
	Enabled               bool    `yaml:"enabled"`
	MaxBars               int     `yaml:"max_bars"`
	MaxWaitMinutes        int     `yaml:"max_wait_minutes"`
	ZoneATRMult           float64 `yaml:"zone_atr_mult"`
	ZonePips              float64 `yaml:"zone_pips"` // fallback zone when ATR is unusable
	CandleConfirmation    bool    `yaml:"candle_confirmation"`
	ConfirmationTimeframe string  `yaml:"confirmation_timeframe"`
}

// RiskConfig is the immutable risk snapshot consumed by the sizing
// engine and position manager.
type RiskConfig struct {
	RiskPercent       float64 `yaml:"risk_percent"`
	SLATRMult         float64 `yaml:"sl_atr_mult"`
	TPATRMult         float64 `yaml:"tp_atr_mult"`
	RewardRatio       float64 `yaml:"reward_ratio"`
	UsePivots         bool    `yaml:"use_pivots"`
	HighVolATRPct     float64 `yaml:"high_vol_atr_pct"`   // ATR/price ratio marking a busy session
	HighVolWidenMult  float64 `yaml:"high_vol_widen_mult"`
	MaxPositions      int     `yaml:"max_positions"`
	CooldownSeconds   int     `yaml:"cooldown_seconds"`
	MaxDrawdownPct    float64 `yaml:"max_drawdown_pct"`
	RecoveryPct       float64 `yaml:"recovery_pct"`
	SessionFilter     bool    `yaml:"session_filter"`
	SessionStartHour  int     `yaml:"session_start_hour"`
	SessionEndHour    int     `yaml:"session_end_hour"`
}

// PositionConfig drives the open-position lifecycle rules.
type PositionConfig struct {
	BreakevenEnabled       bool    `yaml:"breakeven_enabled"`
	BreakevenTriggerATR    float64 `yaml:"breakeven_trigger_atr"`
	BreakevenBufferPoints  float64 `yaml:"breakeven_buffer_points"`
	TrailingEnabled        bool    `yaml:"trailing_enabled"`
	TrailingATRMult        float64 `yaml:"trailing_atr_mult"`
	PartialCloseEnabled    bool    `yaml:"partial_close_enabled"`
	PartialCloseTriggerATR float64 `yaml:"partial_close_trigger_atr"`
	PartialClosePercent    float64 `yaml:"partial_close_percent"`
	ActionCooldownSeconds  int     `yaml:"action_cooldown_seconds"`
	MaxInvalidStopRetries  int     `yaml:"max_invalid_stop_retries"`
}

// FeedConfig controls indicator retries and the manual fallback.
type FeedConfig struct {
	ATRPeriod    int `yaml:"atr_period"`
	RetryLimit   int `yaml:"retry_limit"`
	RetryDelayMs int `yaml:"retry_delay_ms"`
}

type BridgeConfig struct {
	RESTEndpoint string `yaml:"rest_endpoint"`
	WSEndpoint   string `yaml:"ws_endpoint"`
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PollingConfig struct {
	TimerIntervalMs int `yaml:"timer_interval_ms"`
}

// Default returns the configuration defaults. Numeric values follow the
// most common settings of the EA variants this engine consolidates.
func Default() *Config {
	return &Config{
		Symbol:          "EURUSD",
		Timeframe:       string(domain.TimeframeH1),
		InstrumentClass: "forex",
		Detector: DetectorConfig{
			LookbackBars:        300,
			SwingWindow:         2,
			ValidationWindow:    5,
			MinHeightPct:        0.0005,
			TouchZonePct:        0.0008,
			MinTouches:          2,
			MinStrength:         0.55,
			MinTouchSpacingBars: 3,
			BounceMinPct:        0.0006,
			BounceMaxDelayBars:  5,
			VolumeConfirmMult:   1.3,
			MaxLevelsPerSide:    10,
			MinLevelDistancePct: 0.0025,
		},
		Breakout: BreakoutConfig{
			TolerancePct:     0.0001,
			VolumeFilter:     true,
			VolumeMult:       1.5,
			VolumeLookback:   20,
			ATRFilter:        true,
			ATRDistanceMult:  0.1,
			LockoutClearMult: 1.0,
		},
		Retest: RetestConfig{
			Enabled:               true,
			MaxBars:               12,
			MaxWaitMinutes:        720,
			ZoneATRMult:           0.25,
			ZonePips:              10,
			CandleConfirmation:    false,
			ConfirmationTimeframe: string(domain.TimeframeM15),
		},
		Risk: RiskConfig{
			RiskPercent:      1.0,
			SLATRMult:        1.5,
			TPATRMult:        3.0,
			RewardRatio:      2.0,
			UsePivots:        true,
			HighVolATRPct:    0.004,
			HighVolWidenMult: 1.25,
			MaxPositions:     1,
			CooldownSeconds:  300,
			MaxDrawdownPct:   25.0,
			RecoveryPct:      5.0,
			SessionFilter:    false,
			SessionStartHour: 7,
			SessionEndHour:   21,
		},
		Position: PositionConfig{
			BreakevenEnabled:       true,
			BreakevenTriggerATR:    1.0,
			BreakevenBufferPoints:  10,
			TrailingEnabled:        true,
			TrailingATRMult:        1.2,
			PartialCloseEnabled:    true,
			PartialCloseTriggerATR: 1.5,
			PartialClosePercent:    50,
			ActionCooldownSeconds:  15,
			MaxInvalidStopRetries:  3,
		},
		Feed: FeedConfig{
			ATRPeriod:    14,
			RetryLimit:   5,
			RetryDelayMs: 200,
		},
		Storage: StorageConfig{Path: "engine.db"},
		Logging: LoggingConfig{Level: "info"},
		Server:  ServerConfig{Port: 8080},
		Polling: PollingConfig{TimerIntervalMs: 1000},
	}
}

// Load reads the yaml file at path over the defaults and validates the
// result. Bridge credentials may be supplied via environment variables
// (BRIDGE_API_KEY, BRIDGE_API_SECRET) instead of the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("BRIDGE_API_KEY"); v != "" {
		cfg.Bridge.APIKey = v
	}
	if v := os.Getenv("BRIDGE_API_SECRET"); v != "" {
		cfg.Bridge.APISecret = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TF returns the configured trading timeframe.
func (c *Config) TF() domain.Timeframe { return domain.Timeframe(c.Timeframe) }

// ConfirmationTF returns the candlestick-confirmation timeframe.
func (c *Config) ConfirmationTF() domain.Timeframe {
	return domain.Timeframe(c.Retest.ConfirmationTimeframe)
}

// Validate rejects configurations that must prevent the engine from
// starting. Transient runtime conditions are not checked here.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Symbol == "" {
		add("symbol is required")
	}
	if c.TF().Minutes() == 0 {
		add("timeframe %q is not valid", c.Timeframe)
	}

	d := c.Detector
	if d.LookbackBars < 50 {
		add("detector.lookback_bars must be >= 50, got %d", d.LookbackBars)
	}
	if d.SwingWindow < 1 {
		add("detector.swing_window must be >= 1")
	}
	if d.ValidationWindow < d.SwingWindow {
		add("detector.validation_window must be >= swing_window")
	}
	if d.MinTouches < 2 {
		add("detector.min_touches must be >= 2, got %d", d.MinTouches)
	}
	if d.MinStrength < domain.MinLevelStrength || d.MinStrength > domain.MaxLevelStrength {
		add("detector.min_strength must be within [%.2f, %.2f]", domain.MinLevelStrength, domain.MaxLevelStrength)
	}
	if d.TouchZonePct <= 0 {
		add("detector.touch_zone_pct must be positive")
	}
	if d.BounceMaxDelayBars < 1 {
		add("detector.bounce_max_delay_bars must be >= 1")
	}
	if d.MaxLevelsPerSide < 1 {
		add("detector.max_levels_per_side must be >= 1")
	}
	if d.MinLevelDistancePct <= 0 {
		add("detector.min_level_distance_pct must be positive")
	}

	b := c.Breakout
	if b.VolumeFilter && b.VolumeMult <= 1.0 {
		add("breakout.volume_mult must be > 1.0 when the volume filter is on")
	}
	if b.VolumeFilter && b.VolumeLookback < 2 {
		add("breakout.volume_lookback must be >= 2")
	}
	if b.ATRFilter && b.ATRDistanceMult <= 0 {
		add("breakout.atr_distance_mult must be positive when the ATR filter is on")
	}

	rt := c.Retest
	if rt.Enabled && rt.MaxBars < 1 {
		add("retest.max_bars must be >= 1")
	}
	if rt.Enabled && rt.ZoneATRMult <= 0 && rt.ZonePips <= 0 {
		add("retest requires a positive zone_atr_mult or zone_pips")
	}
	if rt.CandleConfirmation && c.ConfirmationTF().Minutes() == 0 {
		add("retest.confirmation_timeframe %q is not valid", rt.ConfirmationTimeframe)
	}

	r := c.Risk
	if r.RiskPercent <= 0 || r.RiskPercent > 10 {
		add("risk.risk_percent must be in (0, 10], got %.2f", r.RiskPercent)
	}
	if r.SLATRMult <= 0 {
		add("risk.sl_atr_mult must be positive")
	}
	if r.RewardRatio <= 0 {
		add("risk.reward_ratio must be positive")
	}
	if r.MaxPositions < 1 {
		add("risk.max_positions must be >= 1")
	}
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct >= 100 {
		add("risk.max_drawdown_pct must be in (0, 100)")
	}
	if r.RecoveryPct <= 0 {
		add("risk.recovery_pct must be positive")
	}
	if r.SessionFilter {
		if r.SessionStartHour < 0 || r.SessionStartHour > 23 ||
			r.SessionEndHour < 0 || r.SessionEndHour > 24 ||
			r.SessionStartHour >= r.SessionEndHour {
			add("risk session hours are invalid: start=%d end=%d", r.SessionStartHour, r.SessionEndHour)
		}
	}

	p := c.Position
	if p.BreakevenEnabled && p.BreakevenTriggerATR <= 0 {
		add("position.breakeven_trigger_atr must be positive")
	}
	if p.TrailingEnabled && p.TrailingATRMult <= 0 {
		add("position.trailing_atr_mult must be positive")
	}
	if p.PartialCloseEnabled && (p.PartialClosePercent <= 0 || p.PartialClosePercent >= 100) {
		add("position.partial_close_percent must be in (0, 100), got %.1f", p.PartialClosePercent)
	}
	if p.ActionCooldownSeconds < 1 {
		add("position.action_cooldown_seconds must be >= 1")
	}
	if p.MaxInvalidStopRetries < 1 {
		add("position.max_invalid_stop_retries must be >= 1")
	}

	f := c.Feed
	if f.ATRPeriod < 2 {
		add("feed.atr_period must be >= 2")
	}
	if f.RetryLimit < 1 {
		add("feed.retry_limit must be >= 1")
	}
	if f.RetryDelayMs < 0 {
		add("feed.retry_delay_ms must not be negative")
	}

	if c.Polling.TimerIntervalMs < 100 {
		add("polling.timer_interval_ms must be >= 100")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
