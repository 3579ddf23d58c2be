package store

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is read once at startup and immutable for the run. Runtime
// reweighting means producing a new Config and restarting, never mutating
// this one in place.
type Config struct {
	Mode        string   `yaml:"mode"` // SIM or LIVE
	Exchange    string   `yaml:"exchange"`
	Symbols     []string `yaml:"symbols"`
	PollSeconds int      `yaml:"poll_seconds"`

	Aggregator struct {
		MinSources     int                `yaml:"min_sources"`
		EntryThreshold float64            `yaml:"entry_threshold"`    // 0..100
		Epsilon        float64            `yaml:"epsilon"`
		SignalTTLSec   int                `yaml:"signal_ttl_seconds"`
		SourceWeights  map[string]float64 `yaml:"source_weights"`
	} `yaml:"aggregator"`

	Risk struct {
		PerTradeRiskFraction float64 `yaml:"per_trade_risk_fraction"`
		MaxPositionFraction  float64 `yaml:"max_position_fraction"`
		MaxExposureFraction  float64 `yaml:"max_exposure_fraction"`
		MinRiskReward        float64 `yaml:"min_risk_reward"`
		TargetMultiplier     float64 `yaml:"target_multiplier"`
		StopATRMultiplier    float64 `yaml:"stop_atr_multiplier"`
		MinStopFraction      float64 `yaml:"min_stop_fraction"`
		MaxStopFraction      float64 `yaml:"max_stop_fraction"`
		VolBaseline          float64 `yaml:"vol_baseline"`            // volatility as fraction of price
		VolCeiling           float64 `yaml:"vol_ceiling"`
		LossStreakFactor     float64 `yaml:"loss_streak_factor"`      // per-loss budget multiplier
	} `yaml:"risk"`

	Halts struct {
		MaxDrawdown          float64 `yaml:"max_drawdown"`
		MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
		DailyLossLimit       float64 `yaml:"daily_loss_limit"`
	} `yaml:"halts"`

	Orders struct {
		MaxRetries       int     `yaml:"max_retries"`
		BackoffBaseMs    int     `yaml:"backoff_base_ms"`
		BackoffMaxMs     int     `yaml:"backoff_max_ms"`
		LimitWindowSec   int     `yaml:"limit_window_seconds"`
		LimitOffsetBps   float64 `yaml:"limit_offset_bps"`       // limit price offset from reference
		SubmitTimeoutSec int     `yaml:"submit_timeout_seconds"`
	} `yaml:"orders"`

	Ledger struct {
		TrailFraction       float64 `yaml:"trail_fraction"`        // of stop distance
		ProfitGateFraction  float64 `yaml:"profit_gate"`           // favorable move before trailing starts
		PartialTakeLevel    float64 `yaml:"partial_take_level"`    // fraction of target distance
		PartialTakeFraction float64 `yaml:"partial_take_fraction"`
		TimeStopMinutes     int     `yaml:"time_stop_minutes"`
		TimeStopMinMove     float64 `yaml:"time_stop_min_move"`    // fraction of stop distance
	} `yaml:"ledger"`

	Account struct {
		InitialEquity float64 `yaml:"initial_equity"`
	} `yaml:"account"`

	Audit struct {
		Dir        string `yaml:"dir"`
		SQLitePath string `yaml:"sqlite_path"`
		RetainDays int    `yaml:"retain_days"`
	} `yaml:"audit"`

	Alerts struct {
		Telegram bool `yaml:"telegram"`
	} `yaml:"alerts"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

func (c *Config) SignalTTL() time.Duration {
	return time.Duration(c.Aggregator.SignalTTLSec) * time.Second
}

func (c *Config) LimitWindow() time.Duration {
	return time.Duration(c.Orders.LimitWindowSec) * time.Second
}

func (c *Config) TimeStopWindow() time.Duration {
	return time.Duration(c.Ledger.TimeStopMinutes) * time.Minute
}

func (c *Config) Validate() error {
	if c.Mode != "SIM" && c.Mode != "LIVE" {
		return fmt.Errorf("invalid mode '%s': must be 'SIM' or 'LIVE'", c.Mode)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols cannot be empty")
	}
	if c.Risk.PerTradeRiskFraction <= 0 || c.Risk.PerTradeRiskFraction > 0.1 {
		return fmt.Errorf("risk.per_trade_risk_fraction must be in (0, 0.1], got %.4f", c.Risk.PerTradeRiskFraction)
	}
	if c.Risk.MaxExposureFraction <= 0 || c.Risk.MaxExposureFraction > 1 {
		return fmt.Errorf("risk.max_exposure_fraction must be in (0, 1], got %.4f", c.Risk.MaxExposureFraction)
	}
	if c.Risk.MinRiskReward < 1 {
		return fmt.Errorf("risk.min_risk_reward must be >= 1, got %.2f", c.Risk.MinRiskReward)
	}
	if c.Risk.TargetMultiplier <= 0 {
		return fmt.Errorf("risk.target_multiplier must be positive, got %.2f", c.Risk.TargetMultiplier)
	}
	if c.Aggregator.MinSources < 1 {
		return fmt.Errorf("aggregator.min_sources must be >= 1, got %d", c.Aggregator.MinSources)
	}
	if c.Halts.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("halts.max_consecutive_losses must be >= 1, got %d", c.Halts.MaxConsecutiveLosses)
	}
	if c.Account.InitialEquity <= 0 {
		return fmt.Errorf("account.initial_equity must be positive, got %.2f", c.Account.InitialEquity)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if c.PollSeconds == 0 {
		c.PollSeconds = 15
	}
	if c.Aggregator.SignalTTLSec == 0 {
		c.Aggregator.SignalTTLSec = 300
	}
	if c.Aggregator.Epsilon == 0 {
		c.Aggregator.Epsilon = 1e-6
	}
	if c.Risk.TargetMultiplier == 0 {
		c.Risk.TargetMultiplier = 2.0
	}
	if c.Risk.MinStopFraction == 0 {
		c.Risk.MinStopFraction = 0.01
	}
	if c.Risk.MaxStopFraction == 0 {
		c.Risk.MaxStopFraction = 0.05
	}
	if c.Risk.LossStreakFactor == 0 {
		c.Risk.LossStreakFactor = 0.8
	}
	if c.Orders.MaxRetries == 0 {
		c.Orders.MaxRetries = 3
	}
	if c.Orders.BackoffBaseMs == 0 {
		c.Orders.BackoffBaseMs = 500
	}
	if c.Orders.BackoffMaxMs == 0 {
		c.Orders.BackoffMaxMs = 10000
	}
	if c.Orders.LimitWindowSec == 0 {
		c.Orders.LimitWindowSec = 60
	}
	if c.Orders.SubmitTimeoutSec == 0 {
		c.Orders.SubmitTimeoutSec = 10
	}
	if c.Ledger.TrailFraction == 0 {
		c.Ledger.TrailFraction = 1.0
	}
	if c.Ledger.TimeStopMinutes == 0 {
		c.Ledger.TimeStopMinutes = 240
	}
	if c.Ledger.TimeStopMinMove == 0 {
		c.Ledger.TimeStopMinMove = 0.25
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = "logs"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":8000"
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}
