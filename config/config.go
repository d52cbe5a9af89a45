package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Direction modes for a strategy.
const (
	DirectionBoth      = "both"
	DirectionLongOnly  = "long_only"
	DirectionShortOnly = "short_only"
)

// Stop-loss types.
const (
	StopFixed    = "fixed"
	StopLaddered = "laddered"
)

// ProfitTarget exits ExitPct percent of the position's original quantity once
// unrealized gain reaches TriggerPct. Each target fires at most once.
type ProfitTarget struct {
	TriggerPct float64 `json:"trigger_pct"`
	ExitPct    float64 `json:"exit_pct"`
}

// StopTier exits ExitPct percent of the remaining quantity once unrealized
// loss reaches TriggerPct. Only used with the laddered stop type.
type StopTier struct {
	TriggerPct float64 `json:"trigger_pct"`
	ExitPct    float64 `json:"exit_pct"`
}

// RiskConfig nests the exit-level parameters inside a strategy config.
type RiskConfig struct {
	StopLossEnabled bool       `json:"stop_loss_enabled"`
	StopLossType    string     `json:"stop_loss_type,omitempty"` // "fixed" or "laddered"
	StopLossPct     float64    `json:"stop_loss_pct,omitempty"`  // fixed stop trigger
	StopTiers       []StopTier `json:"stop_tiers,omitempty"`

	TrailingEnabled bool    `json:"trailing_enabled"`
	ActivationPct   float64 `json:"activation_pct,omitempty"`
	TrailPct        float64 `json:"trail_pct,omitempty"`

	ProfitTargets []ProfitTarget `json:"profit_targets,omitempty"`

	ExitOrderTimeoutSeconds int `json:"exit_order_timeout_seconds,omitempty"` // default 20
}

// ExitOrderTimeout returns the configured exit placement timeout.
func (r RiskConfig) ExitOrderTimeout() time.Duration {
	if r.ExitOrderTimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(r.ExitOrderTimeoutSeconds) * time.Second
}

// StrategyConfig holds every per-ticker knob. A controller only ever runs a
// config that passed Validate; partial or unapplied edits stay on the UI side.
type StrategyConfig struct {
	SignalThreshold   float64 `json:"signal_threshold"`
	MinSignalStrength float64 `json:"min_signal_strength"`
	CooldownSeconds   int     `json:"cooldown_seconds"`

	DecisionIntervalSeconds int    `json:"decision_interval_seconds"`
	ScanStart               string `json:"scan_start"` // "09:35", ticker-local trading day
	ScanEnd                 string `json:"scan_end"`   // "15:45"

	DirectionMode string `json:"direction_mode"` // both / long_only / short_only
	AutoEntry     bool   `json:"auto_entry"`
	PaperTrading  bool   `json:"paper_trading,omitempty"`

	MaxContracts int     `json:"max_contracts"`
	DollarBudget float64 `json:"dollar_budget,omitempty"`

	PreferredDTE       []int   `json:"preferred_dte,omitempty"`
	MaxSpreadPct       float64 `json:"max_spread_pct,omitempty"`
	PremiumMin         float64 `json:"premium_min,omitempty"`
	PremiumMax         float64 `json:"premium_max,omitempty"`
	MaxStraddleRichPct float64 `json:"max_straddle_rich_pct,omitempty"` // 0 disables the gate

	Risk RiskConfig `json:"risk"`
}

// DecisionInterval returns the loop period, defaulting to 60s.
func (c StrategyConfig) DecisionInterval() time.Duration {
	if c.DecisionIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.DecisionIntervalSeconds) * time.Second
}

// Cooldown returns the minimum gap between fired signals.
func (c StrategyConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// InScanWindow reports whether now (in its own location) falls inside the
// configured scan window. An empty window means always-on.
func (c StrategyConfig) InScanWindow(now time.Time) bool {
	if c.ScanStart == "" || c.ScanEnd == "" {
		return true
	}
	start, err1 := parseClock(c.ScanStart)
	end, err2 := parseClock(c.ScanEnd)
	if err1 != nil || err2 != nil {
		return true
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= start && minutes <= end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Validate rejects a config at apply time. The previously applied config
// stays active when validation fails.
func (c StrategyConfig) Validate() error {
	if c.SignalThreshold < 0 || c.SignalThreshold > 1 {
		return fmt.Errorf("signal_threshold must be within [0,1], got %g", c.SignalThreshold)
	}
	if c.MinSignalStrength < 0 {
		return fmt.Errorf("min_signal_strength must be non-negative, got %g", c.MinSignalStrength)
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown_seconds must be non-negative, got %d", c.CooldownSeconds)
	}
	if c.DecisionIntervalSeconds < 0 {
		return fmt.Errorf("decision_interval_seconds must be non-negative, got %d", c.DecisionIntervalSeconds)
	}
	if c.MaxContracts <= 0 {
		return fmt.Errorf("max_contracts must be positive, got %d", c.MaxContracts)
	}
	switch c.DirectionMode {
	case DirectionBoth, DirectionLongOnly, DirectionShortOnly:
	case "":
		return fmt.Errorf("direction_mode is required")
	default:
		return fmt.Errorf("direction_mode must be 'both', 'long_only' or 'short_only', got '%s'", c.DirectionMode)
	}
	if c.ScanStart != "" || c.ScanEnd != "" {
		if _, err := parseClock(c.ScanStart); err != nil {
			return fmt.Errorf("scan_start '%s' is not HH:MM", c.ScanStart)
		}
		if _, err := parseClock(c.ScanEnd); err != nil {
			return fmt.Errorf("scan_end '%s' is not HH:MM", c.ScanEnd)
		}
	}
	if c.PremiumMin < 0 || (c.PremiumMax > 0 && c.PremiumMax < c.PremiumMin) {
		return fmt.Errorf("premium band [%g,%g] is invalid", c.PremiumMin, c.PremiumMax)
	}
	if c.MaxSpreadPct < 0 {
		return fmt.Errorf("max_spread_pct must be non-negative, got %g", c.MaxSpreadPct)
	}
	return c.Risk.Validate()
}

// Validate enforces the exit-ladder invariants at apply time, never silently
// at runtime.
func (r RiskConfig) Validate() error {
	if r.TrailingEnabled {
		if r.ActivationPct <= 0 {
			return fmt.Errorf("trailing activation_pct must be positive, got %g", r.ActivationPct)
		}
		if r.TrailPct <= 0 || r.TrailPct >= 100 {
			return fmt.Errorf("trail_pct must be within (0,100), got %g", r.TrailPct)
		}
	}
	if r.StopLossEnabled {
		switch r.StopLossType {
		case StopFixed, "":
			if r.StopLossPct <= 0 {
				return fmt.Errorf("stop_loss_pct must be positive, got %g", r.StopLossPct)
			}
		case StopLaddered:
			if len(r.StopTiers) == 0 {
				return fmt.Errorf("laddered stop requires at least one tier")
			}
			for i, tier := range r.StopTiers {
				if tier.TriggerPct <= 0 {
					return fmt.Errorf("stop_tiers[%d]: trigger_pct must be positive, got %g", i, tier.TriggerPct)
				}
				if tier.ExitPct <= 0 || tier.ExitPct > 100 {
					return fmt.Errorf("stop_tiers[%d]: exit_pct must be within (0,100], got %g", i, tier.ExitPct)
				}
			}
		default:
			return fmt.Errorf("stop_loss_type must be 'fixed' or 'laddered', got '%s'", r.StopLossType)
		}
	}

	sum := 0.0
	for i, pt := range r.ProfitTargets {
		if pt.TriggerPct <= 0 {
			return fmt.Errorf("profit_targets[%d]: trigger_pct must be positive, got %g", i, pt.TriggerPct)
		}
		if pt.ExitPct <= 0 || pt.ExitPct > 100 {
			return fmt.Errorf("profit_targets[%d]: exit_pct must be within (0,100], got %g", i, pt.ExitPct)
		}
		sum += pt.ExitPct
	}
	if sum > 100 {
		return fmt.Errorf("profit target exit percentages sum to %.1f%%, must not exceed 100%%", sum)
	}
	return nil
}

// Equal reports whether two configs are identical, used to make re-applying
// the same config a no-op.
func (c StrategyConfig) Equal(other StrategyConfig) bool {
	a, err1 := json.Marshal(c)
	b, err2 := json.Marshal(other)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(a) == string(b)
}

// TickerConfig pairs a ticker with its strategy config, the unit bmc-start
// accepts.
type TickerConfig struct {
	Ticker string         `json:"ticker"`
	Config StrategyConfig `json:"config"`
}

// Config is the engine's startup configuration file.
type Config struct {
	APIServerPort      int    `json:"api_server_port"`
	QuoteFeedURL       string `json:"quote_feed_url"`
	BrokerBridgeURL    string `json:"broker_bridge_url,omitempty"`
	BrokerAPIKey       string `json:"broker_api_key,omitempty"`
	BrokerSecretKey    string `json:"broker_secret_key,omitempty"`
	DryRun             bool   `json:"dry_run,omitempty"`
	OrderBudget        int64  `json:"order_budget"`
	StaleQuoteSeconds  int    `json:"stale_quote_seconds,omitempty"`
	SignalHistoryDepth int    `json:"signal_history_depth,omitempty"`
	PostgresURL        string `json:"postgres_url,omitempty"`

	Tickers []TickerConfig `json:"tickers,omitempty"`
}

// StaleQuoteHorizon returns the staleness horizon, defaulting to 10s.
func (c *Config) StaleQuoteHorizon() time.Duration {
	if c.StaleQuoteSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.StaleQuoteSeconds) * time.Second
}

// Load reads and validates the engine config file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the engine-level config plus every ticker config.
func (c *Config) Validate() error {
	if c.APIServerPort < 0 || c.APIServerPort > 65535 {
		return fmt.Errorf("api_server_port %d is out of range", c.APIServerPort)
	}
	if c.OrderBudget < 0 {
		return fmt.Errorf("order_budget must be non-negative, got %d", c.OrderBudget)
	}
	seen := make(map[string]bool)
	for i, tc := range c.Tickers {
		if tc.Ticker == "" {
			return fmt.Errorf("tickers[%d]: ticker is required", i)
		}
		if seen[tc.Ticker] {
			return fmt.Errorf("tickers[%d]: ticker '%s' is duplicated", i, tc.Ticker)
		}
		seen[tc.Ticker] = true
		if err := tc.Config.Validate(); err != nil {
			return fmt.Errorf("tickers[%d] (%s): %w", i, tc.Ticker, err)
		}
	}
	return nil
}
