package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validStrategy() StrategyConfig {
	return StrategyConfig{
		SignalThreshold: 0.6,
		DirectionMode:   DirectionBoth,
		MaxContracts:    5,
		Risk: RiskConfig{
			TrailingEnabled: true,
			ActivationPct:   25,
			TrailPct:        15,
			ProfitTargets: []ProfitTarget{
				{TriggerPct: 20, ExitPct: 50},
				{TriggerPct: 40, ExitPct: 50},
			},
		},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	if err := validStrategy().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejectsProfitTargetsOver100(t *testing.T) {
	cfg := validStrategy()
	cfg.Risk.ProfitTargets = []ProfitTarget{
		{TriggerPct: 20, ExitPct: 60},
		{TriggerPct: 40, ExitPct: 60},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rejection when exit percentages sum past 100")
	}
}

func TestValidateRejectsBadDirectionMode(t *testing.T) {
	cfg := validStrategy()
	cfg.DirectionMode = "sideways"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rejection of unknown direction mode")
	}
	cfg.DirectionMode = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rejection of missing direction mode")
	}
}

func TestValidateRejectsBadScanWindow(t *testing.T) {
	cfg := validStrategy()
	cfg.ScanStart = "9am"
	cfg.ScanEnd = "15:45"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rejection of non-HH:MM scan window")
	}
}

func TestValidateRejectsBadTrailing(t *testing.T) {
	cfg := validStrategy()
	cfg.Risk.TrailPct = 100
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rejection of trail_pct >= 100")
	}
	cfg = validStrategy()
	cfg.Risk.ActivationPct = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rejection of zero activation with trailing enabled")
	}
}

func TestValidateRejectsLadderedStopWithoutTiers(t *testing.T) {
	cfg := validStrategy()
	cfg.Risk.StopLossEnabled = true
	cfg.Risk.StopLossType = StopLaddered
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rejection of laddered stop without tiers")
	}
}

func TestScanWindow(t *testing.T) {
	cfg := validStrategy()
	cfg.ScanStart = "09:35"
	cfg.ScanEnd = "15:45"

	inside := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	outside := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	if !cfg.InScanWindow(inside) {
		t.Fatal("11:00 should be inside 09:35-15:45")
	}
	if cfg.InScanWindow(outside) {
		t.Fatal("16:00 should be outside 09:35-15:45")
	}

	open := validStrategy()
	if !open.InScanWindow(outside) {
		t.Fatal("empty window means always-on")
	}
}

func TestEqualDetectsIdenticalConfigs(t *testing.T) {
	a := validStrategy()
	b := validStrategy()
	if !a.Equal(b) {
		t.Fatal("identical configs compared unequal")
	}
	b.MaxContracts = 1
	if a.Equal(b) {
		t.Fatal("different configs compared equal")
	}
}

func TestDefaults(t *testing.T) {
	var cfg StrategyConfig
	if got := cfg.DecisionInterval(); got != 60*time.Second {
		t.Fatalf("decision interval default = %s, want 60s", got)
	}
	var risk RiskConfig
	if got := risk.ExitOrderTimeout(); got != 20*time.Second {
		t.Fatalf("exit order timeout default = %s, want 20s", got)
	}
}

func TestLoadValidatesTickers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	good := `{
		"api_server_port": 8080,
		"order_budget": 5,
		"tickers": [
			{"ticker": "TSLA", "config": {"signal_threshold": 0.6, "direction_mode": "both", "max_contracts": 2, "risk": {}}}
		]
	}`
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OrderBudget != 5 || len(cfg.Tickers) != 1 {
		t.Fatalf("loaded config = %+v", cfg)
	}

	dup := `{
		"order_budget": 5,
		"tickers": [
			{"ticker": "TSLA", "config": {"signal_threshold": 0.6, "direction_mode": "both", "max_contracts": 2, "risk": {}}},
			{"ticker": "TSLA", "config": {"signal_threshold": 0.6, "direction_mode": "both", "max_contracts": 2, "risk": {}}}
		]
	}`
	if err := os.WriteFile(path, []byte(dup), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected rejection of duplicated ticker")
	}
}
