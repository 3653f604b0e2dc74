package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file should succeed with defaults: %v", err)
	}

	if cfg.Spend.MonthlyCapUSD != DefaultMonthlyCapUSD {
		t.Errorf("Expected default cap %.2f, got %.2f", DefaultMonthlyCapUSD, cfg.Spend.MonthlyCapUSD)
	}
	if cfg.Spend.CapBehavior != CapBehaviorWarnOnly {
		t.Errorf("Expected default behavior warn_only, got %s", cfg.Spend.CapBehavior)
	}
	if cfg.Broker.MaxChainDepth != DefaultMaxChainDepth {
		t.Errorf("Expected default chain depth %d, got %d", DefaultMaxChainDepth, cfg.Broker.MaxChainDepth)
	}
	if !cfg.AutoPromoteEnabled() || !cfg.InjectionEnabled() || !cfg.DistillEnabled() {
		t.Error("Learning toggles should default to enabled")
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFilename)
	content := `
spend:
  monthly_cap_usd: 750
  cap_behavior: hard_stop
learning:
  auto_promote_patterns: false
broker:
  max_chain_depth: 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Spend.MonthlyCapUSD != 750 {
		t.Errorf("Expected cap 750, got %.2f", cfg.Spend.MonthlyCapUSD)
	}
	if cfg.Spend.CapBehavior != CapBehaviorHardStop {
		t.Errorf("Expected hard_stop, got %s", cfg.Spend.CapBehavior)
	}
	if cfg.AutoPromoteEnabled() {
		t.Error("Explicit false for auto_promote_patterns should stick")
	}
	if !cfg.InjectionEnabled() {
		t.Error("Omitted knowledge_injection should default to enabled")
	}
	if cfg.Broker.MaxChainDepth != 5 {
		t.Errorf("Expected chain depth 5, got %d", cfg.Broker.MaxChainDepth)
	}
	// Omitted sections still get defaults.
	if cfg.Distill.SpotCheckFrequency != DefaultSpotCheckFrequency {
		t.Errorf("Expected default spot check frequency, got %d", cfg.Distill.SpotCheckFrequency)
	}
}

func TestLoadInvalidBehavior(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFilename)
	content := "spend:\n  cap_behavior: explode\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected validation error for unknown cap_behavior")
	}
}

func TestModelLookup(t *testing.T) {
	info := GetModelInfo(ModelClaudeHaiku45)
	if info.Tier != TierCheap {
		t.Errorf("Expected haiku to be cheap tier, got %s", info.Tier)
	}

	// Unrecognized models bill at the default pricing model's rates.
	fallback := GetModelInfo("some-unknown-model")
	if fallback != KnownModels[DefaultPricingModel] {
		t.Error("Unknown model should fall back to default pricing")
	}

	if _, err := ModelForTier("platinum"); err == nil {
		t.Error("Expected error for unknown tier")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFilename)
	cfg := DefaultConfig()
	cfg.Spend.MonthlyCapUSD = 1234.5

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to reload config: %v", err)
	}
	if loaded.Spend.MonthlyCapUSD != 1234.5 {
		t.Errorf("Expected cap 1234.5 after round trip, got %.2f", loaded.Spend.MonthlyCapUSD)
	}
}
