package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default values applied when the config file is absent or omits a field.
const (
	DefaultMonthlyCapUSD         = 500.0
	DefaultCapBehavior           = CapBehaviorWarnOnly
	DefaultReflectionMinutes     = 60
	DefaultMinSignalsPerPattern  = 3
	DefaultMaxInjectedPatterns   = 5
	DefaultMaxExemplarsPerPrompt = 8
	DefaultMinExemplars          = 50
	DefaultHandoffThreshold      = 0.9
	DefaultRevertThreshold       = 0.75
	DefaultSpotCheckFrequency    = 10
	DefaultMaxChainDepth         = 3
	DefaultRequestTTLMinutes     = 60
	DefaultSweepIntervalMinutes  = 5
)

// DefaultConfig returns a configuration populated entirely from defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads configuration from a YAML file, applying defaults for any
// missing sections or fields. A missing file is not an error: the
// documented defaults are used instead.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Missing config falls back to defaults rather than failing.
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills in any nil sections and zero-valued fields.
//
//nolint:cyclop // Straight-line field defaulting
func applyDefaults(cfg *Config) {
	if cfg.Spend == nil {
		cfg.Spend = &SpendConfig{}
	}
	if cfg.Spend.MonthlyCapUSD == 0 {
		cfg.Spend.MonthlyCapUSD = DefaultMonthlyCapUSD
	}
	if cfg.Spend.CapBehavior == "" {
		cfg.Spend.CapBehavior = DefaultCapBehavior
	}

	if cfg.Learning == nil {
		cfg.Learning = &LearningConfig{}
	}
	if cfg.Learning.ReflectionIntervalMinutes == 0 {
		cfg.Learning.ReflectionIntervalMinutes = DefaultReflectionMinutes
	}
	if cfg.Learning.MinSignalsPerPattern == 0 {
		cfg.Learning.MinSignalsPerPattern = DefaultMinSignalsPerPattern
	}
	if cfg.Learning.MaxInjectedPatterns == 0 {
		cfg.Learning.MaxInjectedPatterns = DefaultMaxInjectedPatterns
	}

	if cfg.Distill == nil {
		cfg.Distill = &DistillConfig{}
	}
	if cfg.Distill.MaxExemplarsPerPrompt == 0 {
		cfg.Distill.MaxExemplarsPerPrompt = DefaultMaxExemplarsPerPrompt
	}
	if cfg.Distill.MinExemplars == 0 {
		cfg.Distill.MinExemplars = DefaultMinExemplars
	}
	if cfg.Distill.HandoffThreshold == 0 {
		cfg.Distill.HandoffThreshold = DefaultHandoffThreshold
	}
	if cfg.Distill.RevertThreshold == 0 {
		cfg.Distill.RevertThreshold = DefaultRevertThreshold
	}
	if cfg.Distill.SpotCheckFrequency == 0 {
		cfg.Distill.SpotCheckFrequency = DefaultSpotCheckFrequency
	}

	if cfg.Broker == nil {
		cfg.Broker = &BrokerConfig{}
	}
	if cfg.Broker.MaxChainDepth == 0 {
		cfg.Broker.MaxChainDepth = DefaultMaxChainDepth
	}
	if cfg.Broker.RequestTTLMinutes == 0 {
		cfg.Broker.RequestTTLMinutes = DefaultRequestTTLMinutes
	}
	if cfg.Broker.SweepIntervalMinutes == 0 {
		cfg.Broker.SweepIntervalMinutes = DefaultSweepIntervalMinutes
	}

	if cfg.Debug == nil {
		cfg.Debug = &DebugConfig{}
	}
}

// Save writes the configuration to a YAML file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
