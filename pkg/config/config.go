// Package config manages configuration for the learning coordination subsystem.
//
// IMPORTANT: the Config structure contains only user-configurable settings.
// Model pricing, tier mappings, and other static data are hardcoded in
// KnownModels and the tier constants below.
package config

import (
	"fmt"
	"time"
)

// ModelInfo contains static information about a known LLM model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider  string  // API provider (anthropic, openai)
	Tier      string  // Cost tier (strong, cheap)
	InputCPM  float64 // Cost per million input tokens (USD)
	OutputCPM float64 // Cost per million output tokens (USD)
}

// KnownModels registry contains pricing and tier information for common models.
// Unrecognized models are billed at the DefaultPricingModel's rates.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	// Claude models (Anthropic)
	"claude-sonnet-4-5": {
		Provider:  ProviderAnthropic,
		Tier:      TierStrong,
		InputCPM:  3.0,
		OutputCPM: 15.0,
	},
	"claude-opus-4-5": {
		Provider:  ProviderAnthropic,
		Tier:      TierStrong,
		InputCPM:  15.0,
		OutputCPM: 75.0,
	},
	"claude-haiku-4-5": {
		Provider:  ProviderAnthropic,
		Tier:      TierCheap,
		InputCPM:  1.0,
		OutputCPM: 5.0,
	},

	// OpenAI models
	"gpt-4o": {
		Provider:  ProviderOpenAI,
		Tier:      TierStrong,
		InputCPM:  2.5,
		OutputCPM: 10.0,
	},
	"gpt-4o-mini": {
		Provider:  ProviderOpenAI,
		Tier:      TierCheap,
		InputCPM:  0.15,
		OutputCPM: 0.6,
	},
	"o4-mini": {
		Provider:  ProviderOpenAI,
		Tier:      TierCheap,
		InputCPM:  1.1,
		OutputCPM: 4.4,
	},
}

const (
	// Model name constants.
	ModelClaudeSonnet45 = "claude-sonnet-4-5"
	ModelClaudeOpus45   = "claude-opus-4-5"
	ModelClaudeHaiku45  = "claude-haiku-4-5"
	ModelGPT4o          = "gpt-4o"
	ModelGPT4oMini      = "gpt-4o-mini"
	ModelOpenAIO4Mini   = "o4-mini"

	// Tier constants for the distillation router.
	TierStrong = "strong"
	TierCheap  = "cheap"

	// Default tier members.
	DefaultStrongModel  = ModelClaudeSonnet45
	DefaultCheapModel   = ModelClaudeHaiku45
	DefaultPricingModel = ModelClaudeSonnet45

	// Provider constants.
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	// Spend-cap behavior constants.
	CapBehaviorHardStop     = "hard_stop"
	CapBehaviorWarnOnly     = "warn_only"
	CapBehaviorDegradeModel = "degrade_model"

	// Project file constants.
	ConfigFilename   = "dealdesk.yaml"
	DatabaseFilename = "dealdesk.db"
)

// GetModelInfo returns pricing/tier info for a model, falling back to the
// default pricing model for unrecognized identifiers.
func GetModelInfo(model string) ModelInfo {
	if info, ok := KnownModels[model]; ok {
		return info
	}
	return KnownModels[DefaultPricingModel]
}

// ModelForTier returns the default model for a cost tier.
func ModelForTier(tier string) (string, error) {
	switch tier {
	case TierStrong:
		return DefaultStrongModel, nil
	case TierCheap:
		return DefaultCheapModel, nil
	default:
		return "", fmt.Errorf("unknown model tier %q", tier)
	}
}

// SpendConfig contains spend admission settings.
type SpendConfig struct {
	MonthlyCapUSD float64 `yaml:"monthly_cap_usd"` // Monthly learning spend cap (default: 500)
	CapBehavior   string  `yaml:"cap_behavior"`    // hard_stop, warn_only, or degrade_model (default: warn_only)
}

// LearningConfig contains pattern lifecycle settings.
// Pointer booleans distinguish "omitted" from an explicit false (default: true).
type LearningConfig struct {
	ReflectionIntervalMinutes int   `yaml:"reflection_interval_minutes"` // How often pattern detection runs (default: 60)
	MinSignalsPerPattern      int   `yaml:"min_signals_per_pattern"`     // Occurrences before a candidate is proposed (default: 3)
	AutoPromotePatterns       *bool `yaml:"auto_promote_patterns"`       // Whether threshold transitions apply automatically (default: true)
	KnowledgeInjection        *bool `yaml:"knowledge_injection"`         // Whether learned instructions are injected into prompts (default: true)
	MaxInjectedPatterns       int   `yaml:"max_injected_patterns"`       // Cap on injected instructions per prompt (default: 5)
}

// DistillConfig contains model distillation router settings.
type DistillConfig struct {
	Enabled               *bool   `yaml:"enabled"`                  // Whether distillation routing is active (default: true)
	AutoHandoff           bool    `yaml:"auto_handoff"`             // Whether handoff happens without manual approval (default: false)
	MaxExemplarsPerPrompt int     `yaml:"max_exemplars_per_prompt"` // Exemplars included when prompting the cheap tier (default: 8)
	MinExemplars          int     `yaml:"min_exemplars"`            // Exemplars collected before testing begins (default: 50)
	HandoffThreshold      float64 `yaml:"handoff_threshold"`        // Score at or above which handoff is allowed (default: 0.9)
	RevertThreshold       float64 `yaml:"revert_threshold"`         // Score below which a spot check counts as low (default: 0.75)
	SpotCheckFrequency    int     `yaml:"spot_check_frequency"`     // Every Nth post-handoff call is dual-routed (default: 10)
}

// BrokerConfig contains agent request broker settings.
type BrokerConfig struct {
	MaxChainDepth        int `yaml:"max_chain_depth"`        // Maximum unresolved requests per originator per deal (default: 3)
	RequestTTLMinutes    int `yaml:"request_ttl_minutes"`    // Hard TTL on pending requests (default: 60)
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"` // How often the expiry sweep runs (default: 5)
}

// DebugConfig contains debug settings.
type DebugConfig struct {
	Enabled bool     `yaml:"enabled"` // Enable debug logging (default: false)
	Domains []string `yaml:"domains"` // Restrict debug output to these domains (default: all)
}

// Config represents the main configuration for the learning coordination core.
type Config struct {
	Spend    *SpendConfig    `yaml:"spend"`    // Spend admission settings
	Learning *LearningConfig `yaml:"learning"` // Pattern lifecycle settings
	Distill  *DistillConfig  `yaml:"distill"`  // Distillation router settings
	Broker   *BrokerConfig   `yaml:"broker"`   // Agent request broker settings
	Debug    *DebugConfig    `yaml:"debug"`    // Debug settings
}

// ReflectionInterval returns the pattern detection interval as a duration.
func (c *Config) ReflectionInterval() time.Duration {
	return time.Duration(c.Learning.ReflectionIntervalMinutes) * time.Minute
}

// RequestTTL returns the broker request TTL as a duration.
func (c *Config) RequestTTL() time.Duration {
	return time.Duration(c.Broker.RequestTTLMinutes) * time.Minute
}

// SweepInterval returns the expiry sweep interval as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Broker.SweepIntervalMinutes) * time.Minute
}

// AutoPromoteEnabled reports whether automatic lifecycle promotion is on.
func (c *Config) AutoPromoteEnabled() bool {
	return c.Learning.AutoPromotePatterns == nil || *c.Learning.AutoPromotePatterns
}

// InjectionEnabled reports whether learned-instruction injection is on.
func (c *Config) InjectionEnabled() bool {
	return c.Learning.KnowledgeInjection == nil || *c.Learning.KnowledgeInjection
}

// DistillEnabled reports whether distillation routing is active.
func (c *Config) DistillEnabled() bool {
	return c.Distill.Enabled == nil || *c.Distill.Enabled
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Spend.MonthlyCapUSD < 0 {
		return fmt.Errorf("spend.monthly_cap_usd must be non-negative, got %.2f", c.Spend.MonthlyCapUSD)
	}
	switch c.Spend.CapBehavior {
	case CapBehaviorHardStop, CapBehaviorWarnOnly, CapBehaviorDegradeModel:
	default:
		return fmt.Errorf("spend.cap_behavior %q: must be one of %s, %s, %s",
			c.Spend.CapBehavior, CapBehaviorHardStop, CapBehaviorWarnOnly, CapBehaviorDegradeModel)
	}
	if c.Broker.MaxChainDepth < 1 {
		return fmt.Errorf("broker.max_chain_depth must be at least 1, got %d", c.Broker.MaxChainDepth)
	}
	if c.Broker.RequestTTLMinutes < 1 {
		return fmt.Errorf("broker.request_ttl_minutes must be at least 1, got %d", c.Broker.RequestTTLMinutes)
	}
	if c.Learning.MinSignalsPerPattern < 1 {
		return fmt.Errorf("learning.min_signals_per_pattern must be at least 1, got %d", c.Learning.MinSignalsPerPattern)
	}
	if c.Distill.HandoffThreshold <= c.Distill.RevertThreshold {
		return fmt.Errorf("distill.handoff_threshold (%.2f) must exceed revert_threshold (%.2f)",
			c.Distill.HandoffThreshold, c.Distill.RevertThreshold)
	}
	if c.Distill.SpotCheckFrequency < 1 {
		return fmt.Errorf("distill.spot_check_frequency must be at least 1, got %d", c.Distill.SpotCheckFrequency)
	}
	return nil
}
