// Package config loads and validates voiceos configuration from
// <state-dir>/config.yaml and manages the hot-reloadable confidence
// threshold.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all voiceos configuration.
type Config struct {
	// Database settings
	Database DatabaseConfig `yaml:"database"`

	// Resolver settings
	Resolver ResolverConfig `yaml:"resolver"`

	// NLU scorer settings
	Scorer ScorerConfig `yaml:"scorer"`

	// Learning feedback settings
	Learning LearningConfig `yaml:"learning"`

	// Store maintenance settings
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ResolverConfig configures the disambiguation engine.
type ResolverConfig struct {
	// ConfidenceThreshold is the integer percent in [50,95] gating
	// auto-execution. This is the boot-time value; runtime changes go through
	// the ThresholdStore.
	ConfidenceThreshold int `yaml:"confidence_threshold"`

	// ConfirmationTimeout is how long to wait for a confirmation selection
	// (e.g. "10s").
	ConfirmationTimeout string `yaml:"confirmation_timeout"`

	// ScorerTimeout bounds the external NLU call (e.g. "800ms").
	ScorerTimeout string `yaml:"scorer_timeout"`
}

// ScorerConfig selects and configures the NLU scorer provider.
type ScorerConfig struct {
	Provider string `yaml:"provider"` // "embedding" or "anthropic"

	// Embedding provider settings ("genai" or "ollama")
	EmbeddingProvider string `yaml:"embedding_provider"`
	GenAIAPIKey       string `yaml:"genai_api_key"`
	GenAIModel        string `yaml:"genai_model"`
	OllamaEndpoint    string `yaml:"ollama_endpoint"`
	OllamaModel       string `yaml:"ollama_model"`

	// Anthropic provider settings
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	AnthropicModel  string `yaml:"anthropic_model"`
}

// LearningConfig configures the feedback loop.
type LearningConfig struct {
	// RejectionPenalty is the weight of a shown-but-not-chosen candidate
	// relative to an execution failure (weight 1.0).
	RejectionPenalty float64 `yaml:"rejection_penalty"`
}

// MaintenanceConfig configures scheduled store maintenance.
type MaintenanceConfig struct {
	// MissedScrapeThreshold: an element absent from more than this many
	// consecutive scrapes of its screen is pruned (with its commands and
	// interactions).
	MissedScrapeThreshold int `yaml:"missed_scrape_threshold"`

	// Schedule is a standard 5-field cron expression for the maintenance
	// sweep (interaction pruning, VACUUM).
	Schedule string `yaml:"schedule"`

	// InteractionRetentionDays: interactions older than this are compacted
	// during the sweep.
	InteractionRetentionDays int `yaml:"interaction_retention_days"`
}

// LoggingConfig mirrors the structure consumed by internal/logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "voiceos.db",
		},
		Resolver: ResolverConfig{
			ConfidenceThreshold: DefaultThreshold,
			ConfirmationTimeout: "10s",
			ScorerTimeout:       "800ms",
		},
		Scorer: ScorerConfig{
			Provider:          "embedding",
			EmbeddingProvider: "ollama",
			OllamaEndpoint:    "http://localhost:11434",
			OllamaModel:       "embeddinggemma",
			GenAIModel:        "gemini-embedding-001",
		},
		Learning: LearningConfig{
			RejectionPenalty: 0.25,
		},
		Maintenance: MaintenanceConfig{
			MissedScrapeThreshold:    3,
			Schedule:                 "0 3 * * *",
			InteractionRetentionDays: 90,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config.yaml from the state directory, applying defaults for
// anything unset. A missing file is not an error: defaults apply.
func Load(stateDir string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(stateDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides fills API keys from the environment when the file leaves
// them blank. Keys in env beat keys on disk.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Scorer.GenAIAPIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Scorer.AnthropicAPIKey = key
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Resolver.ConfidenceThreshold < MinThreshold || c.Resolver.ConfidenceThreshold > MaxThreshold {
		return fmt.Errorf("resolver.confidence_threshold %d outside [%d,%d]",
			c.Resolver.ConfidenceThreshold, MinThreshold, MaxThreshold)
	}
	if c.Maintenance.MissedScrapeThreshold < 1 {
		return fmt.Errorf("maintenance.missed_scrape_threshold must be >= 1")
	}
	if c.Learning.RejectionPenalty < 0 || c.Learning.RejectionPenalty > 1 {
		return fmt.Errorf("learning.rejection_penalty %.2f outside [0,1]", c.Learning.RejectionPenalty)
	}
	if _, err := time.ParseDuration(c.Resolver.ConfirmationTimeout); err != nil {
		return fmt.Errorf("resolver.confirmation_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Resolver.ScorerTimeout); err != nil {
		return fmt.Errorf("resolver.scorer_timeout: %w", err)
	}
	return nil
}

// GetConfirmationTimeout parses the confirmation timeout with its default.
func (c *Config) GetConfirmationTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Resolver.ConfirmationTimeout); err == nil {
		return d
	}
	return 10 * time.Second
}

// GetScorerTimeout parses the scorer timeout with its default.
func (c *Config) GetScorerTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Resolver.ScorerTimeout); err == nil {
		return d
	}
	return 800 * time.Millisecond
}
