// Package scorer rates how well an utterance matches each candidate command
// phrase. The resolver treats any scorer failure as "no candidates" and falls
// back, so every backend here may fail freely without breaking resolution.
package scorer

import (
	"context"
	"fmt"

	"voiceos/internal/embedding"
	"voiceos/internal/logging"
)

// Scorer scores an utterance against candidate command texts. The returned
// map should hold one entry in [0,1] per candidate; missing entries are
// treated by the caller as 0.
type Scorer interface {
	Score(ctx context.Context, utterance string, candidates []string) (map[string]float64, error)
	Name() string
}

// Config selects and configures the scorer backend.
type Config struct {
	// Provider: "embedding" or "anthropic".
	Provider string `yaml:"provider"`

	Embedding embedding.Config `yaml:"embedding"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	AnthropicModel  string `yaml:"anthropic_model"`
}

// New creates a scorer from configuration.
func New(cfg Config) (Scorer, error) {
	logging.API("Creating scorer with provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "embedding", "":
		engine, err := embedding.NewEngine(cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding engine: %w", err)
		}
		return NewEmbeddingScorer(engine), nil
	case "anthropic":
		return NewAnthropicScorer(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	default:
		return nil, fmt.Errorf("unsupported scorer provider: %s (use 'embedding' or 'anthropic')", cfg.Provider)
	}
}
