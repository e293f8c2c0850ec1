package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"voiceos/internal/logging"
	"voiceos/internal/types"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

const scoringSystemPrompt = `You rate how well a spoken utterance matches each of several voice command phrases.
Score each candidate from 0.0 (unrelated) to 1.0 (same intent).
Respond with ONLY a JSON object mapping each candidate phrase, verbatim, to its score.
No explanation, no markdown fences.`

// AnthropicScorer rates candidates with a single LLM call. Slower and
// costlier than the embedding scorer but better on paraphrases, so it is an
// opt-in provider.
type AnthropicScorer struct {
	client anthropic.Client
	model  string
}

func NewAnthropicScorer(apiKey, model string) (*AnthropicScorer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicScorer{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (s *AnthropicScorer) Score(ctx context.Context, utterance string, candidates []string) (map[string]float64, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "AnthropicScorer.Score")
	defer timer.Stop()

	if len(candidates) == 0 {
		return map[string]float64{}, nil
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Utterance: %q\n\nCandidates:\n", utterance)
	for _, c := range candidates {
		fmt.Fprintf(&prompt, "- %s\n", c)
	}

	message, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: scoringSystemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.String())),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: Anthropic API error: %v", types.ErrScorerUnavailable, err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in Anthropic response")
	}

	scores, err := parseScoreMap(text)
	if err != nil {
		return nil, err
	}
	logging.APIDebug("Anthropic scorer rated %d/%d candidates for %q (tokens in=%d out=%d)",
		len(scores), len(candidates), utterance, message.Usage.InputTokens, message.Usage.OutputTokens)
	return scores, nil
}

func (s *AnthropicScorer) Name() string {
	return "anthropic/" + s.model
}

// parseScoreMap extracts the JSON score object, tolerating markdown fences
// and surrounding prose the model sometimes adds anyway. Scores are clamped
// to [0,1].
func parseScoreMap(text string) (map[string]float64, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in scorer response")
	}

	var scores map[string]float64
	if err := json.Unmarshal([]byte(text[start:end+1]), &scores); err != nil {
		return nil, fmt.Errorf("malformed scorer response: %w", err)
	}

	for k, v := range scores {
		if v < 0 {
			scores[k] = 0
		} else if v > 1 {
			scores[k] = 1
		}
	}
	return scores, nil
}
