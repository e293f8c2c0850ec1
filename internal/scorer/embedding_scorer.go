package scorer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"voiceos/internal/embedding"
	"voiceos/internal/logging"
	"voiceos/internal/types"
)

// EmbeddingScorer scores by cosine similarity between the utterance embedding
// and each candidate embedding.
type EmbeddingScorer struct {
	engine embedding.Engine
}

func NewEmbeddingScorer(engine embedding.Engine) *EmbeddingScorer {
	return &EmbeddingScorer{engine: engine}
}

// Score embeds the utterance and the candidate batch in parallel, then maps
// cosine similarity into [0,1]. Candidates whose similarity cannot be
// computed are omitted from the result.
func (s *EmbeddingScorer) Score(ctx context.Context, utterance string, candidates []string) (map[string]float64, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "EmbeddingScorer.Score")
	defer timer.Stop()

	if len(candidates) == 0 {
		return map[string]float64{}, nil
	}

	var (
		utteranceVec  []float32
		candidateVecs [][]float32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := s.engine.Embed(gctx, utterance)
		if err != nil {
			return fmt.Errorf("failed to embed utterance: %w", err)
		}
		utteranceVec = vec
		return nil
	})
	g.Go(func() error {
		vecs, err := s.engine.EmbedBatch(gctx, candidates)
		if err != nil {
			return fmt.Errorf("failed to embed candidates: %w", err)
		}
		candidateVecs = vecs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrScorerUnavailable, err)
	}

	scores := make(map[string]float64, len(candidates))
	for i, text := range candidates {
		if i >= len(candidateVecs) {
			break
		}
		sim, err := embedding.CosineSimilarity(utteranceVec, candidateVecs[i])
		if err != nil {
			logging.APIDebug("Skipping candidate %q: %v", text, err)
			continue
		}
		// Cosine lands in [-1,1]; anything below orthogonal is just 0.
		if sim < 0 {
			sim = 0
		}
		scores[text] = sim
	}

	logging.APIDebug("Embedding scorer rated %d/%d candidates for %q", len(scores), len(candidates), utterance)
	return scores, nil
}

func (s *EmbeddingScorer) Name() string {
	return "embedding/" + s.engine.Name()
}
