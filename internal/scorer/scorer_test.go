package scorer

import (
	"context"
	"errors"
	"math"
	"testing"

	"voiceos/internal/types"
)

// fakeEngine embeds by keyword lookup so similarity is predictable.
type fakeEngine struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (f *fakeEngine) Dimensions() int { return 3 }
func (f *fakeEngine) Name() string    { return "fake" }

func TestEmbeddingScorerRanksBySimilarity(t *testing.T) {
	engine := &fakeEngine{vectors: map[string][]float32{
		"write an email": {1, 0, 0},
		"tap compose":    {0.9, 0.1, 0},
		"tap archive":    {0, 1, 0},
	}}
	s := NewEmbeddingScorer(engine)

	scores, err := s.Score(context.Background(), "write an email", []string{"tap compose", "tap archive"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("got %d scores, want 2", len(scores))
	}
	if scores["tap compose"] <= scores["tap archive"] {
		t.Errorf("compose (%v) not scored above archive (%v)", scores["tap compose"], scores["tap archive"])
	}
	for text, score := range scores {
		if score < 0 || score > 1 {
			t.Errorf("score for %q = %v, out of [0,1]", text, score)
		}
	}
}

func TestEmbeddingScorerClampsNegativeSimilarity(t *testing.T) {
	engine := &fakeEngine{vectors: map[string][]float32{
		"up":   {0, 1, 0},
		"down": {0, -1, 0},
	}}
	s := NewEmbeddingScorer(engine)

	scores, err := s.Score(context.Background(), "up", []string{"down"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if scores["down"] != 0 {
		t.Errorf("opposite vector scored %v, want 0", scores["down"])
	}
}

func TestEmbeddingScorerPropagatesEngineFailure(t *testing.T) {
	s := NewEmbeddingScorer(&fakeEngine{err: errors.New("connection refused")})
	_, err := s.Score(context.Background(), "anything", []string{"tap compose"})
	if err == nil {
		t.Fatal("expected error when the engine is down")
	}
	if !errors.Is(err, types.ErrScorerUnavailable) {
		t.Errorf("error %v is not ErrScorerUnavailable", err)
	}
}

func TestEmbeddingScorerEmptyCandidates(t *testing.T) {
	s := NewEmbeddingScorer(&fakeEngine{})
	scores, err := s.Score(context.Background(), "anything", nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(scores) != 0 {
		t.Errorf("got %v for empty candidates", scores)
	}
}

func TestParseScoreMap(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    map[string]float64
		wantErr bool
	}{
		{
			name: "plain object",
			text: `{"tap compose": 0.9, "tap archive": 0.1}`,
			want: map[string]float64{"tap compose": 0.9, "tap archive": 0.1},
		},
		{
			name: "fenced with prose",
			text: "Here are the scores:\n```json\n{\"tap compose\": 0.8}\n```",
			want: map[string]float64{"tap compose": 0.8},
		},
		{
			name: "out of range clamped",
			text: `{"a": 1.4, "b": -0.2}`,
			want: map[string]float64{"a": 1, "b": 0},
		},
		{name: "no object", text: "I cannot score these.", wantErr: true},
		{name: "malformed json", text: `{"a": }`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScoreMap(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if math.Abs(got[k]-v) > 1e-9 {
					t.Errorf("score[%q] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "ouija"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
