package main

import (
	"fmt"
	"path/filepath"

	"voiceos/internal/config"
	"voiceos/internal/embedding"
	"voiceos/internal/fallback"
	"voiceos/internal/generator"
	"voiceos/internal/scorer"
	"voiceos/internal/scraper"
	"voiceos/internal/store"
)

// app wires the engine together. Lifecycle of every component is owned here,
// not by the components themselves.
type app struct {
	cfg       *config.Config
	db        *store.DB
	elements  *store.ElementStore
	learning  *store.LearningStore
	threshold *config.ThresholdStore
	pools     *generator.PoolBuilder
	search    *fallback.Searcher
	ingester  *scraper.Ingester
}

func openApp(stateDir string) (*app, error) {
	cfg, err := config.Load(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	dbPath := cfg.Database.Path
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(stateDir, dbPath)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	threshold, err := config.NewThresholdStore(stateDir, cfg.Resolver.ConfidenceThreshold)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open threshold store: %w", err)
	}

	search, err := fallback.NewSearcher()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create fallback index: %w", err)
	}

	elements := store.NewElementStore(db, cfg.Maintenance.MissedScrapeThreshold)
	learning := store.NewLearningStore(db, cfg.Learning.RejectionPenalty)
	pools := generator.NewPoolBuilder(generator.New(learning, elements), elements)
	if err := pools.SeedGlobals(); err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		db:        db,
		elements:  elements,
		learning:  learning,
		threshold: threshold,
		pools:     pools,
		search:    search,
		ingester:  scraper.NewIngester(elements, pools, search),
	}, nil
}

func (a *app) newScorer() (scorer.Scorer, error) {
	return scorer.New(scorer.Config{
		Provider: a.cfg.Scorer.Provider,
		Embedding: embedding.Config{
			Provider:       a.cfg.Scorer.EmbeddingProvider,
			OllamaEndpoint: a.cfg.Scorer.OllamaEndpoint,
			OllamaModel:    a.cfg.Scorer.OllamaModel,
			GenAIAPIKey:    a.cfg.Scorer.GenAIAPIKey,
			GenAIModel:     a.cfg.Scorer.GenAIModel,
		},
		AnthropicAPIKey: a.cfg.Scorer.AnthropicAPIKey,
		AnthropicModel:  a.cfg.Scorer.AnthropicModel,
	})
}

func (a *app) close() {
	a.search.Close()
	a.threshold.Close()
	a.db.Close()
}
