// Package fallback is the last resort of resolution: a keyword index over
// the current screen's commands, consulted when exact match and semantic
// scoring both came up empty or the user cancelled confirmation.
package fallback

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"voiceos/internal/logging"
	"voiceos/internal/types"
)

// Searcher maintains an in-memory BM25 index of the current screen's command
// phrases. Populated on every pool rebuild; queries never touch the network.
type Searcher struct {
	index bleve.Index
	mu    sync.RWMutex
}

// NewSearcher creates the in-memory fallback index.
func NewSearcher() (*Searcher, error) {
	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback index: %w", err)
	}
	return &Searcher{index: index}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	commandMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	commandMapping.AddFieldMappingsAt("text", textFieldMapping)

	synonymsFieldMapping := bleve.NewTextFieldMapping()
	commandMapping.AddFieldMappingsAt("synonyms", synonymsFieldMapping)

	screenFieldMapping := bleve.NewKeywordFieldMapping()
	commandMapping.AddFieldMappingsAt("screen", screenFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("_default", commandMapping)
	return indexMapping
}

// ReplaceScreen reindexes a screen's command set, dropping whatever was
// indexed for that screen before.
func (s *Searcher) ReplaceScreen(screenID string, commands []types.GeneratedCommand) error {
	timer := logging.StartTimer(logging.CategoryResolver, "fallback.ReplaceScreen")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.removeScreenLocked(screenID); err != nil {
		return err
	}

	batch := s.index.NewBatch()
	for _, cmd := range commands {
		doc := map[string]interface{}{
			"text":     cmd.CommandText,
			"synonyms": strings.Join(cmd.Synonyms, " "),
			"screen":   screenID,
		}
		docID := fmt.Sprintf("%s/%s", screenID, strings.ToLower(cmd.CommandText))
		if err := batch.Index(docID, doc); err != nil {
			return fmt.Errorf("failed to index command %q: %w", cmd.CommandText, err)
		}
	}
	if err := s.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to batch index commands: %w", err)
	}

	logging.ResolverDebug("Fallback index rebuilt for %s: %d commands", screenID, len(commands))
	return nil
}

func (s *Searcher) removeScreenLocked(screenID string) error {
	screenQuery := bleve.NewTermQuery(screenID)
	screenQuery.SetField("screen")
	req := bleve.NewSearchRequestOptions(screenQuery, 1000, 0, false)

	results, err := s.index.Search(req)
	if err != nil {
		return fmt.Errorf("failed to find screen docs: %w", err)
	}

	batch := s.index.NewBatch()
	for _, hit := range results.Hits {
		batch.Delete(hit.ID)
	}
	return s.index.Batch(batch)
}

// Search returns the best-matching command text for the utterance on the
// given screen, or "" when nothing matches at all.
func (s *Searcher) Search(ctx context.Context, utterance, screenID string) (string, error) {
	timer := logging.StartTimer(logging.CategoryResolver, "fallback.Search")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	matchQuery := bleve.NewMatchQuery(utterance)
	matchQuery.SetFuzziness(1)
	screenQuery := bleve.NewTermQuery(screenID)
	screenQuery.SetField("screen")
	searchQuery := bleve.NewConjunctionQuery(matchQuery, screenQuery)

	req := bleve.NewSearchRequestOptions(searchQuery, 1, 0, false)
	req.Fields = []string{"text"}

	results, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("fallback search failed: %w", err)
	}
	if len(results.Hits) == 0 {
		logging.ResolverDebug("Fallback found nothing for %q on %s", utterance, screenID)
		return "", nil
	}

	text, _ := results.Hits[0].Fields["text"].(string)
	logging.Resolver("Fallback matched %q -> %q (score %.3f)", utterance, text, results.Hits[0].Score)
	return text, nil
}

// Count reports the number of indexed commands, across all screens.
func (s *Searcher) Count() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.DocCount()
}

// Close releases the index.
func (s *Searcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Close()
}
