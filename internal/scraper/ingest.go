// Package scraper ingests screen scrape sessions: JSON payloads produced by
// the accessibility-side walker, one per completed screen scrape. Ingest
// upserts everything seen, marks everything missing, and rebuilds the
// screen's candidate pool.
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"voiceos/internal/fallback"
	"voiceos/internal/fingerprint"
	"voiceos/internal/generator"
	"voiceos/internal/logging"
	"voiceos/internal/store"
	"voiceos/internal/types"
)

// Ingester drives one scrape session end to end.
type Ingester struct {
	elements *store.ElementStore
	pools    *generator.PoolBuilder
	search   *fallback.Searcher
}

func NewIngester(elements *store.ElementStore, pools *generator.PoolBuilder, search *fallback.Searcher) *Ingester {
	return &Ingester{elements: elements, pools: pools, search: search}
}

// Result summarizes one ingested scrape.
type Result struct {
	ScreenID string
	Seen     int
	Missed   int
	Pruned   int
	Commands int
}

// IngestPayload processes one completed screen scrape. The payload's screen
// identity is stamped onto every element, labels are normalized, the batch
// is upserted, and elements previously on this screen but absent from the
// scrape are marked missed. Finishes by rebuilding the candidate pool and
// the fallback index.
func (in *Ingester) IngestPayload(ctx context.Context, payload types.ScrapePayload) (Result, error) {
	timer := logging.StartTimer(logging.CategoryScraper, "Ingester.IngestPayload")
	defer timer.Stop()

	if payload.PackageName == "" || payload.ScreenID == "" {
		return Result{}, fmt.Errorf("scrape payload missing package name or screen id: %w", types.ErrInvalidSnapshot)
	}

	snapshots := make([]types.ElementSnapshot, len(payload.Elements))
	for i, el := range payload.Elements {
		el.PackageName = payload.PackageName
		el.AppVersion = payload.AppVersion
		el.ScreenID = payload.ScreenID
		el.NormalizedText = fingerprint.NormalizeLabel(el.NormalizedText)
		snapshots[i] = el
	}

	prior, err := in.elements.FingerprintsForScreen(payload.ScreenID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load prior screen state: %w", err)
	}

	fps, err := in.elements.UpsertBatch(snapshots)
	if err != nil {
		return Result{}, fmt.Errorf("failed to upsert scrape batch: %w", err)
	}

	seen := make(map[types.Fingerprint]struct{}, len(fps))
	for _, fp := range fps {
		seen[fp] = struct{}{}
	}

	result := Result{ScreenID: payload.ScreenID, Seen: len(fps)}
	for _, fp := range prior {
		if _, ok := seen[fp]; ok {
			continue
		}
		pruned, err := in.elements.MarkAbsent(fp)
		if err != nil {
			return Result{}, fmt.Errorf("failed to mark %s absent: %w", fp, err)
		}
		result.Missed++
		if pruned {
			result.Pruned++
		}
	}

	pool, err := in.pools.Rebuild(ctx, payload.ScreenID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to rebuild pool: %w", err)
	}
	result.Commands = len(pool.Commands)

	if in.search != nil {
		if err := in.search.ReplaceScreen(payload.ScreenID, pool.Commands); err != nil {
			return Result{}, fmt.Errorf("failed to refresh fallback index: %w", err)
		}
	}

	logging.Scraper("Ingested scrape of %s: %d seen, %d missed (%d pruned), %d commands",
		result.ScreenID, result.Seen, result.Missed, result.Pruned, result.Commands)
	return result, nil
}

// IngestFile reads a scrape session JSON file and ingests it. ScrapedAt
// defaults to now when the payload omits it.
func (in *Ingester) IngestFile(ctx context.Context, path string) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read scrape file: %w", err)
	}

	var payload types.ScrapePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Result{}, fmt.Errorf("malformed scrape file %s: %w", path, err)
	}
	if payload.ScrapedAt.IsZero() {
		payload.ScrapedAt = time.Now().UTC()
	}
	return in.IngestPayload(ctx, payload)
}
