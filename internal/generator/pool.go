package generator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"voiceos/internal/logging"
	"voiceos/internal/types"
)

// Pool is an immutable per-screen candidate snapshot. The resolver reads the
// pool current at resolution start and keeps using it even if a scrape
// rebuilds the pool mid-resolution.
type Pool struct {
	ScreenID string
	Commands []types.GeneratedCommand
	BuiltAt  time.Time
}

// ElementSource is the slice of the element store the pool builder needs.
type ElementSource interface {
	ElementsForScreen(screenID string) ([]types.ElementRecord, error)
	ReplaceScreenCommands(commands map[types.Fingerprint][]types.GeneratedCommand) error
	UpsertBatch(snapshots []types.ElementSnapshot) ([]types.Fingerprint, error)
}

// PoolBuilder regenerates candidate pools off the resolution path. Rebuilds
// happen on scrape completion; the resolver only ever sees finished pools
// through Current.
type PoolBuilder struct {
	gen      *Generator
	elements ElementSource

	current atomic.Pointer[Pool]

	// globals are generated once at seed time and joined into every pool.
	globals []types.GeneratedCommand
}

func NewPoolBuilder(gen *Generator, elements ElementSource) *PoolBuilder {
	return &PoolBuilder{gen: gen, elements: elements}
}

// SeedGlobals persists the synthetic elements backing the system-level
// commands (back, home, recent apps, notifications) and caches their command
// set. Call once at startup, before the first rebuild.
func (pb *PoolBuilder) SeedGlobals() error {
	fps, err := pb.elements.UpsertBatch(GlobalSnapshots())
	if err != nil {
		return fmt.Errorf("failed to seed global elements: %w", err)
	}

	commands := pb.gen.GlobalCommands(fps)
	byFP := make(map[types.Fingerprint][]types.GeneratedCommand, len(commands))
	for _, cmd := range commands {
		byFP[cmd.Fingerprint] = append(byFP[cmd.Fingerprint], cmd)
	}
	if err := pb.elements.ReplaceScreenCommands(byFP); err != nil {
		return fmt.Errorf("failed to persist global commands: %w", err)
	}

	pb.globals = commands
	logging.Generator("Seeded %d global commands", len(commands))
	return nil
}

// Rebuild regenerates the pool for one screen, persists the commands, and
// publishes the new snapshot. The previous snapshot stays valid for any
// resolution already holding it.
func (pb *PoolBuilder) Rebuild(ctx context.Context, screenID string) (*Pool, error) {
	timer := logging.StartTimer(logging.CategoryGenerator, "PoolBuilder.Rebuild")
	defer timer.Stop()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records, err := pb.elements.ElementsForScreen(screenID)
	if err != nil {
		return nil, fmt.Errorf("failed to load elements for %s: %w", screenID, err)
	}

	commands := pb.gen.Generate(records)

	byFP := make(map[types.Fingerprint][]types.GeneratedCommand)
	for _, rec := range records {
		byFP[rec.Fingerprint] = nil // clear commands for elements that lost eligibility
	}
	for _, cmd := range commands {
		byFP[cmd.Fingerprint] = append(byFP[cmd.Fingerprint], cmd)
	}
	if err := pb.elements.ReplaceScreenCommands(byFP); err != nil {
		return nil, fmt.Errorf("failed to persist pool for %s: %w", screenID, err)
	}

	pool := &Pool{
		ScreenID: screenID,
		Commands: append(commands, pb.globals...),
		BuiltAt:  time.Now().UTC(),
	}
	pb.current.Store(pool)
	logging.Generator("Rebuilt pool for %s: %d commands (%d global)",
		screenID, len(pool.Commands), len(pb.globals))
	return pool, nil
}

// RebuildAll regenerates several screens in parallel. The pool published as
// current is whichever rebuild finished last; callers that care about one
// specific screen should use Rebuild.
func (pb *PoolBuilder) RebuildAll(ctx context.Context, screenIDs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range screenIDs {
		g.Go(func() error {
			_, err := pb.Rebuild(gctx, id)
			return err
		})
	}
	return g.Wait()
}

// Current returns the latest published pool. Never nil; before the first
// rebuild it holds only the global commands.
func (pb *PoolBuilder) Current() *Pool {
	if pool := pb.current.Load(); pool != nil {
		return pool
	}
	return &Pool{ScreenID: GlobalScreenID, Commands: pb.globals}
}
