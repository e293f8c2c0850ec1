// Package resolver implements the disambiguation pipeline: exact match,
// semantic scoring, threshold-gated auto-execution, the confirmation state
// machine, and routing to fallback search. One resolution is in flight per
// session at a time; a new utterance preempts a pending confirmation.
package resolver

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"voiceos/internal/logging"
	"voiceos/internal/types"
)

// ErrConfirmationCancelled is returned by a Confirmer when the user
// explicitly dismisses the options.
var ErrConfirmationCancelled = errors.New("confirmation cancelled")

// Scorer rates an utterance against candidate command texts. Scores are in
// [0,1]; candidates missing from the map are treated as 0.
type Scorer interface {
	Score(ctx context.Context, utterance string, candidates []string) (map[string]float64, error)
}

// Confirmer presents ranked options to the user and reports which one was
// picked. A context cancellation, a deadline, ErrConfirmationCancelled, or an
// out-of-range index all mean cancel; none of them ever selects an option.
type Confirmer interface {
	Confirm(ctx context.Context, prompt ConfirmationPrompt) (int, error)
}

// FallbackSearcher is the last-resort collaborator consulted when resolution
// found nothing or confirmation was cancelled.
type FallbackSearcher interface {
	Search(ctx context.Context, utterance, screenID string) (string, error)
}

// DecisionRecorder receives the immutable training example for every
// terminal resolution.
type DecisionRecorder interface {
	RecordDecision(decision types.DisambiguationDecision, shown []types.GeneratedCommand) error
}

// ThresholdSource reads the current auto-execute threshold percent.
type ThresholdSource interface {
	Get() int
}

// ConfirmationPrompt is what the confirmation UI renders.
type ConfirmationPrompt struct {
	Utterance string
	Options   []ConfirmationOption
}

// ConfirmationOption is one ranked choice with its confidence as a percent.
type ConfirmationOption struct {
	CommandText       string
	ConfidencePercent int
}

// CandidatePool is the immutable snapshot a resolution works from. The pool
// current at resolution start stays in use even if a scrape rebuilds pools
// mid-resolution.
type CandidatePool struct {
	ScreenID string
	Commands []types.GeneratedCommand
}

const maxConfirmationOptions = 3

// Engine runs resolutions.
type Engine struct {
	scorer    Scorer
	confirmer Confirmer
	fallback  FallbackSearcher
	learning  DecisionRecorder
	threshold ThresholdSource

	scorerTimeout  time.Duration
	confirmTimeout time.Duration

	mu      sync.Mutex
	pending *pendingConfirmation
}

type pendingConfirmation struct {
	cancel context.CancelFunc
}

// Options carries the two operation timeouts.
type Options struct {
	ScorerTimeout       time.Duration
	ConfirmationTimeout time.Duration
}

func New(scorer Scorer, confirmer Confirmer, fallback FallbackSearcher,
	learning DecisionRecorder, threshold ThresholdSource, opts Options) *Engine {
	if opts.ScorerTimeout <= 0 {
		opts.ScorerTimeout = 800 * time.Millisecond
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 10 * time.Second
	}
	return &Engine{
		scorer:         scorer,
		confirmer:      confirmer,
		fallback:       fallback,
		learning:       learning,
		threshold:      threshold,
		scorerTimeout:  opts.ScorerTimeout,
		confirmTimeout: opts.ConfirmationTimeout,
	}
}

// Resolve runs one utterance through the pipeline and returns the terminal
// resolution. It never fails on scorer trouble; every degraded path lands in
// fallback instead.
func (e *Engine) Resolve(ctx context.Context, utterance string, pool CandidatePool) (types.Resolution, error) {
	timer := logging.StartTimer(logging.CategoryResolver, "Engine.Resolve")
	defer timer.Stop()

	// A new utterance preempts whatever confirmation is still waiting.
	e.preemptPending()

	utterance = strings.TrimSpace(utterance)
	logging.Resolver("Resolving %q against %d candidates on %s", utterance, len(pool.Commands), pool.ScreenID)

	if cmd := exactMatch(utterance, pool.Commands); cmd != nil {
		return e.finishAuto(utterance, pool, *cmd, cmd.CalibratedConfidence), nil
	}

	var ranked []scoredCommand
	if len(pool.Commands) > 0 {
		ranked = e.scoreAndRank(ctx, utterance, pool.Commands)
	}

	outcome := types.OutcomeNoCandidates
	if len(ranked) > 0 {
		if ranked[0].score*100 >= float64(e.threshold.Get()) {
			outcome = types.OutcomeHighConfidence
		} else {
			outcome = types.OutcomeMultipleOptions
		}
	}
	logging.Resolver("Decision for %q: %s", utterance, outcome)

	switch outcome {
	case types.OutcomeHighConfidence:
		top := ranked[0]
		return e.finishAuto(utterance, pool, top.cmd, top.score), nil
	case types.OutcomeMultipleOptions:
		return e.confirm(ctx, utterance, pool, ranked), nil
	default:
		return e.finishFallback(ctx, utterance, pool, nil), nil
	}
}

// scoreAndRank calls the external scorer and orders the pool. A scorer
// failure or timeout yields nil, which the caller routes to fallback; the
// failure never surfaces to the user.
func (e *Engine) scoreAndRank(ctx context.Context, utterance string, commands []types.GeneratedCommand) []scoredCommand {
	texts := make([]string, len(commands))
	for i, cmd := range commands {
		texts[i] = cmd.CommandText
	}

	scoreCtx, cancel := context.WithTimeout(ctx, e.scorerTimeout)
	defer cancel()

	scores, err := e.scorer.Score(scoreCtx, utterance, texts)
	if err != nil {
		logging.Resolver("Scorer unavailable for %q, routing to fallback: %v", utterance, err)
		return nil
	}

	ranked := make([]scoredCommand, len(commands))
	for i, cmd := range commands {
		// Partial scorer results: unscored candidates rank at zero.
		ranked[i] = scoredCommand{cmd: cmd, score: scores[cmd.CommandText]}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].cmd.UsageCount != ranked[j].cmd.UsageCount {
			return ranked[i].cmd.UsageCount > ranked[j].cmd.UsageCount
		}
		return ranked[i].cmd.CommandText < ranked[j].cmd.CommandText
	})
	return ranked
}

type scoredCommand struct {
	cmd   types.GeneratedCommand
	score float64
}

// confirm presents the top-ranked options and waits for a selection, a
// cancel, a timeout, or preemption by a newer utterance. Timeout and cancel
// both mean cancel, never implicit acceptance of the top candidate.
func (e *Engine) confirm(ctx context.Context, utterance string, pool CandidatePool, ranked []scoredCommand) types.Resolution {
	options := ranked
	if len(options) > maxConfirmationOptions {
		options = options[:maxConfirmationOptions]
	}

	prompt := ConfirmationPrompt{Utterance: utterance}
	shown := make([]types.GeneratedCommand, 0, len(options))
	for _, sc := range options {
		prompt.Options = append(prompt.Options, ConfirmationOption{
			CommandText:       sc.cmd.CommandText,
			ConfidencePercent: int(sc.score * 100),
		})
		shown = append(shown, sc.cmd)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()
	pending := &pendingConfirmation{cancel: cancel}

	e.mu.Lock()
	e.pending = pending
	e.mu.Unlock()

	idx, err := e.confirmer.Confirm(confirmCtx, prompt)

	e.mu.Lock()
	if e.pending == pending {
		e.pending = nil
	}
	e.mu.Unlock()

	if err != nil || idx < 0 || idx >= len(options) {
		logging.Resolver("Confirmation for %q cancelled (idx=%d err=%v)", utterance, idx, err)
		return e.finishFallback(ctx, utterance, pool, shown)
	}

	chosen := options[idx]
	logging.Resolver("User confirmed %q for %q", chosen.cmd.CommandText, utterance)

	decisionID := e.record(types.DisambiguationDecision{
		ID:                   uuid.NewString(),
		Utterance:            utterance,
		Candidates:           candidateList(ranked),
		ChosenCommandText:    chosen.cmd.CommandText,
		ChosenFingerprint:    chosen.cmd.Fingerprint,
		AutoExecuted:         false,
		ConfidenceAtDecision: chosen.score,
		Timestamp:            time.Now().UTC(),
	}, shown)

	cmd := chosen.cmd
	return types.Resolution{
		Kind:         types.ResolvedConfirmed,
		Command:      &cmd,
		CommandText:  cmd.CommandText,
		Confidence:   chosen.score,
		AutoExecuted: false,
		DecisionID:   decisionID,
	}
}

func (e *Engine) finishAuto(utterance string, pool CandidatePool, cmd types.GeneratedCommand, confidence float64) types.Resolution {
	decisionID := e.record(types.DisambiguationDecision{
		ID:                   uuid.NewString(),
		Utterance:            utterance,
		Candidates:           []types.RankedCandidate{{CommandText: cmd.CommandText, Confidence: confidence}},
		ChosenCommandText:    cmd.CommandText,
		ChosenFingerprint:    cmd.Fingerprint,
		AutoExecuted:         true,
		ConfidenceAtDecision: confidence,
		Timestamp:            time.Now().UTC(),
	}, nil)

	return types.Resolution{
		Kind:         types.ResolvedAuto,
		Command:      &cmd,
		CommandText:  cmd.CommandText,
		Confidence:   confidence,
		AutoExecuted: true,
		DecisionID:   decisionID,
	}
}

// finishFallback consults the real-time search collaborator and reports its
// result as the terminal resolution. shown carries the candidates from a
// cancelled confirmation, so the decision penalizes them.
func (e *Engine) finishFallback(ctx context.Context, utterance string, pool CandidatePool, shown []types.GeneratedCommand) types.Resolution {
	text, err := e.fallback.Search(ctx, utterance, pool.ScreenID)
	if err != nil {
		logging.Get(logging.CategoryResolver).Warn("Fallback search failed for %q: %v", utterance, err)
		text = ""
	}

	// The decision records what the user chose from the pool: nothing. The
	// fallback result rides only on the resolution itself.
	decision := types.DisambiguationDecision{
		ID:           uuid.NewString(),
		Utterance:    utterance,
		Candidates:   shownCandidates(shown),
		AutoExecuted: false,
		Timestamp:    time.Now().UTC(),
	}
	var cmd *types.GeneratedCommand
	if text != "" {
		if match := commandByText(pool.Commands, text); match != nil {
			c := *match
			cmd = &c
		}
	}
	decisionID := e.record(decision, shown)

	return types.Resolution{
		Kind:         types.ResolvedFallback,
		Command:      cmd,
		CommandText:  text,
		AutoExecuted: false,
		DecisionID:   decisionID,
	}
}

// record hands the decision to the learning store. Recording failures are
// logged and swallowed; a full disk must not break an in-flight resolution.
func (e *Engine) record(decision types.DisambiguationDecision, shown []types.GeneratedCommand) string {
	if err := e.learning.RecordDecision(decision, shown); err != nil {
		logging.Get(logging.CategoryResolver).Error("Failed to record decision: %v", err)
	}
	return decision.ID
}

// preemptPending cancels a confirmation still waiting from a previous
// utterance. Treated as a user cancel of that confirmation.
func (e *Engine) preemptPending() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if pending != nil {
		logging.Resolver("New utterance preempts pending confirmation")
		pending.cancel()
	}
}

func exactMatch(utterance string, commands []types.GeneratedCommand) *types.GeneratedCommand {
	var best *types.GeneratedCommand
	for i := range commands {
		if !commands[i].Matches(utterance) {
			continue
		}
		if best == nil ||
			commands[i].CalibratedConfidence > best.CalibratedConfidence ||
			(commands[i].CalibratedConfidence == best.CalibratedConfidence &&
				commands[i].CommandText < best.CommandText) {
			best = &commands[i]
		}
	}
	return best
}

func commandByText(commands []types.GeneratedCommand, text string) *types.GeneratedCommand {
	for i := range commands {
		if strings.EqualFold(commands[i].CommandText, text) {
			return &commands[i]
		}
	}
	return nil
}

func candidateList(ranked []scoredCommand) []types.RankedCandidate {
	n := len(ranked)
	if n > maxConfirmationOptions {
		n = maxConfirmationOptions
	}
	out := make([]types.RankedCandidate, 0, n)
	for _, sc := range ranked[:n] {
		out = append(out, types.RankedCandidate{CommandText: sc.cmd.CommandText, Confidence: sc.score})
	}
	return out
}

func shownCandidates(shown []types.GeneratedCommand) []types.RankedCandidate {
	out := make([]types.RankedCandidate, 0, len(shown))
	for _, cmd := range shown {
		out = append(out, types.RankedCandidate{CommandText: cmd.CommandText, Confidence: cmd.CalibratedConfidence})
	}
	return out
}
