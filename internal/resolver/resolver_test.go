package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"voiceos/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubScorer struct {
	mu     sync.Mutex
	scores map[string]float64
	err    error
	calls  int
}

func (s *stubScorer) Score(ctx context.Context, utterance string, candidates []string) (map[string]float64, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.scores, nil
}

func (s *stubScorer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubConfirmer struct {
	mu      sync.Mutex
	index   int
	err     error
	block   bool // wait for ctx cancellation instead of answering
	prompt  ConfirmationPrompt
	entered chan struct{} // closed once per Confirm entry, if non-nil
}

func (c *stubConfirmer) Confirm(ctx context.Context, prompt ConfirmationPrompt) (int, error) {
	c.mu.Lock()
	c.prompt = prompt
	c.mu.Unlock()
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return c.index, c.err
}

func (c *stubConfirmer) lastPrompt() ConfirmationPrompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt
}

type stubFallback struct {
	mu     sync.Mutex
	result string
	err    error
	calls  int
}

func (f *stubFallback) Search(ctx context.Context, utterance, screenID string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result, f.err
}

func (f *stubFallback) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordedDecisions struct {
	mu        sync.Mutex
	decisions []types.DisambiguationDecision
	shown     [][]types.GeneratedCommand
}

func (r *recordedDecisions) RecordDecision(d types.DisambiguationDecision, shown []types.GeneratedCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	r.shown = append(r.shown, shown)
	return nil
}

func (r *recordedDecisions) all() []types.DisambiguationDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.DisambiguationDecision(nil), r.decisions...)
}

type fixedThreshold int

func (t fixedThreshold) Get() int { return int(t) }

type harness struct {
	scorer    *stubScorer
	confirmer *stubConfirmer
	fallback  *stubFallback
	recorder  *recordedDecisions
	engine    *Engine
}

func newHarness(scores map[string]float64, threshold int) *harness {
	h := &harness{
		scorer:    &stubScorer{scores: scores},
		confirmer: &stubConfirmer{},
		fallback:  &stubFallback{},
		recorder:  &recordedDecisions{},
	}
	h.engine = New(h.scorer, h.confirmer, h.fallback, h.recorder, fixedThreshold(threshold), Options{
		ScorerTimeout:       time.Second,
		ConfirmationTimeout: time.Second,
	})
	return h
}

func cmd(text string, calibrated float64) types.GeneratedCommand {
	return types.GeneratedCommand{
		CommandText:          text,
		Fingerprint:          types.Fingerprint("fp-" + text),
		ActionType:           types.ActionClick,
		BaseConfidence:       calibrated,
		CalibratedConfidence: calibrated,
	}
}

func settingsPool() CandidatePool {
	return CandidatePool{
		ScreenID: "com.example.app/MainActivity",
		Commands: []types.GeneratedCommand{
			cmd("Settings", 0.65),
			cmd("Open", 0.48),
			cmd("Open menu", 0.42),
		},
	}
}

func TestResolveHighConfidence(t *testing.T) {
	// Utterance "Clear history" against [Clear 45%, Clear history 92%,
	// Clear cache 31%] at threshold 70 resolves automatically.
	h := newHarness(nil, 70)
	pool := CandidatePool{
		ScreenID: "com.example.browser/HistoryActivity",
		Commands: []types.GeneratedCommand{
			cmd("Clear", 0.45),
			cmd("Clear history", 0.92),
			cmd("Clear cache", 0.31),
		},
	}

	res, err := h.engine.Resolve(context.Background(), "Clear history", pool)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != types.ResolvedAuto || !res.AutoExecuted {
		t.Fatalf("kind=%s auto=%v, want auto execution", res.Kind, res.AutoExecuted)
	}
	if res.CommandText != "Clear history" || res.Confidence != 0.92 {
		t.Errorf("resolved (%q, %v), want (Clear history, 0.92)", res.CommandText, res.Confidence)
	}
	if h.scorer.callCount() != 0 {
		t.Error("exact match must not call the scorer")
	}

	decisions := h.recorder.all()
	if len(decisions) != 1 {
		t.Fatalf("recorded %d decisions, want 1", len(decisions))
	}
	if decisions[0].ChosenCommandText != "Clear history" || !decisions[0].AutoExecuted {
		t.Errorf("decision = %+v, want chosen=Clear history auto=true", decisions[0])
	}
}

func TestResolveMultipleOptions(t *testing.T) {
	// "Open settings" scores below threshold everywhere, so the top 3 go to
	// confirmation, ranked.
	h := newHarness(map[string]float64{"Settings": 0.65, "Open": 0.48, "Open menu": 0.42}, 70)
	h.confirmer.err = ErrConfirmationCancelled

	res, err := h.engine.Resolve(context.Background(), "Open settings", settingsPool())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	prompt := h.confirmer.lastPrompt()
	if len(prompt.Options) != 3 {
		t.Fatalf("prompt has %d options, want 3", len(prompt.Options))
	}
	wantOrder := []string{"Settings", "Open", "Open menu"}
	for i, want := range wantOrder {
		if prompt.Options[i].CommandText != want {
			t.Errorf("option %d = %q, want %q", i, prompt.Options[i].CommandText, want)
		}
	}
	if prompt.Options[0].ConfidencePercent != 65 {
		t.Errorf("top option percent = %d, want 65", prompt.Options[0].ConfidencePercent)
	}
	if res.AutoExecuted {
		t.Error("cancelled confirmation produced an auto-executed resolution")
	}
}

func TestResolveConfirmedSelection(t *testing.T) {
	h := newHarness(map[string]float64{"Settings": 0.65, "Open": 0.48, "Open menu": 0.42}, 70)
	h.confirmer.index = 0

	res, err := h.engine.Resolve(context.Background(), "Open settings", settingsPool())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != types.ResolvedConfirmed {
		t.Fatalf("kind = %s, want confirmed", res.Kind)
	}
	if res.CommandText != "Settings" || res.AutoExecuted {
		t.Errorf("resolved (%q, auto=%v), want (Settings, false)", res.CommandText, res.AutoExecuted)
	}

	decisions := h.recorder.all()
	if len(decisions) != 1 {
		t.Fatalf("recorded %d decisions, want 1", len(decisions))
	}
	if decisions[0].ChosenCommandText != "Settings" || decisions[0].AutoExecuted {
		t.Errorf("decision = %+v, want chosen=Settings auto=false", decisions[0])
	}
}

func TestResolveConfirmationTimeout(t *testing.T) {
	h := newHarness(map[string]float64{"Settings": 0.65, "Open": 0.48, "Open menu": 0.42}, 70)
	h.confirmer.block = true
	h.engine.confirmTimeout = 30 * time.Millisecond
	h.fallback.result = "Settings"

	res, err := h.engine.Resolve(context.Background(), "Open settings", settingsPool())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Timeout is a cancel, never an implicit acceptance.
	if res.AutoExecuted {
		t.Fatal("timeout produced autoExecuted=true")
	}
	if res.Kind != types.ResolvedFallback {
		t.Fatalf("kind = %s, want fallback", res.Kind)
	}
	if h.fallback.callCount() != 1 {
		t.Errorf("fallback called %d times, want 1", h.fallback.callCount())
	}

	decisions := h.recorder.all()
	if len(decisions) != 1 {
		t.Fatalf("recorded %d decisions, want 1", len(decisions))
	}
	if decisions[0].ChosenCommandText != "" || decisions[0].AutoExecuted {
		t.Errorf("decision = %+v, want chosen empty and auto=false", decisions[0])
	}
}

func TestResolveScorerFailureRoutesToFallback(t *testing.T) {
	h := newHarness(nil, 70)
	h.scorer.err = errors.New("scorer rpc: connection refused")
	h.fallback.result = "Settings"

	res, err := h.engine.Resolve(context.Background(), "Open settings", settingsPool())
	if err != nil {
		t.Fatalf("scorer failure must not surface as an error, got %v", err)
	}
	if res.Kind != types.ResolvedFallback || res.CommandText != "Settings" {
		t.Errorf("resolution = %+v, want fallback Settings", res)
	}
}

func TestResolveEmptyPool(t *testing.T) {
	h := newHarness(nil, 70)

	res, err := h.engine.Resolve(context.Background(), "anything", CandidatePool{ScreenID: "s"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != types.ResolvedFallback {
		t.Fatalf("kind = %s, want fallback for empty pool", res.Kind)
	}
	if h.scorer.callCount() != 0 {
		t.Error("scorer called for empty pool")
	}
}

func TestResolveSynonymExactMatch(t *testing.T) {
	h := newHarness(nil, 70)
	command := cmd("tap compose", 0.8)
	command.Synonyms = []string{"write email"}
	pool := CandidatePool{ScreenID: "s", Commands: []types.GeneratedCommand{command}}

	res, err := h.engine.Resolve(context.Background(), "WRITE EMAIL", pool)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != types.ResolvedAuto || res.CommandText != "tap compose" {
		t.Errorf("resolution = %+v, want auto tap compose via synonym", res)
	}
}

func TestThresholdGating(t *testing.T) {
	// For every threshold in [50,95]: score*100 >= t auto-executes, below
	// goes to confirmation.
	for _, tc := range []struct {
		score float64
		text  string
	}{{0.50, "a"}, {0.70, "a"}, {0.95, "a"}, {0.49, "a"}, {0.94, "a"}} {
		for threshold := 50; threshold <= 95; threshold += 5 {
			h := newHarness(map[string]float64{tc.text: tc.score}, threshold)
			h.confirmer.err = ErrConfirmationCancelled

			pool := CandidatePool{ScreenID: "s", Commands: []types.GeneratedCommand{cmd(tc.text, 0.5)}}
			res, err := h.engine.Resolve(context.Background(), "utterance", pool)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}

			wantAuto := tc.score*100 >= float64(threshold)
			if res.AutoExecuted != wantAuto {
				t.Errorf("score=%v threshold=%d: auto=%v, want %v", tc.score, threshold, res.AutoExecuted, wantAuto)
			}
		}
	}
}

func TestRankingTieBreaks(t *testing.T) {
	h := newHarness(map[string]float64{"bravo": 0.6, "alpha": 0.6, "zulu": 0.6}, 95)
	h.confirmer.err = ErrConfirmationCancelled

	bravo := cmd("bravo", 0.5)
	bravo.UsageCount = 7
	pool := CandidatePool{
		ScreenID: "s",
		Commands: []types.GeneratedCommand{cmd("zulu", 0.5), bravo, cmd("alpha", 0.5)},
	}
	if _, err := h.engine.Resolve(context.Background(), "utterance", pool); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	prompt := h.confirmer.lastPrompt()
	// Equal scores: usage count first, then lexicographic.
	wantOrder := []string{"bravo", "alpha", "zulu"}
	for i, want := range wantOrder {
		if prompt.Options[i].CommandText != want {
			t.Errorf("option %d = %q, want %q", i, prompt.Options[i].CommandText, want)
		}
	}
}

func TestNewUtterancePreemptsPendingConfirmation(t *testing.T) {
	h := newHarness(map[string]float64{"Settings": 0.65, "Open": 0.48, "Open menu": 0.42}, 70)
	h.confirmer.block = true
	h.confirmer.entered = make(chan struct{}, 2)

	type outcome struct {
		res types.Resolution
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.engine.Resolve(context.Background(), "Open settings", settingsPool())
		first <- outcome{res, err}
	}()

	// Wait until the first resolution is parked in confirmation.
	<-h.confirmer.entered

	pool := CandidatePool{ScreenID: "s", Commands: []types.GeneratedCommand{cmd("go home", 0.9)}}
	res2, err := h.engine.Resolve(context.Background(), "go home", pool)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if res2.Kind != types.ResolvedAuto {
		t.Fatalf("second resolution kind = %s, want auto", res2.Kind)
	}

	select {
	case got := <-first:
		if got.err != nil {
			t.Fatalf("first Resolve: %v", got.err)
		}
		if got.res.AutoExecuted {
			t.Error("preempted confirmation auto-executed")
		}
		if got.res.Kind != types.ResolvedFallback {
			t.Errorf("first resolution kind = %s, want fallback after preemption", got.res.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first resolution never completed after preemption")
	}
}
