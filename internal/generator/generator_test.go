package generator

import (
	"context"
	"strings"
	"testing"

	"voiceos/internal/store"
	"voiceos/internal/types"
)

type fakeHistory struct {
	stats map[types.Fingerprint]types.InteractionStats
}

func (f *fakeHistory) InteractionStats(fp types.Fingerprint) (types.InteractionStats, error) {
	return f.stats[fp], nil
}

type fakeState struct {
	states map[types.Fingerprint]map[types.Capability]string
}

func (f *fakeState) GetCurrentState(fp types.Fingerprint, cap types.Capability) (string, bool) {
	v, ok := f.states[fp][cap]
	return v, ok
}

func newTestGenerator(history *fakeHistory, state *fakeState) *Generator {
	if history == nil {
		history = &fakeHistory{}
	}
	if state == nil {
		state = &fakeState{}
	}
	return New(history, state)
}

func record(fp string, text, resourceID string, caps ...types.Capability) types.ElementRecord {
	return types.ElementRecord{
		Fingerprint: types.Fingerprint(fp),
		Snapshot: types.ElementSnapshot{
			PackageName:    "com.example.mail",
			AppVersion:     "2.1.0",
			ResourceID:     resourceID,
			ClassName:      "android.widget.Button",
			NormalizedText: text,
			Capabilities:   caps,
			ScreenID:       "com.example.mail/InboxActivity",
		},
	}
}

func commandTexts(cmds []types.GeneratedCommand) []string {
	texts := make([]string, 0, len(cmds))
	for _, c := range cmds {
		texts = append(texts, c.CommandText)
	}
	return texts
}

func findCommand(t *testing.T, cmds []types.GeneratedCommand, text string) types.GeneratedCommand {
	t.Helper()
	for _, c := range cmds {
		if c.CommandText == text {
			return c
		}
	}
	t.Fatalf("command %q not generated; got %v", text, commandTexts(cmds))
	return types.GeneratedCommand{}
}

func TestGenerateClickable(t *testing.T) {
	g := newTestGenerator(nil, nil)

	cmds := g.Generate([]types.ElementRecord{
		record("fp1", "Compose", "btn_compose", types.CapClickable),
	})
	cmd := findCommand(t, cmds, "tap compose")
	if cmd.ActionType != types.ActionClick {
		t.Errorf("action = %s, want click", cmd.ActionType)
	}
	if cmd.BaseConfidence != 0.75 {
		t.Errorf("base confidence = %v, want 0.75 for clickable+label", cmd.BaseConfidence)
	}
	if len(cmd.Synonyms) == 0 || !cmd.Matches("press compose") {
		t.Errorf("synonyms missing: %v", cmd.Synonyms)
	}
}

func TestGenerateResourceIDFallback(t *testing.T) {
	g := newTestGenerator(nil, nil)

	cmds := g.Generate([]types.ElementRecord{
		record("fp1", "", "com.example.mail:id/btn_clear_history", types.CapClickable),
	})
	cmd := findCommand(t, cmds, "tap clear history")
	if cmd.BaseConfidence != 0.55 {
		t.Errorf("base confidence = %v, want 0.55 for clickable without real label", cmd.BaseConfidence)
	}
}

func TestGenerateSkipsIneligible(t *testing.T) {
	g := newTestGenerator(nil, nil)

	cmds := g.Generate([]types.ElementRecord{
		// No actionable capability.
		record("fp1", "Banner", "txt_banner"),
		// Unaddressable: no label and no resource id.
		record("fp2", "", "", types.CapClickable),
	})
	if len(cmds) != 0 {
		t.Errorf("generated %v for ineligible elements", commandTexts(cmds))
	}
}

func TestGenerateStateAwareVariants(t *testing.T) {
	state := &fakeState{states: map[types.Fingerprint]map[types.Capability]string{
		"checked":   {types.CapCheckable: "checked"},
		"unchecked": {types.CapCheckable: "unchecked"},
		"expanded":  {types.CapExpandable: "expanded"},
		"selected":  {types.CapSelectable: "selected"},
	}}
	g := newTestGenerator(nil, state)

	tests := []struct {
		name    string
		rec     types.ElementRecord
		want    []string
		exclude []string
	}{
		{
			name:    "checked emits uncheck only",
			rec:     record("checked", "Wifi", "", types.CapCheckable),
			want:    []string{"uncheck wifi"},
			exclude: []string{"check wifi", "toggle wifi"},
		},
		{
			name:    "unchecked emits check only",
			rec:     record("unchecked", "Wifi", "", types.CapCheckable),
			want:    []string{"check wifi"},
			exclude: []string{"uncheck wifi"},
		},
		{
			name:    "unknown checkable state falls back to toggle",
			rec:     record("unknown", "Wifi", "", types.CapCheckable),
			want:    []string{"toggle wifi"},
			exclude: []string{"check wifi", "uncheck wifi"},
		},
		{
			name:    "expanded emits collapse only",
			rec:     record("expanded", "Details", "", types.CapExpandable),
			want:    []string{"collapse details"},
			exclude: []string{"expand details"},
		},
		{
			name:    "selected element emits nothing",
			rec:     record("selected", "Inbox Tab", "", types.CapSelectable),
			exclude: []string{"select inbox tab"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			texts := commandTexts(g.Generate([]types.ElementRecord{tt.rec}))
			joined := strings.Join(texts, "|")
			for _, want := range tt.want {
				if !strings.Contains(joined, want) {
					t.Errorf("missing %q in %v", want, texts)
				}
			}
			for _, banned := range tt.exclude {
				if strings.Contains(joined, banned) {
					t.Errorf("no-op variant %q generated: %v", banned, texts)
				}
			}
		})
	}
}

func TestGenerateUsesHistory(t *testing.T) {
	rate := 1.0
	history := &fakeHistory{stats: map[types.Fingerprint]types.InteractionStats{
		"proven": {Count: 5, SuccessRate: &rate},
	}}
	g := newTestGenerator(history, nil)

	cmds := g.Generate([]types.ElementRecord{
		record("proven", "Compose", "", types.CapClickable),
		record("fresh", "Archive", "", types.CapClickable),
	})

	proven := findCommand(t, cmds, "tap compose")
	fresh := findCommand(t, cmds, "tap archive")
	if proven.CalibratedConfidence <= fresh.CalibratedConfidence {
		t.Errorf("proven command %v not ranked above fresh %v",
			proven.CalibratedConfidence, fresh.CalibratedConfidence)
	}
	if proven.CalibratedConfidence > 1 {
		t.Errorf("calibrated confidence %v exceeds 1", proven.CalibratedConfidence)
	}
}

func TestGenerateConfidenceBounds(t *testing.T) {
	rateHigh, rateLow := 1.0, 0.0
	history := &fakeHistory{stats: map[types.Fingerprint]types.InteractionStats{
		"hot":  {Count: 50, SuccessRate: &rateHigh},
		"cold": {Count: 50, SuccessRate: &rateLow},
	}}
	g := newTestGenerator(history, nil)

	cmds := g.Generate([]types.ElementRecord{
		record("hot", "Compose", "", types.CapClickable, types.CapCheckable, types.CapExpandable),
		record("cold", "Archive", "", types.CapClickable, types.CapScrollable),
	})
	for _, cmd := range cmds {
		if cmd.CalibratedConfidence < 0 || cmd.CalibratedConfidence > 1 {
			t.Errorf("%q calibrated confidence %v out of [0,1]", cmd.CommandText, cmd.CalibratedConfidence)
		}
		if cmd.BaseConfidence < 0 || cmd.BaseConfidence > 1 {
			t.Errorf("%q base confidence %v out of [0,1]", cmd.CommandText, cmd.BaseConfidence)
		}
	}
}

func TestPoolBuilderRebuild(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	es := store.NewElementStore(db, 3)
	ls := store.NewLearningStore(db, store.DefaultRejectionPenalty)

	snap := types.ElementSnapshot{
		PackageName:    "com.example.mail",
		AppVersion:     "2.1.0",
		ClassName:      "android.widget.Button",
		NormalizedText: "Compose",
		Capabilities:   []types.Capability{types.CapClickable},
		ScreenID:       "com.example.mail/InboxActivity",
	}
	if _, err := es.Upsert(snap); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	pb := NewPoolBuilder(New(ls, es), es)
	if err := pb.SeedGlobals(); err != nil {
		t.Fatalf("SeedGlobals: %v", err)
	}

	// Before any rebuild the pool holds only the globals.
	initial := pb.Current()
	findCommand(t, initial.Commands, "back")
	findCommand(t, initial.Commands, "notifications")

	pool, err := pb.Rebuild(context.Background(), "com.example.mail/InboxActivity")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	findCommand(t, pool.Commands, "tap compose")
	findCommand(t, pool.Commands, "home") // globals joined into every pool

	if pb.Current() != pool {
		t.Error("Current does not return the latest rebuilt pool")
	}

	// Persisted too, so the pool survives restart.
	stored, err := es.CommandsForScreen("com.example.mail/InboxActivity")
	if err != nil {
		t.Fatalf("CommandsForScreen: %v", err)
	}
	findCommand(t, stored, "tap compose")
}
