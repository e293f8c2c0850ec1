// Package generator turns stored UI elements into voice command candidates.
// Phrasing is heuristic; confidence combines a fixed per-capability base with
// observed interaction history via the calibrator.
package generator

import (
	"fmt"
	"strings"

	"voiceos/internal/logging"
	"voiceos/internal/types"
)

// HistoryView is the read-only slice of the learning store the generator
// needs. The generator never mutates interaction statistics.
type HistoryView interface {
	InteractionStats(fp types.Fingerprint) (types.InteractionStats, error)
}

// StateReader resolves the last observed state for a capability, used to pick
// state-aware phrasings.
type StateReader interface {
	GetCurrentState(fp types.Fingerprint, cap types.Capability) (string, bool)
}

// Generator produces command candidates for a screen's elements.
type Generator struct {
	history HistoryView
	state   StateReader
}

func New(history HistoryView, state StateReader) *Generator {
	return &Generator{history: history, state: state}
}

// baseConfidence is the fixed heuristic table keyed by capability and whether
// the element carries a clear label.
func baseConfidence(cap types.Capability, hasLabel bool) float64 {
	type key struct {
		cap      types.Capability
		hasLabel bool
	}
	table := map[key]float64{
		{types.CapClickable, true}:   0.75,
		{types.CapClickable, false}:  0.55,
		{types.CapEditable, true}:    0.70,
		{types.CapEditable, false}:   0.50,
		{types.CapCheckable, true}:   0.70,
		{types.CapCheckable, false}:  0.50,
		{types.CapScrollable, true}:  0.60,
		{types.CapScrollable, false}: 0.45,
		{types.CapExpandable, true}:  0.65,
		{types.CapExpandable, false}: 0.50,
		{types.CapSelectable, true}:  0.65,
		{types.CapSelectable, false}: 0.50,
	}
	return table[key{cap, hasLabel}]
}

// Generate emits command candidates for the given elements. Elements with no
// actionable capability, or with neither a label nor a resource id, produce
// nothing. Colliding phrases across distinct elements are all kept; the
// resolver treats them as competing candidates.
func (g *Generator) Generate(elements []types.ElementRecord) []types.GeneratedCommand {
	timer := logging.StartTimer(logging.CategoryGenerator, "Generator.Generate")
	defer timer.Stop()

	var commands []types.GeneratedCommand
	for _, rec := range elements {
		if !rec.Snapshot.IsActionable() {
			continue
		}
		label, hasLabel := elementLabel(rec.Snapshot)
		if label == "" {
			logging.GeneratorDebug("Skipping unaddressable element %s (no label, no resource id)", rec.Fingerprint)
			continue
		}

		stats, err := g.history.InteractionStats(rec.Fingerprint)
		if err != nil {
			// History is an enhancement, not a dependency. Generate from the
			// base score alone.
			logging.GeneratorDebug("No history for %s: %v", rec.Fingerprint, err)
			stats = types.InteractionStats{}
		}

		for _, cap := range types.ActionableCapabilities {
			if !rec.Snapshot.HasCapability(cap) {
				continue
			}
			for _, p := range g.phrasesFor(rec, cap, label) {
				base := baseConfidence(cap, hasLabel)
				commands = append(commands, types.GeneratedCommand{
					CommandText:          p.text,
					Fingerprint:          rec.Fingerprint,
					ActionType:           p.action,
					BaseConfidence:       base,
					CalibratedConfidence: Calibrate(base, stats.Count, stats.SuccessRate),
					Synonyms:             p.synonyms,
				})
			}
		}
	}

	logging.Generator("Generated %d commands from %d elements", len(commands), len(elements))
	return commands
}

type phrasing struct {
	text     string
	action   types.ActionType
	synonyms []string
}

// phrasesFor picks the phrase set for one capability. State-aware variants
// consult the last observed state and never emit a phrase that would be a
// no-op for that state.
func (g *Generator) phrasesFor(rec types.ElementRecord, cap types.Capability, label string) []phrasing {
	switch cap {
	case types.CapClickable:
		return []phrasing{{
			text:     "tap " + label,
			action:   types.ActionClick,
			synonyms: []string{"press " + label, "click " + label},
		}}

	case types.CapEditable:
		return []phrasing{{
			text:     "type in " + label,
			action:   types.ActionEdit,
			synonyms: []string{"edit " + label, "enter " + label},
		}}

	case types.CapScrollable:
		return []phrasing{{
			text:     "scroll " + label,
			action:   types.ActionScroll,
			synonyms: []string{"scroll down " + label, "scroll up " + label},
		}}

	case types.CapCheckable:
		state, known := g.currentState(rec.Fingerprint, cap)
		switch {
		case known && state == "checked":
			return []phrasing{{text: "uncheck " + label, action: types.ActionToggle}}
		case known && state == "unchecked":
			return []phrasing{{text: "check " + label, action: types.ActionToggle, synonyms: []string{"tick " + label}}}
		default:
			return []phrasing{{text: "toggle " + label, action: types.ActionToggle}}
		}

	case types.CapExpandable:
		state, known := g.currentState(rec.Fingerprint, cap)
		switch {
		case known && state == "expanded":
			return []phrasing{{text: "collapse " + label, action: types.ActionCollapse, synonyms: []string{"close " + label}}}
		case known && state == "collapsed":
			return []phrasing{{text: "expand " + label, action: types.ActionExpand, synonyms: []string{"open " + label}}}
		default:
			return []phrasing{
				{text: "expand " + label, action: types.ActionExpand},
				{text: "collapse " + label, action: types.ActionCollapse},
			}
		}

	case types.CapSelectable:
		state, known := g.currentState(rec.Fingerprint, cap)
		if known && state == "selected" {
			return nil // already selected, nothing meaningful to say
		}
		return []phrasing{{text: "select " + label, action: types.ActionSelect, synonyms: []string{"choose " + label}}}
	}
	return nil
}

func (g *Generator) currentState(fp types.Fingerprint, cap types.Capability) (string, bool) {
	if g.state == nil {
		return "", false
	}
	return g.state.GetCurrentState(fp, cap)
}

// elementLabel picks the spoken label: the normalized text when present,
// otherwise a humanized resource id. hasLabel distinguishes a real on-screen
// label from a resource-id fallback for the confidence table.
func elementLabel(s types.ElementSnapshot) (label string, hasLabel bool) {
	if text := strings.TrimSpace(s.NormalizedText); text != "" {
		return strings.ToLower(text), true
	}
	if id := humanizeResourceID(s.ResourceID); id != "" {
		return id, false
	}
	return "", false
}

var resourceIDPrefixes = []string{"btn_", "txt_", "img_", "ic_", "iv_", "tv_", "et_", "cb_", "rb_"}

// humanizeResourceID turns "com.app:id/btn_clear_history" into
// "clear history".
func humanizeResourceID(id string) string {
	if id == "" {
		return ""
	}
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	for _, prefix := range resourceIDPrefixes {
		if strings.HasPrefix(id, prefix) {
			id = strings.TrimPrefix(id, prefix)
			break
		}
	}
	id = strings.ReplaceAll(id, "_", " ")
	return strings.ToLower(strings.TrimSpace(id))
}

// =============================================================================
// GLOBAL COMMANDS
// =============================================================================

// globalAction describes one system-level navigation command available on
// every screen regardless of what was scraped.
type globalAction struct {
	label    string
	synonyms []string
}

var globalActions = []globalAction{
	{label: "back", synonyms: []string{"go back", "previous screen"}},
	{label: "home", synonyms: []string{"go home", "home screen"}},
	{label: "recent apps", synonyms: []string{"recents", "app switcher"}},
	{label: "notifications", synonyms: []string{"show notifications", "notification shade"}},
}

// GlobalScreenID is the synthetic screen the global commands live on.
const GlobalScreenID = "android/system"

// GlobalSnapshots returns synthetic element snapshots backing the global
// commands, so they persist and learn exactly like scraped elements.
func GlobalSnapshots() []types.ElementSnapshot {
	snaps := make([]types.ElementSnapshot, 0, len(globalActions))
	for _, ga := range globalActions {
		snaps = append(snaps, types.ElementSnapshot{
			PackageName:    "android",
			AppVersion:     "system",
			ResourceID:     fmt.Sprintf("global_%s", strings.ReplaceAll(ga.label, " ", "_")),
			ClassName:      "voiceos.GlobalAction",
			NormalizedText: ga.label,
			Capabilities:   []types.Capability{types.CapClickable},
			ScreenID:       GlobalScreenID,
		})
	}
	return snaps
}

// GlobalCommands builds the command set for the synthetic global elements.
// fps must be the fingerprints of GlobalSnapshots in order.
func (g *Generator) GlobalCommands(fps []types.Fingerprint) []types.GeneratedCommand {
	var commands []types.GeneratedCommand
	for i, ga := range globalActions {
		if i >= len(fps) {
			break
		}
		stats, err := g.history.InteractionStats(fps[i])
		if err != nil {
			stats = types.InteractionStats{}
		}
		base := 0.85 // always present, never mis-scraped
		commands = append(commands, types.GeneratedCommand{
			CommandText:          ga.label,
			Fingerprint:          fps[i],
			ActionType:           types.ActionGlobal,
			BaseConfidence:       base,
			CalibratedConfidence: Calibrate(base, stats.Count, stats.SuccessRate),
			Synonyms:             ga.synonyms,
		})
	}
	return commands
}
