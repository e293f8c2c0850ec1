// Package types defines the shared data model for the voice command
// resolution engine: element snapshots and their fingerprints, generated
// commands, interaction records, and the resolution result types passed
// between the store, generator, and resolver.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

var (
	// ErrInvalidSnapshot is returned when a snapshot is missing a required
	// field. Rejected at the store boundary, never persisted.
	ErrInvalidSnapshot = errors.New("invalid element snapshot")

	// ErrScorerUnavailable indicates the external NLU scorer failed or timed
	// out. Recovered locally by routing to fallback search; never surfaced
	// to the caller of Resolve.
	ErrScorerUnavailable = errors.New("nlu scorer unavailable")

	// ErrInvalidThreshold is returned for confidence threshold writes outside
	// [50,95]. The previous value is retained.
	ErrInvalidThreshold = errors.New("confidence threshold out of range")
)

// =============================================================================
// ELEMENT MODEL
// =============================================================================

// Capability describes an actionable property of a UI element.
type Capability string

const (
	CapClickable  Capability = "clickable"
	CapEditable   Capability = "editable"
	CapScrollable Capability = "scrollable"
	CapCheckable  Capability = "checkable"
	CapExpandable Capability = "expandable"
	CapSelectable Capability = "selectable"
)

// ActionableCapabilities lists the capabilities that make an element eligible
// for command generation, in a fixed order for deterministic output.
var ActionableCapabilities = []Capability{
	CapClickable, CapEditable, CapScrollable, CapCheckable, CapExpandable, CapSelectable,
}

// AncestorStep is one hop in an element's path from the root of the
// accessibility tree. Volatile siblings are excluded by the scraper, so the
// path is stable across rescrapes of the same screen.
type AncestorStep struct {
	ClassName  string `json:"class_name"`
	ChildIndex int    `json:"child_index"`
}

// Bounds is the element's on-screen rectangle. Bounds are observational only:
// they never participate in identity.
type Bounds struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// ElementSnapshot is a point-in-time observation of one UI element produced
// by the accessibility-tree walker.
type ElementSnapshot struct {
	PackageName    string                `json:"package_name"`
	AppVersion     string                `json:"app_version"`
	ResourceID     string                `json:"resource_id,omitempty"`
	ClassName      string                `json:"class_name"`
	AncestorPath   []AncestorStep        `json:"ancestor_path"`
	NormalizedText string                `json:"normalized_text,omitempty"`
	Bounds         Bounds                `json:"bounds"`
	Capabilities   []Capability          `json:"capabilities"`
	CurrentState   map[Capability]string `json:"current_state,omitempty"`
	ScreenID       string                `json:"screen_id"`
}

// Validate checks the required non-optional fields. ResourceID,
// NormalizedText, and CurrentState are legitimately absent; everything else
// must be present.
func (s *ElementSnapshot) Validate() error {
	switch {
	case s.PackageName == "":
		return fmt.Errorf("%w: missing package_name", ErrInvalidSnapshot)
	case s.AppVersion == "":
		return fmt.Errorf("%w: missing app_version", ErrInvalidSnapshot)
	case s.ClassName == "":
		return fmt.Errorf("%w: missing class_name", ErrInvalidSnapshot)
	case s.ScreenID == "":
		return fmt.Errorf("%w: missing screen_id", ErrInvalidSnapshot)
	}
	return nil
}

// HasCapability reports whether the snapshot carries the given capability.
func (s *ElementSnapshot) HasCapability(c Capability) bool {
	for _, cap := range s.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// IsActionable reports whether at least one actionable capability is present.
func (s *ElementSnapshot) IsActionable() bool {
	return len(s.Capabilities) > 0
}

// Fingerprint is the stable identity of a logical element across rescrapes.
// 64 hex characters (SHA-256).
type Fingerprint string

// ElementRecord is the persisted row for one fingerprinted element.
type ElementRecord struct {
	Fingerprint       Fingerprint     `json:"fingerprint"`
	Snapshot          ElementSnapshot `json:"snapshot"`
	LastSeenAt        time.Time       `json:"last_seen_at"`
	MissedScrapeCount int             `json:"missed_scrape_count"`
}

// =============================================================================
// COMMAND MODEL
// =============================================================================

// ActionType names the accessibility action a command performs.
type ActionType string

const (
	ActionClick    ActionType = "click"
	ActionEdit     ActionType = "edit"
	ActionScroll   ActionType = "scroll"
	ActionToggle   ActionType = "toggle"
	ActionExpand   ActionType = "expand"
	ActionCollapse ActionType = "collapse"
	ActionSelect   ActionType = "select"
	ActionGlobal   ActionType = "global"
)

// GeneratedCommand is a candidate phrase bound to an element and an action.
type GeneratedCommand struct {
	CommandText          string      `json:"command_text"`
	Fingerprint          Fingerprint `json:"fingerprint"`
	ActionType           ActionType  `json:"action_type"`
	BaseConfidence       float64     `json:"base_confidence"`
	CalibratedConfidence float64     `json:"calibrated_confidence"`
	Synonyms             []string    `json:"synonyms,omitempty"`
	UsageCount           int         `json:"usage_count"`
	SuccessCount         int         `json:"success_count"`
	LastUsedAt           time.Time   `json:"last_used_at,omitempty"`
}

// Matches reports whether the utterance equals the command text or any
// synonym, case-insensitively.
func (c *GeneratedCommand) Matches(utterance string) bool {
	if strings.EqualFold(utterance, c.CommandText) {
		return true
	}
	for _, syn := range c.Synonyms {
		if strings.EqualFold(utterance, syn) {
			return true
		}
	}
	return false
}

// InteractionOutcome classifies one observed use of a command.
type InteractionOutcome string

const (
	OutcomeSuccess  InteractionOutcome = "success"
	OutcomeFailure  InteractionOutcome = "failure"
	OutcomeRejected InteractionOutcome = "rejected" // shown during confirmation, not chosen
)

// InteractionRecord is one observed use of a command. Immutable after
// creation; pruned only by cascade when its element is removed.
type InteractionRecord struct {
	Fingerprint Fingerprint        `json:"fingerprint"`
	CommandText string             `json:"command_text"`
	Outcome     InteractionOutcome `json:"outcome"`
	Weight      float64            `json:"weight"`
	Timestamp   time.Time          `json:"timestamp"`
}

// InteractionStats aggregates the interaction history for one fingerprint.
// SuccessRate is nil when there is no history at all.
type InteractionStats struct {
	Count       int
	SuccessRate *float64
}

// =============================================================================
// DECISION MODEL
// =============================================================================

// RankedCandidate is one scored entry in a decision's candidate list.
type RankedCandidate struct {
	CommandText string  `json:"command_text"`
	Confidence  float64 `json:"confidence"`
}

// DisambiguationDecision is the immutable training example recorded for every
// resolved utterance.
type DisambiguationDecision struct {
	ID                   string            `json:"id"`
	Utterance            string            `json:"utterance"`
	Candidates           []RankedCandidate `json:"candidates"`
	ChosenCommandText    string            `json:"chosen_command_text,omitempty"`
	ChosenFingerprint    Fingerprint       `json:"chosen_fingerprint,omitempty"`
	AutoExecuted         bool              `json:"auto_executed"`
	ConfidenceAtDecision float64           `json:"confidence_at_decision"`
	Timestamp            time.Time         `json:"timestamp"`
}

// =============================================================================
// RESOLUTION SUM TYPE
// =============================================================================

// OutcomeKind tags the decision step's result after scoring. Exhaustive:
// every decision lands in exactly one of these.
type OutcomeKind int

const (
	OutcomeHighConfidence OutcomeKind = iota
	OutcomeMultipleOptions
	OutcomeNoCandidates
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeHighConfidence:
		return "high_confidence"
	case OutcomeMultipleOptions:
		return "multiple_options"
	case OutcomeNoCandidates:
		return "no_candidates"
	default:
		return "unknown"
	}
}

// ResolutionKind tags the terminal resolution of an utterance.
type ResolutionKind int

const (
	// ResolvedAuto: exact match or above-threshold score; executed without
	// confirmation.
	ResolvedAuto ResolutionKind = iota
	// ResolvedConfirmed: the user picked an option during confirmation.
	ResolvedConfirmed
	// ResolvedFallback: no candidates, scorer failure, or cancelled/timed-out
	// confirmation; routed to real-time search.
	ResolvedFallback
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolvedAuto:
		return "auto"
	case ResolvedConfirmed:
		return "confirmed"
	case ResolvedFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Resolution is the terminal result of resolving one utterance.
// Command is nil for a fallback resolution where the real-time search also
// came up empty.
type Resolution struct {
	Kind         ResolutionKind
	Command      *GeneratedCommand
	CommandText  string  // set even when Command is nil (fallback hit)
	Confidence   float64 // confidence at the moment of decision
	AutoExecuted bool
	DecisionID   string // ID of the recorded DisambiguationDecision
}

// =============================================================================
// SCRAPE PAYLOAD
// =============================================================================

// ScrapePayload is one complete screen scrape as delivered by the
// accessibility walker, JSON over the service boundary.
type ScrapePayload struct {
	PackageName string            `json:"package_name"`
	AppVersion  string            `json:"app_version"`
	ScreenID    string            `json:"screen_id"`
	Elements    []ElementSnapshot `json:"elements"`
	ScrapedAt   time.Time         `json:"scraped_at"`
}
