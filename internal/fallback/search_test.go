package fallback

import (
	"context"
	"testing"

	"voiceos/internal/types"
)

func newTestSearcher(t *testing.T) *Searcher {
	t.Helper()
	s, err := NewSearcher()
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func inboxCommands() []types.GeneratedCommand {
	return []types.GeneratedCommand{
		{CommandText: "tap compose", Fingerprint: "fp1", Synonyms: []string{"press compose", "write email"}},
		{CommandText: "tap archive", Fingerprint: "fp2"},
		{CommandText: "scroll message list", Fingerprint: "fp3"},
	}
}

func TestSearchFindsBestMatch(t *testing.T) {
	s := newTestSearcher(t)
	if err := s.ReplaceScreen("inbox", inboxCommands()); err != nil {
		t.Fatalf("ReplaceScreen: %v", err)
	}

	got, err := s.Search(context.Background(), "compose", "inbox")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got != "tap compose" {
		t.Errorf("Search = %q, want tap compose", got)
	}
}

func TestSearchMatchesSynonyms(t *testing.T) {
	s := newTestSearcher(t)
	if err := s.ReplaceScreen("inbox", inboxCommands()); err != nil {
		t.Fatalf("ReplaceScreen: %v", err)
	}

	got, err := s.Search(context.Background(), "write email", "inbox")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got != "tap compose" {
		t.Errorf("Search = %q, want tap compose via synonym", got)
	}
}

func TestSearchScopedToScreen(t *testing.T) {
	s := newTestSearcher(t)
	if err := s.ReplaceScreen("inbox", inboxCommands()); err != nil {
		t.Fatalf("ReplaceScreen: %v", err)
	}
	if err := s.ReplaceScreen("settings", []types.GeneratedCommand{
		{CommandText: "toggle wifi", Fingerprint: "fp9"},
	}); err != nil {
		t.Fatalf("ReplaceScreen: %v", err)
	}

	got, err := s.Search(context.Background(), "compose", "settings")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got != "" {
		t.Errorf("Search leaked across screens: got %q", got)
	}
}

func TestSearchNoMatch(t *testing.T) {
	s := newTestSearcher(t)
	if err := s.ReplaceScreen("inbox", inboxCommands()); err != nil {
		t.Fatalf("ReplaceScreen: %v", err)
	}

	got, err := s.Search(context.Background(), "zzzzqqq", "inbox")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got != "" {
		t.Errorf("Search = %q for nonsense utterance, want empty", got)
	}
}

func TestReplaceScreenDropsStaleCommands(t *testing.T) {
	s := newTestSearcher(t)
	if err := s.ReplaceScreen("inbox", inboxCommands()); err != nil {
		t.Fatalf("ReplaceScreen: %v", err)
	}
	if err := s.ReplaceScreen("inbox", []types.GeneratedCommand{
		{CommandText: "tap settings", Fingerprint: "fp4"},
	}); err != nil {
		t.Fatalf("second ReplaceScreen: %v", err)
	}

	got, err := s.Search(context.Background(), "compose", "inbox")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got != "" {
		t.Errorf("stale command survived reindex: %q", got)
	}

	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("Count = %d, want 1", count)
	}
}
