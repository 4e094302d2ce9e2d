package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func pattern(desc string, confidence float64) Pattern {
	return Pattern{
		Type:        TypeSelector,
		Description: desc,
		Value:       "#" + desc,
		Confidence:  confidence,
		Source:      SourceAgentAuto,
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Config{DataDir: dir})

	if err := s.SavePatterns("shop.example.com", []Pattern{pattern("buy", 0.7)}); err != nil {
		t.Fatalf("SavePatterns: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := newTestStore(t, Config{DataDir: dir})
	card, err := reopened.Card("shop.example.com")
	if err != nil {
		t.Fatalf("Card: %v", err)
	}
	if len(card.Patterns) != 1 || card.Patterns[0].Description != "buy" {
		t.Fatalf("card = %+v", card)
	}
	if len(reopened.Domains()) != 1 {
		t.Fatalf("index lost: %v", reopened.Domains())
	}
}

func TestPatternCapKeepsStrongest(t *testing.T) {
	s := newTestStore(t, Config{MaxPatternsPerDomain: 3})

	var ps []Pattern
	for i, c := range []float64{0.2, 0.9, 0.4, 0.8, 0.1} {
		ps = append(ps, pattern(string(rune('a'+i)), c))
	}
	if err := s.SavePatterns("example.com", ps); err != nil {
		t.Fatalf("SavePatterns: %v", err)
	}

	card, _ := s.Card("example.com")
	if len(card.Patterns) != 3 {
		t.Fatalf("len = %d, want 3", len(card.Patterns))
	}
	for _, p := range card.Patterns {
		if p.Confidence < 0.4 {
			t.Fatalf("weak pattern survived the cap: %+v", p)
		}
	}
}

func TestMergePreservesUsageStats(t *testing.T) {
	s := newTestStore(t, Config{})
	p := pattern("login-button", 0.6)

	if err := s.SavePatterns("example.com", []Pattern{p}); err != nil {
		t.Fatalf("save: %v", err)
	}
	card, _ := s.Card("example.com")
	id := card.Patterns[0].ID
	if err := s.RecordUsage("example.com", "#login-button"); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	// re-learning the same pattern at lower confidence must not regress it
	if err := s.SavePatterns("example.com", []Pattern{pattern("login-button", 0.3)}); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	card, _ = s.Card("example.com")
	if len(card.Patterns) != 1 {
		t.Fatalf("merge duplicated the pattern: %d", len(card.Patterns))
	}
	got := card.Patterns[0]
	if got.ID != id || got.UseCount != 1 {
		t.Fatalf("usage stats lost: %+v", got)
	}
	if got.Confidence < 0.65 {
		t.Fatalf("confidence regressed to %v", got.Confidence)
	}
}

func TestRecordUsageCapsConfidence(t *testing.T) {
	s := newTestStore(t, Config{})
	if err := s.SavePatterns("example.com", []Pattern{pattern("x", 0.97)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.RecordUsage("example.com", "#x"); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}
	card, _ := s.Card("example.com")
	if got := card.Patterns[0].Confidence; got != 1.0 {
		t.Fatalf("confidence = %v, want capped at 1.0", got)
	}
	if card.Patterns[0].UseCount != 3 {
		t.Fatalf("useCount = %d", card.Patterns[0].UseCount)
	}
}

func TestRecordUsageCreditsAllPatternsSharingValue(t *testing.T) {
	s := newTestStore(t, Config{})
	if err := s.SavePatterns("example.com", []Pattern{
		{Type: TypeSelector, Description: "search box", Value: "#q", Confidence: 0.5, Source: SourceAgentAuto},
		{Type: TypePageStructure, Description: "query input lives at #q", Value: "#q", Confidence: 0.5, Source: SourceManual},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.RecordUsage("example.com", "#q"); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	card, _ := s.Card("example.com")
	for _, p := range card.Patterns {
		if p.UseCount != 1 {
			t.Fatalf("useCount = %d for %+v", p.UseCount, p)
		}
	}

	if err := s.RecordUsage("example.com", "#missing"); err == nil {
		t.Fatal("unknown value must not record usage")
	}
}

func TestDomainValidation(t *testing.T) {
	s := newTestStore(t, Config{})

	for _, bad := range []string{"", "../../etc/passwd", "a/b.com", "exa mple.com", "-leading.com", string(make([]byte, 300))} {
		if err := s.SavePatterns(bad, []Pattern{pattern("x", 0.5)}); err == nil {
			t.Errorf("domain %q accepted", bad)
		}
	}

	if err := s.SavePatterns("EXAMPLE.Com", []Pattern{pattern("x", 0.5)}); err != nil {
		t.Fatalf("uppercase domain rejected: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.cfg.cardsDir(), "example.com.json")); err != nil {
		t.Fatalf("card not normalized to lowercase: %v", err)
	}
}

func TestArchiveOnLargeChange(t *testing.T) {
	s := newTestStore(t, Config{MaxPatternsPerDomain: 2, MaxArchivesPerDomain: 2})
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if err := s.SavePatterns("example.com", []Pattern{pattern("a", 0.5), pattern("b", 0.5)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// each round the stronger pair displaces the whole card, which crosses
	// the change threshold and archives the previous version
	for i := 1; i <= 3; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return tick }
		conf := 0.5 + 0.1*float64(i)
		fresh := []Pattern{
			pattern(fmt.Sprintf("p%d-1", i), conf),
			pattern(fmt.Sprintf("p%d-2", i), conf),
		}
		if err := s.SavePatterns("example.com", fresh); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	archives, _ := filepath.Glob(filepath.Join(s.cfg.archiveDir(), "example.com_*.json"))
	if len(archives) != 2 {
		t.Fatalf("archives = %v, want pruned to 2", archives)
	}
}

func TestNoArchiveOnSmallChange(t *testing.T) {
	s := newTestStore(t, Config{})
	if err := s.SavePatterns("example.com", []Pattern{pattern("a", 0.5), pattern("b", 0.5), pattern("c", 0.5)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// one addition on three existing keys stays under the 0.5 ratio
	if err := s.SavePatterns("example.com", []Pattern{pattern("d", 0.5)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	archives, _ := filepath.Glob(filepath.Join(s.cfg.archiveDir(), "example.com_*.json"))
	if len(archives) != 0 {
		t.Fatalf("unexpected archives: %v", archives)
	}
}

func TestDomainEvictionLRU(t *testing.T) {
	s := newTestStore(t, Config{MaxDomains: 2})
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i, domain := range []string{"old.example.com", "mid.example.com", "new.example.com"} {
		tick := base.Add(time.Duration(i) * time.Hour)
		s.now = func() time.Time { return tick }
		if err := s.SavePatterns(domain, []Pattern{pattern("x", 0.5)}); err != nil {
			t.Fatalf("save %s: %v", domain, err)
		}
	}

	domains := s.Domains()
	if len(domains) != 2 {
		t.Fatalf("domains = %v", domains)
	}
	for _, d := range domains {
		if d == "old.example.com" {
			t.Fatal("least recently used domain survived eviction")
		}
	}
	if _, err := os.Stat(filepath.Join(s.cfg.cardsDir(), "old.example.com.json")); !os.IsNotExist(err) {
		t.Fatalf("evicted card still on disk: %v", err)
	}
}

func TestMaintainPurgesDecayedPatterns(t *testing.T) {
	s := newTestStore(t, Config{})
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if err := s.SavePatterns("example.com", []Pattern{pattern("stale", 0.3), pattern("fresh", 0.9)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// 0.3 · 0.95^30 ≈ 0.064 < 0.1, while 0.9 decays to ≈ 0.19
	s.now = func() time.Time { return base.Add(30 * 24 * time.Hour) }
	if err := s.Maintain(); err != nil {
		t.Fatalf("Maintain: %v", err)
	}

	card, _ := s.Card("example.com")
	if len(card.Patterns) != 1 || card.Patterns[0].Description != "fresh" {
		t.Fatalf("patterns after maintenance = %+v", card.Patterns)
	}
}

func TestMaintainRemovesEmptyDomains(t *testing.T) {
	s := newTestStore(t, Config{})
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	if err := s.SavePatterns("example.com", []Pattern{pattern("stale", 0.2)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	s.now = func() time.Time { return base.Add(365 * 24 * time.Hour) }
	if err := s.Maintain(); err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if len(s.Domains()) != 0 {
		t.Fatalf("domains = %v, want none", s.Domains())
	}
}

func TestCardCacheBounded(t *testing.T) {
	s := newTestStore(t, Config{CardCacheSize: 2})
	for _, d := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		if err := s.SavePatterns(d, []Pattern{pattern("x", 0.5)}); err != nil {
			t.Fatalf("save %s: %v", d, err)
		}
	}
	if s.cacheOrder.Len() != 2 {
		t.Fatalf("cache len = %d, want 2", s.cacheOrder.Len())
	}
	// evicted from cache but still readable from disk
	card, err := s.Card("a.example.com")
	if err != nil || len(card.Patterns) != 1 {
		t.Fatalf("card reload failed: %v %+v", err, card)
	}
}

func TestCardVersionAndMeta(t *testing.T) {
	s := newTestStore(t, Config{})
	if err := s.SavePatterns("example.com", []Pattern{pattern("a", 0.5)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SavePatterns("example.com", []Pattern{pattern("b", 0.5)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	yes := true
	if err := s.SetMeta("example.com", CardMeta{SiteType: SiteSPA, RequiresLogin: &yes}); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}

	card, _ := s.Card("example.com")
	if card.Version != 2 {
		t.Fatalf("version = %d, want 2", card.Version)
	}
	if card.SiteType != SiteSPA || !card.RequiresLogin {
		t.Fatalf("meta lost: %+v", card)
	}
	if card.CreatedAt.IsZero() || card.UpdatedAt.Before(card.CreatedAt) {
		t.Fatalf("timestamps wrong: %+v", card)
	}
}
