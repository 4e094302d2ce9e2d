// Package knowledge persists per-domain automation hints: patterns learned
// from agent runs and human recordings, stored as JSON cards on disk and
// injected into agent prompts.
package knowledge

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pattern sources.
const (
	SourceAgentAuto = "agent_auto"
	SourceRecording = "human_recording"
	SourceManual    = "manual"
)

// Pattern types.
const (
	TypeSelector       = "selector"
	TypeNavigationPath = "navigation_path"
	TypeLoginRequired  = "login_required"
	TypeSPAHint        = "spa_hint"
	TypePageStructure  = "page_structure"
	TypeTaskIntent     = "task_intent"
)

// Global pattern types are injected regardless of the task intent.
var globalPatternTypes = map[string]bool{
	TypeLoginRequired: true,
	TypeSPAHint:       true,
	TypePageStructure: true,
}

// Site types recorded on a card.
const (
	SiteSPA     = "spa"
	SiteSSR     = "ssr"
	SiteUnknown = "unknown"
)

// Pattern is one reusable hint about a domain.
type Pattern struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Value       string    `json:"value"`
	URLPattern  string    `json:"urlPattern,omitempty"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source"`
	UseCount    int       `json:"useCount"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt"`
}

// key identifies a pattern for merge and change detection across card
// versions.
func (p Pattern) key() string {
	return p.Type + "|" + p.Value + "|" + p.URLPattern
}

// Card is the per-domain pattern collection persisted at
// <dataDir>/memory/cards/<domain>.json.
type Card struct {
	Domain        string    `json:"domain"`
	Version       int       `json:"version"`
	SiteType      string    `json:"siteType"`
	RequiresLogin bool      `json:"requiresLogin"`
	Patterns      []Pattern `json:"patterns"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type indexEntry struct {
	LastUsedAt   time.Time `json:"lastUsedAt"`
	PatternCount int       `json:"patternCount"`
}

// Config bounds the store. Zero values pick the defaults.
type Config struct {
	DataDir                string
	MaxDomains             int
	MaxPatternsPerDomain   int
	MaxArchivesPerDomain   int
	CardCacheSize          int
	FlushDelay             time.Duration
	ArchiveChangeThreshold float64
	ConfidenceDecayBase    float64
	MinConfidence          float64
	InjectBudget           int
}

func (c *Config) defaults() {
	if c.MaxDomains <= 0 {
		c.MaxDomains = 200
	}
	if c.MaxPatternsPerDomain <= 0 {
		c.MaxPatternsPerDomain = 30
	}
	if c.MaxArchivesPerDomain <= 0 {
		c.MaxArchivesPerDomain = 5
	}
	if c.CardCacheSize <= 0 {
		c.CardCacheSize = 10
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = 5 * time.Second
	}
	if c.ArchiveChangeThreshold <= 0 {
		c.ArchiveChangeThreshold = 0.5
	}
	if c.ConfidenceDecayBase <= 0 {
		c.ConfidenceDecayBase = 0.95
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.1
	}
	if c.InjectBudget <= 0 {
		c.InjectBudget = defaultInjectBudget
	}
}

// Store is the on-disk knowledge base. Safe for concurrent use.
type Store struct {
	cfg Config

	mu         sync.Mutex
	index      map[string]*indexEntry
	cache      map[string]*list.Element // domain -> cacheEntry
	cacheOrder *list.List               // front = most recent
	flushTimer *time.Timer
	closed     bool

	now func() time.Time
}

type cacheEntry struct {
	domain string
	card   *Card
}

// NewStore opens (or initializes) the knowledge base under dataDir.
func NewStore(cfg Config) (*Store, error) {
	cfg.defaults()
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("knowledge: DataDir is required")
	}
	for _, dir := range []string{cfg.cardsDir(), cfg.archiveDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("knowledge: %w", err)
		}
	}

	s := &Store{
		cfg:        cfg,
		index:      make(map[string]*indexEntry),
		cache:      make(map[string]*list.Element),
		cacheOrder: list.New(),
		now:        time.Now,
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (c Config) cardsDir() string   { return filepath.Join(c.DataDir, "memory", "cards") }
func (c Config) archiveDir() string { return filepath.Join(c.DataDir, "memory", "archive") }
func (c Config) indexPath() string  { return filepath.Join(c.DataDir, "memory", "index.json") }

// domainPattern admits hostnames only; anything else could escape the cards
// directory through the filename.
var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62})?(\.[a-z0-9]([a-z0-9-]{0,62})?)*$`)

// NormalizeDomain lowercases and validates a domain for use as a card name.
func NormalizeDomain(domain string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" || len(d) > 253 || !domainPattern.MatchString(d) {
		return "", fmt.Errorf("knowledge: invalid domain %q", domain)
	}
	return d, nil
}

// Card returns the stored card for a domain, or an empty card when none
// exists yet.
func (s *Store) Card(domain string) (*Card, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cardLocked(d)
}

func (s *Store) cardLocked(domain string) (*Card, error) {
	if el, ok := s.cache[domain]; ok {
		s.cacheOrder.MoveToFront(el)
		return el.Value.(*cacheEntry).card, nil
	}

	card := &Card{Domain: domain, SiteType: SiteUnknown}
	raw, err := os.ReadFile(filepath.Join(s.cfg.cardsDir(), domain+".json"))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, card); err != nil {
			return nil, fmt.Errorf("knowledge: card %s corrupt: %w", domain, err)
		}
	case os.IsNotExist(err):
		// fresh domain
	default:
		return nil, fmt.Errorf("knowledge: read card %s: %w", domain, err)
	}

	s.cacheInsert(domain, card)
	return card, nil
}

func (s *Store) cacheInsert(domain string, card *Card) {
	if el, ok := s.cache[domain]; ok {
		el.Value.(*cacheEntry).card = card
		s.cacheOrder.MoveToFront(el)
		return
	}
	s.cache[domain] = s.cacheOrder.PushFront(&cacheEntry{domain: domain, card: card})
	for s.cacheOrder.Len() > s.cfg.CardCacheSize {
		oldest := s.cacheOrder.Back()
		s.cacheOrder.Remove(oldest)
		delete(s.cache, oldest.Value.(*cacheEntry).domain)
	}
}

// CardMeta updates a card's site classification.
type CardMeta struct {
	SiteType      string
	RequiresLogin *bool
}

// SetMeta records site-level observations on a card.
func (s *Store) SetMeta(domain string, meta CardMeta) error {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	card, err := s.cardLocked(d)
	if err != nil {
		return err
	}
	if meta.SiteType != "" {
		card.SiteType = meta.SiteType
	}
	if meta.RequiresLogin != nil {
		card.RequiresLogin = *meta.RequiresLogin
	}
	card.UpdatedAt = s.now()
	return s.writeCardLocked(card)
}

// SavePatterns merges patterns into a domain's card. Existing patterns with
// the same key keep their usage stats; the card is archived first when the
// merge would replace more than the configured share of it.
func (s *Store) SavePatterns(domain string, patterns []Pattern) error {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	card, err := s.cardLocked(d)
	if err != nil {
		return err
	}
	now := s.now()

	merged := make([]Pattern, len(card.Patterns))
	copy(merged, card.Patterns)
	byKey := make(map[string]int, len(merged))
	for i, p := range merged {
		byKey[p.key()] = i
	}
	for _, p := range patterns {
		if p.ID == "" {
			p.ID = fmt.Sprintf("p-%d-%d", now.UnixNano(), len(merged))
		}
		if p.Source == "" {
			p.Source = SourceAgentAuto
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.LastUsedAt.IsZero() {
			p.LastUsedAt = now
		}
		if i, ok := byKey[p.key()]; ok {
			old := merged[i]
			p.ID = old.ID
			p.UseCount = old.UseCount
			p.CreatedAt = old.CreatedAt
			if p.Confidence < old.Confidence {
				p.Confidence = old.Confidence
			}
			merged[i] = p
			continue
		}
		byKey[p.key()] = len(merged)
		merged = append(merged, p)
	}

	// rank by decayed confidence and cap the card
	sort.SliceStable(merged, func(i, j int) bool {
		return s.effectiveConfidence(merged[i], now) > s.effectiveConfidence(merged[j], now)
	})
	if len(merged) > s.cfg.MaxPatternsPerDomain {
		merged = merged[:s.cfg.MaxPatternsPerDomain]
	}

	if s.changeRatio(card.Patterns, merged) > s.cfg.ArchiveChangeThreshold {
		if err := s.archiveLocked(card, now); err != nil {
			slog.Warn("knowledge.archive_failed", "domain", d, "error", err)
		}
	}

	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}
	card.Patterns = merged
	card.Version++
	card.UpdatedAt = now
	if err := s.writeCardLocked(card); err != nil {
		return err
	}

	s.index[d] = &indexEntry{LastUsedAt: now, PatternCount: len(merged)}
	s.evictDomainsLocked()
	s.scheduleFlushLocked()
	slog.Debug("knowledge.card_saved", "domain", d, "version", card.Version, "patterns", len(merged))
	return nil
}

// RecordUsage marks the patterns carrying the given value as having helped a
// run: useCount and lastUsedAt advance and confidence grows by 0.05 up to
// 1.0. Patterns that share a value (differing in type or urlPattern) all get
// the credit.
func (s *Store) RecordUsage(domain, patternValue string) error {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	card, err := s.cardLocked(d)
	if err != nil {
		return err
	}
	now := s.now()
	hit := false
	for i := range card.Patterns {
		if card.Patterns[i].Value != patternValue {
			continue
		}
		hit = true
		card.Patterns[i].UseCount++
		card.Patterns[i].LastUsedAt = now
		card.Patterns[i].Confidence = math.Min(1.0, card.Patterns[i].Confidence+0.05)
	}
	if !hit {
		return fmt.Errorf("knowledge: pattern %q not found in %s", patternValue, d)
	}
	card.UpdatedAt = now
	if err := s.writeCardLocked(card); err != nil {
		return err
	}
	if e, ok := s.index[d]; ok {
		e.LastUsedAt = now
	} else {
		s.index[d] = &indexEntry{LastUsedAt: now, PatternCount: len(card.Patterns)}
	}
	s.scheduleFlushLocked()
	return nil
}

// Maintain drops patterns whose decayed confidence fell under the floor and
// removes cards that end up empty.
func (s *Store) Maintain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	for domain := range s.index {
		card, err := s.cardLocked(domain)
		if err != nil {
			slog.Warn("knowledge.maintain_skip", "domain", domain, "error", err)
			continue
		}
		kept := card.Patterns[:0]
		for _, p := range card.Patterns {
			if s.effectiveConfidence(p, now) >= s.cfg.MinConfidence {
				kept = append(kept, p)
			}
		}
		if len(kept) == len(card.Patterns) {
			continue
		}
		card.Patterns = kept
		card.UpdatedAt = now
		if len(kept) == 0 {
			s.removeDomainLocked(domain)
			continue
		}
		if err := s.writeCardLocked(card); err != nil {
			return err
		}
		s.index[domain].PatternCount = len(kept)
	}
	s.scheduleFlushLocked()
	return nil
}

// Domains returns the indexed domain names.
func (s *Store) Domains() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.index))
	for d := range s.index {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Close flushes the index synchronously.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	return s.writeIndexLocked()
}

// effectiveConfidence decays stored confidence by age since last use.
func (s *Store) effectiveConfidence(p Pattern, now time.Time) float64 {
	days := now.Sub(p.LastUsedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return p.Confidence * math.Pow(s.cfg.ConfidenceDecayBase, days)
}

// changeRatio is the symmetric difference of pattern keys over the larger
// card size.
func (s *Store) changeRatio(old, new []Pattern) float64 {
	if len(old) == 0 {
		return 0
	}
	oldKeys := make(map[string]bool, len(old))
	for _, p := range old {
		oldKeys[p.key()] = true
	}
	newKeys := make(map[string]bool, len(new))
	for _, p := range new {
		newKeys[p.key()] = true
	}
	diff := 0
	for k := range oldKeys {
		if !newKeys[k] {
			diff++
		}
	}
	for k := range newKeys {
		if !oldKeys[k] {
			diff++
		}
	}
	max := len(oldKeys)
	if len(newKeys) > max {
		max = len(newKeys)
	}
	return float64(diff) / float64(max)
}

func (s *Store) archiveLocked(card *Card, now time.Time) error {
	raw, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%d.json", card.Domain, now.Unix())
	if err := os.WriteFile(filepath.Join(s.cfg.archiveDir(), name), raw, 0o644); err != nil {
		return err
	}
	return s.pruneArchivesLocked(card.Domain)
}

func (s *Store) pruneArchivesLocked(domain string) error {
	matches, err := filepath.Glob(filepath.Join(s.cfg.archiveDir(), domain+"_*.json"))
	if err != nil {
		return err
	}
	if len(matches) <= s.cfg.MaxArchivesPerDomain {
		return nil
	}
	sort.Strings(matches) // timestamps sort lexically within an epoch width
	for _, path := range matches[:len(matches)-s.cfg.MaxArchivesPerDomain] {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) evictDomainsLocked() {
	for len(s.index) > s.cfg.MaxDomains {
		oldest, oldestAt := "", time.Time{}
		for d, e := range s.index {
			if oldest == "" || e.LastUsedAt.Before(oldestAt) {
				oldest, oldestAt = d, e.LastUsedAt
			}
		}
		slog.Info("knowledge.domain_evicted", "domain", oldest, "lastUsedAt", oldestAt)
		s.removeDomainLocked(oldest)
	}
}

func (s *Store) removeDomainLocked(domain string) {
	delete(s.index, domain)
	if el, ok := s.cache[domain]; ok {
		s.cacheOrder.Remove(el)
		delete(s.cache, domain)
	}
	_ = os.Remove(filepath.Join(s.cfg.cardsDir(), domain+".json"))
}

func (s *Store) writeCardLocked(card *Card) error {
	raw, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.cfg.cardsDir(), card.Domain+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.cacheInsert(card.Domain, card)
	return nil
}

func (s *Store) loadIndex() error {
	raw, err := os.ReadFile(s.cfg.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("knowledge: read index: %w", err)
	}
	if err := json.Unmarshal(raw, &s.index); err != nil {
		return fmt.Errorf("knowledge: index corrupt: %w", err)
	}
	return nil
}

// scheduleFlushLocked coalesces index writes: many saves in a burst produce
// one flush after the delay.
func (s *Store) scheduleFlushLocked() {
	if s.closed || s.flushTimer != nil {
		return
	}
	s.flushTimer = time.AfterFunc(s.cfg.FlushDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.flushTimer = nil
		if err := s.writeIndexLocked(); err != nil {
			slog.Warn("knowledge.index_flush_failed", "error", err)
		}
	})
}

func (s *Store) writeIndexLocked() error {
	raw, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.cfg.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.cfg.indexPath())
}
