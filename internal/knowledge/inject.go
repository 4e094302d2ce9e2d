package knowledge

import (
	"fmt"
	"sort"
	"strings"
)

// defaultInjectBudget caps the prompt fragment size in characters.
const defaultInjectBudget = 2000

// maxIntentPatterns bounds the task-matched patterns placed first.
const maxIntentPatterns = 3

const cautionLine = "These hints come from past runs and may be stale; verify against the live page before relying on them."

// Fragment renders the prompt fragment for a domain and task goal.
// task_intent patterns relevant to the goal lead (at most three), global
// pattern types are always candidates, and everything competes on decayed
// confidence within the character budget. Returns "" when nothing is known.
func (s *Store) Fragment(domain, taskGoal string) string {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return ""
	}
	s.mu.Lock()
	card, err := s.cardLocked(d)
	now := s.now()
	var patterns []Pattern
	var requiresLogin bool
	siteType := SiteUnknown
	if err == nil {
		patterns = append(patterns, card.Patterns...)
		requiresLogin = card.RequiresLogin
		siteType = card.SiteType
	}
	s.mu.Unlock()
	if len(patterns) == 0 {
		return ""
	}

	var intentMatched, rest []Pattern
	for _, p := range patterns {
		switch {
		case p.Type == TypeTaskIntent && intentRelevant(p, taskGoal):
			intentMatched = append(intentMatched, p)
		case p.Type == TypeTaskIntent:
			// unrelated task experience stays out of the prompt
		default:
			rest = append(rest, p)
		}
	}

	byConfidence := func(ps []Pattern) {
		sort.SliceStable(ps, func(i, j int) bool {
			return s.effectiveConfidence(ps[i], now) > s.effectiveConfidence(ps[j], now)
		})
	}
	byConfidence(intentMatched)
	byConfidence(rest)
	if len(intentMatched) > maxIntentPatterns {
		intentMatched = intentMatched[:maxIntentPatterns]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Known behavior of %s", d)
	var traits []string
	if siteType != "" && siteType != SiteUnknown {
		traits = append(traits, siteType)
	}
	if requiresLogin {
		traits = append(traits, "requires login")
	}
	if len(traits) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(traits, ", "))
	}
	b.WriteString(":\n")
	footer := "\n" + cautionLine

	appendPattern := func(p Pattern) bool {
		text := p.Description
		if p.Value != "" && p.Value != p.Description {
			text += ": " + p.Value
		}
		line := fmt.Sprintf("- [%s] %s (confidence %.2f)\n", p.Type, text, s.effectiveConfidence(p, now))
		if b.Len()+len(line)+len(footer) > s.cfg.InjectBudget {
			return false
		}
		b.WriteString(line)
		return true
	}

	wrote := 0
	for _, p := range intentMatched {
		if appendPattern(p) {
			wrote++
		}
	}
	for _, p := range rest {
		if appendPattern(p) {
			wrote++
		}
	}
	if wrote == 0 {
		return ""
	}
	b.WriteString(footer)
	return b.String()
}

// intentRelevant does substring matching in both directions against the
// pattern's description and value. Matching on runes rather than words keeps
// it usable for CJK goals, which have no word boundaries to split on.
func intentRelevant(p Pattern, taskGoal string) bool {
	t := strings.ToLower(strings.TrimSpace(taskGoal))
	if t == "" {
		return false
	}
	for _, field := range []string{p.Description, p.Value} {
		f := strings.ToLower(strings.TrimSpace(field))
		if f == "" {
			continue
		}
		if strings.Contains(t, f) || strings.Contains(f, t) {
			return true
		}
	}
	return false
}
