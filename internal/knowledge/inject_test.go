package knowledge

import (
	"fmt"
	"strings"
	"testing"
)

func TestFragmentEmptyWithoutKnowledge(t *testing.T) {
	s := newTestStore(t, Config{})
	if got := s.Fragment("unknown.example.com", "extract prices"); got != "" {
		t.Fatalf("Fragment = %q, want empty", got)
	}
	if got := s.Fragment("not a domain", "extract prices"); got != "" {
		t.Fatalf("invalid domain produced a fragment: %q", got)
	}
}

func TestFragmentPrioritizesTaskIntent(t *testing.T) {
	s := newTestStore(t, Config{})
	err := s.SavePatterns("shop.example.com", []Pattern{
		{Type: TypeTaskIntent, Description: "提取商品价格", Value: "prices live in .price-tag", Confidence: 0.5},
		{Type: TypeSelector, Description: "checkout button", Value: "#go", Confidence: 0.99},
		{Type: TypeTaskIntent, Description: "submit a support ticket", Value: "form at /support", Confidence: 0.9},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	frag := s.Fragment("shop.example.com", "打开商品页并提取商品价格")
	priceIdx := strings.Index(frag, "price-tag")
	checkoutIdx := strings.Index(frag, "checkout button")
	if priceIdx < 0 || checkoutIdx < 0 {
		t.Fatalf("fragment incomplete: %q", frag)
	}
	// the intent match leads despite the higher-confidence selector
	if priceIdx > checkoutIdx {
		t.Fatalf("intent-matched pattern not listed first:\n%s", frag)
	}
	// task experience from unrelated goals stays out
	if strings.Contains(frag, "support ticket") {
		t.Fatalf("unrelated task intent leaked:\n%s", frag)
	}
	if !strings.Contains(frag, "may be stale") {
		t.Fatalf("caution line missing: %q", frag)
	}
}

func TestFragmentGlobalTypesAlwaysCandidates(t *testing.T) {
	s := newTestStore(t, Config{})
	err := s.SavePatterns("app.example.com", []Pattern{
		{Type: TypeLoginRequired, Description: "all pages redirect to /login when unauthenticated", Value: "/login", Confidence: 0.9},
		{Type: TypeSPAHint, Description: "content renders client side, wait_for_stable before reading", Value: "spa", Confidence: 0.8},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	frag := s.Fragment("app.example.com", "download the quarterly report")
	if !strings.Contains(frag, "redirect to /login") || !strings.Contains(frag, "client side") {
		t.Fatalf("global patterns missing: %q", frag)
	}
}

func TestFragmentMentionsCardTraits(t *testing.T) {
	s := newTestStore(t, Config{})
	if err := s.SavePatterns("app.example.com", []Pattern{pattern("menu", 0.7)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	yes := true
	if err := s.SetMeta("app.example.com", CardMeta{SiteType: SiteSPA, RequiresLogin: &yes}); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}

	frag := s.Fragment("app.example.com", "anything")
	if !strings.Contains(frag, "spa") || !strings.Contains(frag, "requires login") {
		t.Fatalf("traits missing from header: %q", frag)
	}
}

func TestFragmentRespectsBudget(t *testing.T) {
	s := newTestStore(t, Config{MaxPatternsPerDomain: 30})
	var ps []Pattern
	for i := 0; i < 30; i++ {
		ps = append(ps, Pattern{
			Type:        TypeSelector,
			Description: fmt.Sprintf("pattern %02d: %s", i, strings.Repeat("detail ", 30)),
			Value:       fmt.Sprintf("#sel-%02d", i),
			Confidence:  0.9,
		})
	}
	if err := s.SavePatterns("big.example.com", ps); err != nil {
		t.Fatalf("save: %v", err)
	}

	frag := s.Fragment("big.example.com", "anything")
	if len(frag) > defaultInjectBudget {
		t.Fatalf("fragment length %d exceeds budget %d", len(frag), defaultInjectBudget)
	}
	if !strings.HasSuffix(strings.TrimSpace(frag), cautionLine) {
		t.Fatalf("fragment does not end with the caution line: %q", frag[len(frag)-120:])
	}
}

func TestIntentRelevant(t *testing.T) {
	tests := []struct {
		pattern Pattern
		task    string
		want    bool
	}{
		{Pattern{Description: "提取商品价格"}, "打开页面并提取商品价格", true},
		{Pattern{Description: "extract prices"}, "prices", true},
		{Pattern{Value: "compare plans side by side"}, "compare plans", true},
		{Pattern{Description: "login flow"}, "compare two pages", false},
		{Pattern{}, "anything", false},
		{Pattern{Description: "anything"}, "", false},
		{Pattern{Description: "Checkout"}, "proceed to CHECKOUT now", true},
	}
	for _, tt := range tests {
		if got := intentRelevant(tt.pattern, tt.task); got != tt.want {
			t.Errorf("intentRelevant(%+v, %q) = %v, want %v", tt.pattern, tt.task, got, tt.want)
		}
	}
}
