package agent

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/webpilot/internal/providers"
)

// summaryPrefix opens the collapsed-history message. The marker is part of
// the conversation contract consumed by downstream prompt tooling.
const summaryPrefix = "[对话历史摘要]"

// ConversationConfig bounds the message list.
type ConversationConfig struct {
	MaxMessages       int
	CompressThreshold int
	KeepRecent        int
	CharsPerToken     int
}

func (c *ConversationConfig) defaults() {
	if c.MaxMessages <= 0 {
		c.MaxMessages = 40
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = 30
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = 20
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = 4
	}
}

// Conversation holds the ordered message list for one agent run. Index 0 is
// always the system prompt.
type Conversation struct {
	cfg      ConversationConfig
	messages []providers.Message
}

// NewConversation normalizes the initial list: extra system messages merge
// into the primary system content and a trailing unmatched tool-call group
// is stripped so the sequence stays well-formed.
func NewConversation(system string, initial []providers.Message, cfg ConversationConfig) *Conversation {
	cfg.defaults()

	systemParts := []string{}
	if system != "" {
		systemParts = append(systemParts, system)
	}
	rest := make([]providers.Message, 0, len(initial))
	for _, m := range initial {
		if m.Role == "system" {
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	rest = stripDangling(rest)

	c := &Conversation{cfg: cfg}
	c.messages = append(c.messages, providers.Message{Role: "system", Content: strings.Join(systemParts, "\n\n")})
	c.messages = append(c.messages, rest...)
	return c
}

// stripDangling removes a trailing assistant-with-tool-calls that has no tool
// results yet, and leading orphan tool messages.
func stripDangling(msgs []providers.Message) []providers.Message {
	for len(msgs) > 0 && msgs[0].Role == "tool" {
		msgs = msgs[1:]
	}
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		if last.Role == "assistant" && len(last.ToolCalls) > 0 {
			msgs = msgs[:n-1]
		}
	}
	return msgs
}

// Push appends a message and compresses when the count crosses the threshold.
func (c *Conversation) Push(m providers.Message) {
	c.messages = append(c.messages, m)
	if len(c.messages) > c.cfg.CompressThreshold {
		c.Compress()
	}
}

// Messages returns a copy of the current list.
func (c *Conversation) Messages() []providers.Message {
	out := make([]providers.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the current message count.
func (c *Conversation) Len() int { return len(c.messages) }

// EstimateTokens approximates the conversation size at the configured
// chars-per-token ratio.
func (c *Conversation) EstimateTokens() int {
	chars := 0
	for _, m := range c.messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + 32
		}
	}
	return chars / c.cfg.CharsPerToken
}

// Compress keeps the system prompt and the most recent messages, collapsing
// the middle into one user-role summary. The split never separates an
// assistant carrying tool_calls from its tool results.
func (c *Conversation) Compress() {
	if len(c.messages) <= c.cfg.KeepRecent+2 {
		return
	}

	split := len(c.messages) - c.cfg.KeepRecent
	if split < 1 {
		split = 1
	}
	// move the split back so the kept suffix never starts mid tool group
	for split > 1 && c.messages[split].Role == "tool" {
		split--
	}
	if split > 1 {
		prev := c.messages[split-1]
		if prev.Role == "assistant" && len(prev.ToolCalls) > 0 {
			split--
		}
	}
	if split <= 1 {
		return
	}

	summary := summarizeRange(c.messages[1:split])
	kept := make([]providers.Message, 0, len(c.messages)-split+2)
	kept = append(kept, c.messages[0])
	kept = append(kept, providers.Message{Role: "user", Content: summary})
	kept = append(kept, c.messages[split:]...)
	c.messages = kept
}

// summarizeRange prints one line per tool-call group and one flat line per
// free assistant/user message.
func summarizeRange(msgs []providers.Message) string {
	var b strings.Builder
	b.WriteString(summaryPrefix)
	b.WriteString("\n")

	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			names := make([]string, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				names[j] = tc.Name
			}
			// gather this group's tool results
			var resultSnippet string
			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				if resultSnippet == "" {
					resultSnippet = snippet(msgs[i].Content, 80)
				}
			}
			fmt.Fprintf(&b, "thought: %s called %s → %s\n",
				snippet(m.Content, 60), strings.Join(names, ","), resultSnippet)
		case m.Role == "tool":
			// orphan tool result, should not happen after normalization
			fmt.Fprintf(&b, "tool: %s\n", snippet(m.Content, 80))
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, snippet(m.Content, 100))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func snippet(s string, max int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
