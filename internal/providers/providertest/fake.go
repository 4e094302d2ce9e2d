// Package providertest provides a scripted LLM provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/webpilot/internal/providers"
)

// Scripted replays a fixed sequence of responses and records every request.
type Scripted struct {
	mu        sync.Mutex
	Responses []*providers.ChatResponse
	Errs      []error // parallel to Responses; nil entries mean success
	Requests  []providers.ChatRequest
	idx       int
}

func (s *Scripted) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.idx >= len(s.Responses) {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", s.idx)
	}
	i := s.idx
	s.idx++
	if i < len(s.Errs) && s.Errs[i] != nil {
		return nil, s.Errs[i]
	}
	return s.Responses[i], nil
}

func (s *Scripted) DefaultModel() string { return "scripted-1" }
func (s *Scripted) Name() string         { return "scripted" }

// Calls returns how many Chat calls were made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx
}

// TextResponse builds a plain content response.
func TextResponse(content string) *providers.ChatResponse {
	return &providers.ChatResponse{Content: content, FinishReason: "stop"}
}

// ToolCallResponse builds a response requesting one tool call.
func ToolCallResponse(id, name string, args map[string]interface{}) *providers.ChatResponse {
	return &providers.ChatResponse{
		FinishReason: "tool_calls",
		ToolCalls:    []providers.ToolCall{{ID: id, Name: name, Arguments: args}},
	}
}
