package templates

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// batchExtractPages visits a list of URLs, each in a fresh tab, and collects
// per-URL extraction results. Per-URL failures never fail the whole run.
type batchExtractPages struct {
	cfg Config
}

func (t *batchExtractPages) ID() string          { return "batch_extract_pages" }
func (t *batchExtractPages) RequiresLocal() bool { return false }

func (t *batchExtractPages) Description() string {
	return "Visit each URL in a fresh tab and extract page info and/or readable content. Per-URL failures are collected, not fatal."
}

func (t *batchExtractPages) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"urls":        map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"concurrency": map[string]interface{}{"type": "number"},
			"extract": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"pageInfo": map[string]interface{}{"type": "boolean"},
					"content":  map[string]interface{}{"type": "boolean"},
				},
			},
		},
		"required": []interface{}{"urls"},
	}
}

func (t *batchExtractPages) OutputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"results": map[string]interface{}{"type": "array"},
			"summary": map[string]interface{}{"type": "object"},
		},
	}
}

func (t *batchExtractPages) Validate(args map[string]interface{}) error {
	urls, err := stringList(args, "urls")
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return protocol.NewError(protocol.CodeInvalidParameter, "urls must not be empty")
	}
	if len(urls) > t.cfg.MaxBatchURLs {
		return protocol.NewError(protocol.CodeInvalidParameter, "urls exceeds the maximum of %d", t.cfg.MaxBatchURLs)
	}
	if c, ok := args["concurrency"]; ok {
		n := toInt(c)
		if n < 1 || n > t.cfg.MaxConcurrency {
			return protocol.NewError(protocol.CodeInvalidParameter, "concurrency must be in [1, %d]", t.cfg.MaxConcurrency)
		}
	}
	return nil
}

func (t *batchExtractPages) Units(args map[string]interface{}) int {
	urls, _ := stringList(args, "urls")
	return len(urls)
}

func (t *batchExtractPages) Execute(ctx context.Context, rt *Runtime, args map[string]interface{}) (interface{}, error) {
	urls, _ := stringList(args, "urls")
	total := len(urls)

	conc := t.cfg.DefaultConcurrency
	if c, ok := args["concurrency"]; ok {
		conc = toInt(c)
	}
	if conc > total {
		conc = total
	}

	extract, _ := args["extract"].(map[string]interface{})
	wantContent := boolOr(extract, "content", true)
	wantPageInfo := boolOr(extract, "pageInfo", false)

	results := make([]map[string]interface{}, total)
	var done int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			if err := rt.Token.Err(); err != nil {
				results[i] = map[string]interface{}{"url": url, "success": false, "error": protocol.MessageOf(err)}
				return nil
			}
			results[i] = t.visit(gctx, rt, url, wantPageInfo, wantContent)
			rt.progress(int(atomic.AddInt64(&done, 1)), total)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, r := range results {
		if r["success"] == true {
			succeeded++
		}
	}
	result := map[string]interface{}{
		"results": results,
		"summary": map[string]interface{}{
			"total":     total,
			"succeeded": succeeded,
			"failed":    total - succeeded,
		},
	}
	// Preserve the partial result on a canceled run.
	if err := rt.Token.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// visit extracts one URL in its own isolated session.
func (t *batchExtractPages) visit(ctx context.Context, rt *Runtime, url string, wantPageInfo, wantContent bool) map[string]interface{} {
	entry := map[string]interface{}{"url": url, "success": false}

	created := rt.Invoke(ctx, "create_session", nil)
	if created.IsError() {
		entry["error"] = protocol.MessageOf(created.Err)
		return entry
	}
	sid, serr := sessionIDOf(created)
	if serr != nil {
		entry["error"] = protocol.MessageOf(serr)
		return entry
	}
	defer rt.Tools.Invoke(ctx, "close_session", map[string]interface{}{"sessionId": sid})

	nav := rt.Invoke(ctx, "navigate", map[string]interface{}{"sessionId": sid, "url": url})
	if nav.IsError() {
		entry["error"] = protocol.MessageOf(nav.Err)
		entry["errorCode"] = nav.ErrorCode()
		return entry
	}
	entry["title"] = nav.AsMap()["title"]

	if wantPageInfo {
		info := rt.Invoke(ctx, "get_page_info", map[string]interface{}{"sessionId": sid})
		if info.IsError() {
			entry["error"] = protocol.MessageOf(info.Err)
			return entry
		}
		entry["pageInfo"] = info.Data
	}
	if wantContent {
		content := rt.Invoke(ctx, "get_page_content", map[string]interface{}{"sessionId": sid})
		if content.IsError() {
			entry["error"] = protocol.MessageOf(content.Err)
			return entry
		}
		if m, ok := content.Data.(map[string]interface{}); ok {
			entry["content"] = m["text"]
		}
	}

	entry["success"] = true
	return entry
}

// shared argument helpers

func stringList(args map[string]interface{}, key string) ([]string, error) {
	raw, ok := args[key].([]interface{})
	if !ok {
		if typed, ok := args[key].([]string); ok {
			return typed, nil
		}
		return nil, protocol.NewError(protocol.CodeInvalidParameter, "%s must be an array of strings", key)
	}
	out := make([]string, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, protocol.NewError(protocol.CodeInvalidParameter, "%s[%d] must be a non-empty string", key, i)
		}
		out = append(out, s)
	}
	return out, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

func boolOr(m map[string]interface{}, key string, def bool) bool {
	if m == nil {
		return def
	}
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func stringOr(m map[string]interface{}, key, def string) string {
	if m == nil {
		return def
	}
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}
