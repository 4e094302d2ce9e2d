package templates

import (
	"context"
	"reflect"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/webpilot/internal/browser"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// multiTabCompare snapshots several URLs in parallel and diffs the named
// fields across the successful snapshots.
type multiTabCompare struct {
	cfg Config
}

const (
	compareMinURLs = 2
	compareMaxURLs = 10
)

// defaultCompareFields are diffed when the caller names none.
var defaultCompareFields = []string{"title", "headings", "canonical"}

// structuralFields require the element snapshot, so extract.pageInfo must
// not be disabled when they are compared.
var structuralFields = map[string]bool{"headings": true, "elements": true}

func (t *multiTabCompare) ID() string          { return "multi_tab_compare" }
func (t *multiTabCompare) RequiresLocal() bool { return false }

func (t *multiTabCompare) Description() string {
	return "Snapshot 2-10 URLs in parallel and report differences across selected fields (title, headings, canonical URL)."
}

func (t *multiTabCompare) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"urls": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"extract": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"pageInfo": map[string]interface{}{"type": "boolean"},
					"content":  map[string]interface{}{"type": "boolean"},
				},
			},
			"compare": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"fields": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
			},
		},
		"required": []interface{}{"urls"},
	}
}

func (t *multiTabCompare) OutputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"snapshots": map[string]interface{}{"type": "array"},
			"diffs":     map[string]interface{}{"type": "array"},
			"summary":   map[string]interface{}{"type": "object"},
		},
	}
}

func (t *multiTabCompare) Validate(args map[string]interface{}) error {
	urls, err := stringList(args, "urls")
	if err != nil {
		return err
	}
	if len(urls) < compareMinURLs || len(urls) > compareMaxURLs {
		return protocol.NewError(protocol.CodeInvalidParameter, "urls must contain between %d and %d entries", compareMinURLs, compareMaxURLs)
	}

	extract, _ := args["extract"].(map[string]interface{})
	for _, f := range t.compareFields(args) {
		if structuralFields[f] && !boolOr(extract, "pageInfo", true) {
			return protocol.NewError(protocol.CodeInvalidParameter, "compare.fields includes %q which requires extract.pageInfo", f)
		}
	}
	return nil
}

func (t *multiTabCompare) Units(args map[string]interface{}) int {
	urls, _ := stringList(args, "urls")
	return len(urls)
}

func (t *multiTabCompare) compareFields(args map[string]interface{}) []string {
	compare, _ := args["compare"].(map[string]interface{})
	if compare != nil {
		if fields, err := stringList(compare, "fields"); err == nil && len(fields) > 0 {
			return fields
		}
	}
	return defaultCompareFields
}

func (t *multiTabCompare) Execute(ctx context.Context, rt *Runtime, args map[string]interface{}) (interface{}, error) {
	urls, _ := stringList(args, "urls")
	total := len(urls)
	fields := t.compareFields(args)

	conc := t.cfg.DefaultConcurrency
	if conc > total {
		conc = total
	}

	type snapshot struct {
		url     string
		success bool
		errMsg  string
		info    *browser.PageInfo
	}
	snaps := make([]snapshot, total)
	var done int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			defer func() { rt.progress(int(atomic.AddInt64(&done, 1)), total) }()
			snaps[i] = snapshot{url: url}
			if err := rt.Token.Err(); err != nil {
				snaps[i].errMsg = protocol.MessageOf(err)
				return nil
			}

			created := rt.Invoke(gctx, "create_session", nil)
			if created.IsError() {
				snaps[i].errMsg = protocol.MessageOf(created.Err)
				return nil
			}
			sid, serr := sessionIDOf(created)
			if serr != nil {
				snaps[i].errMsg = protocol.MessageOf(serr)
				return nil
			}
			defer rt.Tools.Invoke(gctx, "close_session", map[string]interface{}{"sessionId": sid})

			if nav := rt.Invoke(gctx, "navigate", map[string]interface{}{"sessionId": sid, "url": url}); nav.IsError() {
				snaps[i].errMsg = protocol.MessageOf(nav.Err)
				return nil
			}
			info := rt.Invoke(gctx, "get_page_info", map[string]interface{}{"sessionId": sid})
			if info.IsError() {
				snaps[i].errMsg = protocol.MessageOf(info.Err)
				return nil
			}
			pi, ok := info.Data.(*browser.PageInfo)
			if !ok {
				snaps[i].errMsg = "unexpected page info payload"
				return nil
			}
			snaps[i].success = true
			snaps[i].info = pi
			return nil
		})
	}
	_ = g.Wait()

	outSnaps := make([]map[string]interface{}, 0, total)
	succeeded := 0
	for _, s := range snaps {
		entry := map[string]interface{}{"url": s.url, "success": s.success}
		if s.success {
			succeeded++
			entry["title"] = s.info.Title
			for _, f := range fields {
				entry[f] = fieldValue(s.info, f)
			}
		} else {
			entry["error"] = s.errMsg
		}
		outSnaps = append(outSnaps, entry)
	}

	// Diffs need at least two snapshots to compare.
	diffs := []map[string]interface{}{}
	if succeeded >= 2 {
		for _, f := range fields {
			var ref interface{}
			refSet := false
			values := []map[string]interface{}{}
			differs := false
			for _, s := range snaps {
				if !s.success {
					continue
				}
				v := fieldValue(s.info, f)
				values = append(values, map[string]interface{}{"url": s.url, "value": v})
				if !refSet {
					ref, refSet = v, true
				} else if !reflect.DeepEqual(ref, v) {
					differs = true
				}
			}
			if differs {
				diffs = append(diffs, map[string]interface{}{"field": f, "values": values})
			}
		}
	}

	result := map[string]interface{}{
		"snapshots": outSnaps,
		"diffs":     diffs,
		"summary": map[string]interface{}{
			"total":     total,
			"succeeded": succeeded,
			"failed":    total - succeeded,
		},
	}
	if err := rt.Token.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// fieldValue maps a compare field name onto the page snapshot.
func fieldValue(info *browser.PageInfo, field string) interface{} {
	switch field {
	case "title":
		return info.Title
	case "headings":
		return info.Headings
	case "canonical", "canonicalUrl":
		return info.CanonicalURL
	case "url":
		return info.URL
	case "elements":
		return len(info.Elements)
	}
	return nil
}
