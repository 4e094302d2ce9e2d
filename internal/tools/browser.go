package tools

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/nextlevelbuilder/webpilot/internal/artifacts"
	"github.com/nextlevelbuilder/webpilot/internal/browser"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// BrowserDeps carries everything the browser op cluster needs.
type BrowserDeps struct {
	Sessions  *browser.Manager
	Artifacts *artifacts.Store
	Guard     *URLGuard
	Trust     protocol.TrustLevel

	// NavTimeout bounds WaitStable after navigation.
	NavTimeout time.Duration
}

func (d *BrowserDeps) navTimeout() time.Duration {
	if d.NavTimeout > 0 {
		return d.NavTimeout
	}
	return 15 * time.Second
}

// session resolves the sessionId argument.
func (d *BrowserDeps) session(args map[string]interface{}) (browser.Session, error) {
	id, err := requireString(args, "sessionId")
	if err != nil {
		return nil, err
	}
	return d.Sessions.Get(id)
}

// tab resolves sessionId plus an optional tabId (active tab by default).
func (d *BrowserDeps) tab(args map[string]interface{}) (browser.Tab, error) {
	sess, err := d.session(args)
	if err != nil {
		return nil, err
	}
	if tabID := argString(args, "tabId"); tabID != "" {
		if err := sess.SwitchTab(tabID); err != nil {
			return nil, err
		}
	}
	tab, ok := sess.ActiveTab()
	if !ok {
		return nil, protocol.NewError(protocol.CodeExecutionError, "session %s has no open tab", sess.ID())
	}
	return tab, nil
}

var sessionOnly = schemaObject(map[string]interface{}{
	"sessionId": schemaString("Browser session id"),
}, "sessionId")

func tabSchema(extra map[string]interface{}, required ...string) map[string]interface{} {
	props := map[string]interface{}{
		"sessionId": schemaString("Browser session id"),
		"tabId":     schemaString("Tab id; defaults to the active tab"),
	}
	for k, v := range extra {
		props[k] = v
	}
	return schemaObject(props, append([]string{"sessionId"}, required...)...)
}

// RegisterBrowserTools installs the browser op cluster into the registry.
func RegisterBrowserTools(reg *Registry, d *BrowserDeps) {
	reg.MustRegister(
		New("create_session",
			"Open an isolated browser session with one blank tab. Returns sessionId and tabId.",
			schemaObject(map[string]interface{}{}),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				sess, err := d.Sessions.Create(ctx)
				if err != nil {
					return nil, err
				}
				tab, _ := sess.ActiveTab()
				out := map[string]interface{}{"sessionId": sess.ID()}
				if tab != nil {
					out["tabId"] = tab.ID()
				}
				return out, nil
			}),

		New("close_session",
			"Close a browser session and all of its tabs.",
			sessionOnly,
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				id, err := requireString(args, "sessionId")
				if err != nil {
					return nil, err
				}
				if err := d.Sessions.Close(ctx, id); err != nil {
					return nil, err
				}
				return map[string]interface{}{"closed": true}, nil
			}),

		New("navigate",
			"Navigate the tab to a URL and wait for the page to become stable.",
			tabSchema(map[string]interface{}{
				"url": schemaString("Absolute http(s) URL"),
			}, "url"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				url, err := requireString(args, "url")
				if err != nil {
					return nil, err
				}
				if err := d.Guard.CheckResolved(ctx, url); err != nil {
					return nil, err
				}
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				if err := tab.Navigate(ctx, url); err != nil {
					return nil, err
				}
				_ = tab.WaitStable(ctx, d.navTimeout())
				info, err := tab.Info(ctx, false)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"url": info.URL, "title": info.Title}, nil
			}),

		New("go_back",
			"Navigate the tab back in history.",
			tabSchema(nil),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				if err := tab.Back(ctx); err != nil {
					return nil, err
				}
				info, err := tab.Info(ctx, false)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"url": info.URL, "title": info.Title}, nil
			}),

		New("wait",
			"Sleep for a bounded number of milliseconds (max 30000).",
			schemaObject(map[string]interface{}{
				"ms": schemaNumber("Milliseconds to wait"),
			}, "ms"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				ms := argInt(args, "ms", 0)
				if ms < 0 || ms > 30000 {
					return nil, protocol.NewError(protocol.CodeInvalidParameter, "ms must be in [0, 30000]")
				}
				select {
				case <-time.After(time.Duration(ms) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return map[string]interface{}{"waitedMs": ms}, nil
			}),

		New("wait_for_stable",
			"Wait until the tab reaches network and DOM quiescence.",
			tabSchema(map[string]interface{}{
				"timeoutMs": schemaNumber("Upper bound in milliseconds; default 15000"),
			}),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				timeout := time.Duration(argInt(args, "timeoutMs", int(d.navTimeout()/time.Millisecond))) * time.Millisecond
				if err := tab.WaitStable(ctx, timeout); err != nil {
					return nil, err
				}
				return map[string]interface{}{"stable": true}, nil
			}),

		New("click",
			"Click an element by its semantic id.",
			tabSchema(map[string]interface{}{
				"elementId": schemaString("Semantic element id from get_page_info or find_element"),
			}, "elementId"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				id, err := requireString(args, "elementId")
				if err != nil {
					return nil, err
				}
				if err := tab.Click(ctx, id); err != nil {
					return nil, err
				}
				return map[string]interface{}{"clicked": id}, nil
			}),

		New("type_text",
			"Type text into an element, replacing its current value.",
			tabSchema(map[string]interface{}{
				"elementId": schemaString("Target element id"),
				"text":      schemaString("Text to type"),
			}, "elementId", "text"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				id, err := requireString(args, "elementId")
				if err != nil {
					return nil, err
				}
				text, ok := args["text"].(string)
				if !ok {
					return nil, protocol.NewError(protocol.CodeInvalidParameter, "missing required parameter %q", "text")
				}
				if err := tab.TypeText(ctx, id, text); err != nil {
					return nil, err
				}
				return map[string]interface{}{"typed": len(text)}, nil
			}),

		New("press_key",
			"Press a keyboard key (Enter, Tab, Escape, ArrowDown...).",
			tabSchema(map[string]interface{}{
				"key": schemaString("Key name"),
			}, "key"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				key, err := requireString(args, "key")
				if err != nil {
					return nil, err
				}
				if err := tab.PressKey(ctx, key); err != nil {
					return nil, err
				}
				return map[string]interface{}{"pressed": key}, nil
			}),

		New("scroll",
			"Scroll the page by a pixel delta.",
			tabSchema(map[string]interface{}{
				"dx": schemaNumber("Horizontal delta in pixels"),
				"dy": schemaNumber("Vertical delta in pixels"),
			}),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				dx, dy := argFloat(args, "dx", 0), argFloat(args, "dy", 0)
				if err := tab.Scroll(ctx, dx, dy); err != nil {
					return nil, err
				}
				return map[string]interface{}{"dx": dx, "dy": dy}, nil
			}),

		New("select_option",
			"Select an option of a <select> element by value or label.",
			tabSchema(map[string]interface{}{
				"elementId": schemaString("Target select element id"),
				"value":     schemaString("Option value or visible label"),
			}, "elementId", "value"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				id, err := requireString(args, "elementId")
				if err != nil {
					return nil, err
				}
				value, err := requireString(args, "value")
				if err != nil {
					return nil, err
				}
				if err := tab.SelectOption(ctx, id, value); err != nil {
					return nil, err
				}
				return map[string]interface{}{"selected": value}, nil
			}),

		New("hover",
			"Hover the pointer over an element.",
			tabSchema(map[string]interface{}{
				"elementId": schemaString("Target element id"),
			}, "elementId"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				id, err := requireString(args, "elementId")
				if err != nil {
					return nil, err
				}
				if err := tab.Hover(ctx, id); err != nil {
					return nil, err
				}
				return map[string]interface{}{"hovered": id}, nil
			}),

		New("set_value",
			"Set an input's value directly without keystroke simulation.",
			tabSchema(map[string]interface{}{
				"elementId": schemaString("Target element id"),
				"value":     schemaString("New value"),
			}, "elementId", "value"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				id, err := requireString(args, "elementId")
				if err != nil {
					return nil, err
				}
				value, ok := args["value"].(string)
				if !ok {
					return nil, protocol.NewError(protocol.CodeInvalidParameter, "missing required parameter %q", "value")
				}
				if err := tab.SetValue(ctx, id, value); err != nil {
					return nil, err
				}
				return map[string]interface{}{"set": id}, nil
			}),

		New("screenshot",
			"Capture a screenshot; the PNG is stored as an artifact.",
			tabSchema(map[string]interface{}{
				"fullPage": schemaBool("Capture the full scrollable page"),
			}),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				png, err := tab.Screenshot(ctx, argBool(args, "fullPage", false))
				if err != nil {
					return nil, err
				}
				id, err := d.Artifacts.Put(png, artifacts.KindBinary, 0)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"artifactId": id, "size": len(png), "format": "png"}, nil
			}),

		New("execute_javascript",
			"Evaluate a JavaScript expression in the page and return its JSON value. Local trust only.",
			tabSchema(map[string]interface{}{
				"script": schemaString("JavaScript expression or IIFE body"),
			}, "script"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				if d.Trust != protocol.TrustLocal {
					return nil, protocol.NewError(protocol.CodeTrustLevelNotAllowed, "execute_javascript requires trustLevel=local")
				}
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				script, err := requireString(args, "script")
				if err != nil {
					return nil, err
				}
				value, err := tab.Eval(ctx, script)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"value": value}, nil
			}),

		New("get_page_info",
			"Snapshot the page: url, title, headings, and the flat element list with semantic ids.",
			tabSchema(map[string]interface{}{
				"withElements": schemaBool("Include the element list; default true"),
			}),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				info, err := tab.Info(ctx, argBool(args, "withElements", true))
				if err != nil {
					return nil, err
				}
				return info, nil
			}),

		New("get_page_content",
			"Extract the readable article content of the page as plain text.",
			tabSchema(nil),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				html, err := tab.HTML(ctx)
				if err != nil {
					return nil, err
				}
				info, err := tab.Info(ctx, false)
				if err != nil {
					return nil, err
				}
				return extractContent(html, info)
			}),

		New("find_element",
			"Find one element by semantic id, CSS selector, or visible text.",
			tabSchema(map[string]interface{}{
				"query": schemaString("Element id, CSS selector, or text fragment"),
			}, "query"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				query, err := requireString(args, "query")
				if err != nil {
					return nil, err
				}
				el, err := tab.FindElement(ctx, query)
				if err != nil {
					return nil, err
				}
				return el, nil
			}),

		New("get_dialog_info",
			"Report the pending javascript dialog, if any.",
			tabSchema(nil),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				if dlg, ok := tab.DialogInfo(); ok {
					return map[string]interface{}{"pending": true, "type": dlg.Type, "message": dlg.Message}, nil
				}
				return map[string]interface{}{"pending": false}, nil
			}),

		New("handle_dialog",
			"Accept or dismiss the pending javascript dialog.",
			tabSchema(map[string]interface{}{
				"accept":     schemaBool("Accept (true) or dismiss (false)"),
				"promptText": schemaString("Text for prompt dialogs"),
			}, "accept"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				accept := argBool(args, "accept", false)
				if err := tab.HandleDialog(ctx, accept, argString(args, "promptText")); err != nil {
					return nil, err
				}
				return map[string]interface{}{"accepted": accept}, nil
			}),

		New("get_network_logs",
			"Return recent network responses observed on the tab.",
			tabSchema(nil),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				logs := tab.NetworkLogs()
				return map[string]interface{}{"entries": logs, "count": len(logs)}, nil
			}),

		New("get_console_logs",
			"Return recent console messages observed on the tab.",
			tabSchema(nil),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				logs := tab.ConsoleLogs()
				return map[string]interface{}{"entries": logs, "count": len(logs)}, nil
			}),

		New("upload_file",
			"Attach local files to a file input element. Local trust only.",
			tabSchema(map[string]interface{}{
				"elementId": schemaString("File input element id"),
				"paths":     schemaArray("Absolute file paths", schemaString("")),
			}, "elementId", "paths"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				if d.Trust != protocol.TrustLocal {
					return nil, protocol.NewError(protocol.CodeTrustLevelNotAllowed, "upload_file requires trustLevel=local")
				}
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				id, err := requireString(args, "elementId")
				if err != nil {
					return nil, err
				}
				paths := argStringSlice(args, "paths")
				if len(paths) == 0 {
					return nil, protocol.NewError(protocol.CodeInvalidParameter, "paths must not be empty")
				}
				if err := tab.UploadFile(ctx, id, paths); err != nil {
					return nil, err
				}
				return map[string]interface{}{"uploaded": len(paths)}, nil
			}),

		New("get_downloads",
			"List downloads observed on the tab.",
			tabSchema(nil),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				tab, err := d.tab(args)
				if err != nil {
					return nil, err
				}
				dls := tab.Downloads()
				return map[string]interface{}{"downloads": dls, "count": len(dls)}, nil
			}),

		New("list_tabs",
			"List tabs of a session.",
			sessionOnly,
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				sess, err := d.session(args)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"tabs": sess.Tabs()}, nil
			}),

		New("create_tab",
			"Open a new tab in the session and make it active.",
			sessionOnly,
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				sess, err := d.session(args)
				if err != nil {
					return nil, err
				}
				tab, err := sess.NewTab(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"tabId": tab.ID()}, nil
			}),

		New("close_tab",
			"Close a tab of the session.",
			tabSchema(nil, "tabId"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				sess, err := d.session(args)
				if err != nil {
					return nil, err
				}
				tabID, err := requireString(args, "tabId")
				if err != nil {
					return nil, err
				}
				if err := sess.CloseTab(ctx, tabID); err != nil {
					return nil, err
				}
				return map[string]interface{}{"closed": tabID}, nil
			}),

		New("switch_tab",
			"Make a tab the active tab of the session.",
			tabSchema(nil, "tabId"),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				sess, err := d.session(args)
				if err != nil {
					return nil, err
				}
				tabID, err := requireString(args, "tabId")
				if err != nil {
					return nil, err
				}
				if err := sess.SwitchTab(tabID); err != nil {
					return nil, err
				}
				return map[string]interface{}{"active": tabID}, nil
			}),
	)
}

// extractContent runs readability over the raw HTML. Extraction failures
// degrade to the raw text rather than erroring: a page without an article
// body is still useful to the caller.
func extractContent(html string, info *browser.PageInfo) (interface{}, error) {
	pageURL, _ := url.Parse(info.URL)
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err != nil {
		return map[string]interface{}{
			"url":    info.URL,
			"title":  info.Title,
			"text":   html,
			"length": len(html),
		}, nil
	}
	title := article.Title
	if title == "" {
		title = info.Title
	}
	return map[string]interface{}{
		"url":     info.URL,
		"title":   title,
		"text":    article.TextContent,
		"excerpt": article.Excerpt,
		"length":  len(article.TextContent),
	}, nil
}
