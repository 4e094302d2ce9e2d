package templates

import (
	"context"
	"strings"
	"time"

	"github.com/nextlevelbuilder/webpilot/internal/browser"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// loginKeepSession performs a credentialed login and hands the session back
// to the caller. The session is preserved whether or not the login succeeds
// so the caller can inspect the page or retry.
type loginKeepSession struct {
	cfg Config
}

func (t *loginKeepSession) ID() string          { return "login_keep_session" }
func (t *loginKeepSession) RequiresLocal() bool { return true }

func (t *loginKeepSession) Description() string {
	return "Log in to a site with provided credentials and keep the authenticated session open for later calls. Requires local trust."
}

func (t *loginKeepSession) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"startUrl":  map[string]interface{}{"type": "string"},
			"sessionId": map[string]interface{}{"type": "string"},
			"credentials": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"username": map[string]interface{}{"type": "string"},
					"password": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"username", "password"},
			},
			"fields": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"mode":             map[string]interface{}{"type": "string", "enum": []interface{}{"selector", "semantic"}},
					"usernameSelector": map[string]interface{}{"type": "string"},
					"passwordSelector": map[string]interface{}{"type": "string"},
					"submitSelector":   map[string]interface{}{"type": "string"},
					"usernameQuery":    map[string]interface{}{"type": "string"},
					"passwordQuery":    map[string]interface{}{"type": "string"},
					"submitQuery":      map[string]interface{}{"type": "string"},
				},
			},
			"successIndicator": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"type":      map[string]interface{}{"type": "string", "enum": []interface{}{"stable", "selector", "urlPattern"}},
					"value":     map[string]interface{}{"type": "string"},
					"timeoutMs": map[string]interface{}{"type": "number"},
				},
			},
		},
		"required": []interface{}{"startUrl", "credentials"},
	}
}

func (t *loginKeepSession) OutputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"success":      map[string]interface{}{"type": "boolean"},
			"sessionId":    map[string]interface{}{"type": "string"},
			"finalUrl":     map[string]interface{}{"type": "string"},
			"title":        map[string]interface{}{"type": "string"},
			"loginState":   map[string]interface{}{"type": "string"},
			"cookiesSaved": map[string]interface{}{"type": "boolean"},
		},
	}
}

func (t *loginKeepSession) Validate(args map[string]interface{}) error {
	if s, _ := args["startUrl"].(string); s == "" {
		return protocol.NewError(protocol.CodeInvalidParameter, "startUrl is required")
	}
	creds, _ := args["credentials"].(map[string]interface{})
	if creds == nil {
		return protocol.NewError(protocol.CodeInvalidParameter, "credentials is required")
	}
	if u, _ := creds["username"].(string); u == "" {
		return protocol.NewError(protocol.CodeInvalidParameter, "credentials.username is required")
	}
	if p, _ := creds["password"].(string); p == "" {
		return protocol.NewError(protocol.CodeInvalidParameter, "credentials.password is required")
	}
	fields, _ := args["fields"].(map[string]interface{})
	mode := stringOr(fields, "mode", "semantic")
	switch mode {
	case "semantic":
	case "selector":
		if stringOr(fields, "usernameSelector", "") == "" || stringOr(fields, "passwordSelector", "") == "" {
			return protocol.NewError(protocol.CodeInvalidParameter, "fields.usernameSelector and fields.passwordSelector are required in selector mode")
		}
	default:
		return protocol.NewError(protocol.CodeInvalidParameter, "fields.mode must be selector or semantic")
	}
	if si, _ := args["successIndicator"].(map[string]interface{}); si != nil {
		switch stringOr(si, "type", "stable") {
		case "stable":
		case "selector", "urlPattern":
			if stringOr(si, "value", "") == "" {
				return protocol.NewError(protocol.CodeInvalidParameter, "successIndicator.value is required for type %s", stringOr(si, "type", ""))
			}
		default:
			return protocol.NewError(protocol.CodeInvalidParameter, "successIndicator.type must be stable, selector, or urlPattern")
		}
	}
	return nil
}

func (t *loginKeepSession) Units(args map[string]interface{}) int { return 4 }

func (t *loginKeepSession) Execute(ctx context.Context, rt *Runtime, args map[string]interface{}) (interface{}, error) {
	creds := args["credentials"].(map[string]interface{})
	fields, _ := args["fields"].(map[string]interface{})
	mode := stringOr(fields, "mode", "semantic")

	// Reuse the caller's session when given; otherwise open one. Either way
	// the session is never reaped here.
	sid, _ := args["sessionId"].(string)
	if sid == "" {
		created := rt.Invoke(ctx, "create_session", nil)
		if created.IsError() {
			return nil, created.Err
		}
		var err error
		if sid, err = sessionIDOf(created); err != nil {
			return nil, err
		}
	}

	nav := rt.Invoke(ctx, "navigate", map[string]interface{}{"sessionId": sid, "url": args["startUrl"]})
	if nav.IsError() {
		return nil, nav.Err
	}
	rt.progress(1, 4)

	userQuery := stringOr(fields, "usernameSelector", "")
	passQuery := stringOr(fields, "passwordSelector", "")
	submitQuery := stringOr(fields, "submitSelector", "")
	if mode == "semantic" {
		userQuery = stringOr(fields, "usernameQuery", "username")
		passQuery = stringOr(fields, "passwordQuery", "password")
		submitQuery = stringOr(fields, "submitQuery", "")
	}

	userEl, err := t.locate(ctx, rt, sid, userQuery, "username")
	if err != nil {
		return nil, err
	}
	passEl, err := t.locate(ctx, rt, sid, passQuery, "password")
	if err != nil {
		return nil, err
	}

	if res := rt.Invoke(ctx, "type_text", map[string]interface{}{
		"sessionId": sid, "elementId": userEl, "text": creds["username"],
	}); res.IsError() {
		return nil, res.Err
	}
	if res := rt.Invoke(ctx, "type_text", map[string]interface{}{
		"sessionId": sid, "elementId": passEl, "text": creds["password"],
	}); res.IsError() {
		return nil, res.Err
	}
	rt.progress(2, 4)

	// Submit: click the named control, or press Enter in the password field.
	if submitQuery != "" {
		submitEl, err := t.locate(ctx, rt, sid, submitQuery, "submit")
		if err != nil {
			return nil, err
		}
		if res := rt.Invoke(ctx, "click", map[string]interface{}{"sessionId": sid, "elementId": submitEl}); res.IsError() {
			return nil, res.Err
		}
	} else {
		if res := rt.Invoke(ctx, "press_key", map[string]interface{}{"sessionId": sid, "key": "Enter"}); res.IsError() {
			return nil, res.Err
		}
	}
	rt.progress(3, 4)

	si, _ := args["successIndicator"].(map[string]interface{})
	success, indicatorErr := t.awaitIndicator(ctx, rt, sid, si)
	rt.progress(4, 4)

	finalURL, title := "", ""
	if info := rt.Invoke(ctx, "get_page_info", map[string]interface{}{"sessionId": sid, "withElements": false}); !info.IsError() {
		if pi, ok := info.Data.(*browser.PageInfo); ok {
			finalURL, title = pi.URL, pi.Title
		}
	}

	result := map[string]interface{}{
		"success":      success,
		"sessionId":    sid,
		"finalUrl":     finalURL,
		"title":        title,
		"loginState":   "logged_in",
		"cookiesSaved": success,
	}
	if !success {
		result["loginState"] = "unknown"
		result["error"] = indicatorErr
	}
	return result, nil
}

// locate finds a login field, translating not-found into the template's own
// error code so callers can distinguish it from generic element misses.
func (t *loginKeepSession) locate(ctx context.Context, rt *Runtime, sid, query, role string) (string, error) {
	res := rt.Invoke(ctx, "find_element", map[string]interface{}{"sessionId": sid, "query": query})
	if res.IsError() {
		if res.ErrorCode() == protocol.CodeElementNotFound {
			return "", protocol.NewError(protocol.CodeLoginFieldNotFound, "%s field not found (query %q)", role, query)
		}
		return "", res.Err
	}
	el, ok := res.Data.(*browser.Element)
	if !ok {
		return "", protocol.NewError(protocol.CodeInternalError, "unexpected find_element payload")
	}
	return el.ID, nil
}

// awaitIndicator waits for the configured success indicator. A missed
// indicator is not an execution error: the template reports success=false.
func (t *loginKeepSession) awaitIndicator(ctx context.Context, rt *Runtime, sid string, si map[string]interface{}) (bool, string) {
	kind := stringOr(si, "type", "stable")
	value := stringOr(si, "value", "")
	timeout := t.cfg.IndicatorTimeout
	if ms := toInt(si["timeoutMs"]); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	if kind == "stable" {
		res := rt.Invoke(ctx, "wait_for_stable", map[string]interface{}{
			"sessionId": sid, "timeoutMs": int(timeout / time.Millisecond),
		})
		if res.IsError() {
			return false, "Success indicator (stable page) not observed within timeout"
		}
		return true, ""
	}

	deadline := time.Now().Add(timeout)
	for {
		switch kind {
		case "selector":
			if res := rt.Invoke(ctx, "find_element", map[string]interface{}{"sessionId": sid, "query": value}); !res.IsError() {
				return true, ""
			}
		case "urlPattern":
			if info := rt.Invoke(ctx, "get_page_info", map[string]interface{}{"sessionId": sid, "withElements": false}); !info.IsError() {
				if pi, ok := info.Data.(*browser.PageInfo); ok && strings.Contains(pi.URL, value) {
					return true, ""
				}
			}
		}
		if time.Now().After(deadline) || rt.Token.Canceled() {
			return false, "Success indicator (" + kind + " " + value + ") not observed within timeout"
		}
		select {
		case <-time.After(t.cfg.IndicatorPoll):
		case <-ctx.Done():
			return false, "Success indicator (" + kind + " " + value + ") not observed within timeout"
		}
	}
}
