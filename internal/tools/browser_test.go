package tools

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/webpilot/internal/artifacts"
	"github.com/nextlevelbuilder/webpilot/internal/browser"
	"github.com/nextlevelbuilder/webpilot/internal/browser/browsertest"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

func newBrowserFixture(t *testing.T) (*Registry, *browsertest.Driver, string) {
	t.Helper()

	driver := browsertest.NewDriver()
	driver.AddPage("https://shop.example.com/login", &browsertest.Page{
		Title: "Sign in",
		HTML:  `<html><body><form><input id="user"><input id="pass" type="password"><button>Sign in</button></form></body></html>`,
		Elements: []browser.Element{
			{ID: "el-user", Role: "textbox", Name: "Username", Tag: "input", Attrs: map[string]string{"id": "user"}},
			{ID: "el-pass", Role: "textbox", Name: "Password", Tag: "input", Attrs: map[string]string{"id": "pass", "type": "password"}},
			{ID: "el-submit", Role: "button", Name: "Sign in", Tag: "button", Text: "Sign in"},
		},
	})

	reg := NewRegistry()
	deps := &BrowserDeps{
		Sessions:  browser.NewManager(driver, 4),
		Artifacts: artifacts.NewStore(artifacts.StoreConfig{}),
		Guard:     &URLGuard{},
		Trust:     protocol.TrustLocal,
	}
	RegisterBrowserTools(reg, deps)
	RegisterCompositeTools(reg)

	res := reg.Invoke(context.Background(), "create_session", nil)
	if res.IsError() {
		t.Fatalf("create_session: %v", res.Err)
	}
	sessionID := res.AsMap()["sessionId"].(string)
	return reg, driver, sessionID
}

func TestNavigateAndPageInfo(t *testing.T) {
	reg, _, sid := newBrowserFixture(t)
	ctx := context.Background()

	res := reg.Invoke(ctx, "navigate", map[string]interface{}{
		"sessionId": sid, "url": "https://shop.example.com/login",
	})
	if res.IsError() {
		t.Fatalf("navigate: %v", res.Err)
	}
	if res.AsMap()["title"] != "Sign in" {
		t.Fatalf("title = %v", res.AsMap()["title"])
	}

	info := reg.Invoke(ctx, "get_page_info", map[string]interface{}{"sessionId": sid})
	if info.IsError() {
		t.Fatalf("get_page_info: %v", info.Err)
	}
	page := info.Data.(*browser.PageInfo)
	if len(page.Elements) != 3 {
		t.Fatalf("elements = %d, want 3", len(page.Elements))
	}
}

func TestNavigateBlockedByGuard(t *testing.T) {
	driver := browsertest.NewDriver()
	reg := NewRegistry()
	deps := &BrowserDeps{
		Sessions:  browser.NewManager(driver, 4),
		Artifacts: artifacts.NewStore(artifacts.StoreConfig{}),
		Guard:     &URLGuard{BlockPrivate: true},
		Trust:     protocol.TrustLocal,
	}
	RegisterBrowserTools(reg, deps)
	created := reg.Invoke(context.Background(), "create_session", nil)
	sid := created.AsMap()["sessionId"].(string)

	res := reg.Invoke(context.Background(), "navigate", map[string]interface{}{
		"sessionId": sid, "url": "http://169.254.169.254/latest/meta-data",
	})
	if !res.IsError() || res.ErrorCode() != protocol.CodeInvalidParameter {
		t.Fatalf("metadata endpoint not blocked: err=%v", res.Err)
	}
}

func TestTypeClickAndFillForm(t *testing.T) {
	reg, driver, sid := newBrowserFixture(t)
	ctx := context.Background()

	if res := reg.Invoke(ctx, "navigate", map[string]interface{}{
		"sessionId": sid, "url": "https://shop.example.com/login",
	}); res.IsError() {
		t.Fatalf("navigate: %v", res.Err)
	}

	res := reg.Invoke(ctx, "fill_form", map[string]interface{}{
		"sessionId": sid,
		"fields": []interface{}{
			map[string]interface{}{"elementId": "el-user", "value": "alice"},
			map[string]interface{}{"elementId": "el-pass", "value": "s3cret"},
		},
		"submitElementId": "el-submit",
	})
	if res.IsError() {
		t.Fatalf("fill_form: %v", res.Err)
	}
	out := res.AsMap()
	if out["success"] != true || out["filled"] != 2 {
		t.Fatalf("fill_form result = %v", out)
	}

	sess := driver.Sessions[0]
	tab, _ := sess.ActiveTab()
	ft := tab.(*browsertest.Tab)
	if ft.TypedText["el-user"] != "alice" || ft.TypedText["el-pass"] != "s3cret" {
		t.Fatalf("typed = %v", ft.TypedText)
	}
	if len(ft.Clicked) != 1 || ft.Clicked[0] != "el-submit" {
		t.Fatalf("clicked = %v", ft.Clicked)
	}
}

func TestFillFormReportsPerFieldFailure(t *testing.T) {
	reg, _, sid := newBrowserFixture(t)
	ctx := context.Background()

	if res := reg.Invoke(ctx, "navigate", map[string]interface{}{
		"sessionId": sid, "url": "https://shop.example.com/login",
	}); res.IsError() {
		t.Fatalf("navigate: %v", res.Err)
	}

	res := reg.Invoke(ctx, "fill_form", map[string]interface{}{
		"sessionId": sid,
		"fields": []interface{}{
			map[string]interface{}{"elementId": "el-user", "value": "alice"},
			map[string]interface{}{"elementId": "el-ghost", "value": "boo"},
		},
	})
	if res.IsError() {
		t.Fatalf("fill_form should aggregate, not fail: %v", res.Err)
	}
	out := res.AsMap()
	if out["success"] != false || out["failed"] != 1 || out["filled"] != 1 {
		t.Fatalf("aggregate = %v", out)
	}
	fields := out["fields"].([]map[string]interface{})
	if fields[1]["errorCode"] != protocol.CodeElementNotFound {
		t.Fatalf("field error = %v", fields[1])
	}
}

func TestScreenshotStoresArtifact(t *testing.T) {
	reg, _, sid := newBrowserFixture(t)
	ctx := context.Background()

	if res := reg.Invoke(ctx, "navigate", map[string]interface{}{
		"sessionId": sid, "url": "https://shop.example.com/login",
	}); res.IsError() {
		t.Fatalf("navigate: %v", res.Err)
	}

	res := reg.Invoke(ctx, "screenshot", map[string]interface{}{"sessionId": sid})
	if res.IsError() {
		t.Fatalf("screenshot: %v", res.Err)
	}
	if res.AsMap()["artifactId"] == "" {
		t.Fatal("no artifactId returned")
	}
}

func TestExecuteJavascriptTrustGate(t *testing.T) {
	driver := browsertest.NewDriver()
	reg := NewRegistry()
	deps := &BrowserDeps{
		Sessions:  browser.NewManager(driver, 4),
		Artifacts: artifacts.NewStore(artifacts.StoreConfig{}),
		Guard:     &URLGuard{},
		Trust:     protocol.TrustRemote,
	}
	RegisterBrowserTools(reg, deps)
	created := reg.Invoke(context.Background(), "create_session", nil)
	sid := created.AsMap()["sessionId"].(string)

	res := reg.Invoke(context.Background(), "execute_javascript", map[string]interface{}{
		"sessionId": sid, "script": "1+1",
	})
	if res.ErrorCode() != protocol.CodeTrustLevelNotAllowed {
		t.Fatalf("code = %s, want TRUST_LEVEL_NOT_ALLOWED", res.ErrorCode())
	}
}

func TestSessionNotFound(t *testing.T) {
	reg, _, _ := newBrowserFixture(t)
	res := reg.Invoke(context.Background(), "get_page_info", map[string]interface{}{"sessionId": "sess_missing"})
	if res.ErrorCode() != protocol.CodeSessionNotFound {
		t.Fatalf("code = %s, want SESSION_NOT_FOUND", res.ErrorCode())
	}
}

func TestNavigateAndExtract(t *testing.T) {
	reg, _, sid := newBrowserFixture(t)
	res := reg.Invoke(context.Background(), "navigate_and_extract", map[string]interface{}{
		"sessionId": sid, "url": "https://shop.example.com/login",
	})
	if res.IsError() {
		t.Fatalf("navigate_and_extract: %v", res.Err)
	}
	out := res.AsMap()
	if out["page"] == nil {
		t.Fatal("missing page snapshot")
	}
	if out["content"] == nil && out["contentError"] == nil {
		t.Fatal("missing content and contentError")
	}
}
