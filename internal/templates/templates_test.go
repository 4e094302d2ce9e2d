package templates

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/webpilot/internal/artifacts"
	"github.com/nextlevelbuilder/webpilot/internal/browser"
	"github.com/nextlevelbuilder/webpilot/internal/browser/browsertest"
	"github.com/nextlevelbuilder/webpilot/internal/runs"
	"github.com/nextlevelbuilder/webpilot/internal/tools"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

type fixture struct {
	svc    *Service
	driver *browsertest.Driver
	runs   *runs.Manager
}

func newFixture(t *testing.T, trust protocol.TrustLevel) *fixture {
	t.Helper()

	driver := browsertest.NewDriver()
	reg := tools.NewRegistry()
	tools.RegisterBrowserTools(reg, &tools.BrowserDeps{
		Sessions:  browser.NewManager(driver, 64),
		Artifacts: artifacts.NewStore(artifacts.StoreConfig{}),
		Guard:     &tools.URLGuard{AllowFile: true},
		Trust:     trust,
	})
	tools.RegisterCompositeTools(reg)

	runMgr := runs.NewManager(runs.ManagerConfig{MaxConcurrentRuns: 4, MaxPendingRuns: 16})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		runMgr.Dispose(ctx)
	})

	svc := NewService(reg, runMgr, Config{
		Trust:            trust,
		IndicatorTimeout: 300 * time.Millisecond,
		IndicatorPoll:    20 * time.Millisecond,
	})
	return &fixture{svc: svc, driver: driver, runs: runMgr}
}

func (f *fixture) addArticle(url, title, body string) {
	f.driver.AddPage(url, &browsertest.Page{
		Title:    title,
		HTML:     "<html><head><title>" + title + "</title></head><body><article><p>" + body + "</p></article></body></html>",
		Headings: []string{title},
	})
}

func TestBatchExtractPartialSuccess(t *testing.T) {
	f := newFixture(t, protocol.TrustLocal)
	f.addArticle("file:///tmp/article.html", "Offline Article", "Saved copy of the article text for later reading and reference.")

	run, err := f.svc.Run(context.Background(), "batch_extract_pages", map[string]interface{}{
		"urls": []interface{}{"file:///tmp/article.html", "ftp://bad"},
	}, runs.ModeSync)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != runs.StatusPartialSuccess {
		t.Fatalf("status = %s, want partial_success", run.Status)
	}

	result := run.Result.(map[string]interface{})
	summary := result["summary"].(map[string]interface{})
	if summary["total"] != 2 || summary["succeeded"] != 1 || summary["failed"] != 1 {
		t.Fatalf("summary = %v", summary)
	}
	results := result["results"].([]map[string]interface{})
	if results[0]["success"] != true || results[0]["title"] != "Offline Article" {
		t.Fatalf("first result = %v", results[0])
	}
	if results[1]["success"] != false || results[1]["error"] == "" {
		t.Fatalf("second result = %v", results[1])
	}
}

func TestBatchExtractValidation(t *testing.T) {
	f := newFixture(t, protocol.TrustLocal)

	_, err := f.svc.Run(context.Background(), "batch_extract_pages", map[string]interface{}{
		"urls": []interface{}{},
	}, runs.ModeSync)
	if protocol.CodeOf(err) != protocol.CodeInvalidParameter {
		t.Fatalf("err = %v, want INVALID_PARAMETER", err)
	}
	if _, total := f.runs.List(runs.ListFilter{}); total != 0 {
		t.Fatalf("validation failure consumed a run id, total = %d", total)
	}
}

func TestCompareRejectsElevenURLs(t *testing.T) {
	f := newFixture(t, protocol.TrustLocal)

	urls := make([]interface{}, 11)
	for i := range urls {
		urls[i] = "https://example.com/p"
	}
	_, err := f.svc.Run(context.Background(), "multi_tab_compare", map[string]interface{}{"urls": urls}, runs.ModeSync)
	if protocol.CodeOf(err) != protocol.CodeInvalidParameter {
		t.Fatalf("err = %v, want INVALID_PARAMETER", err)
	}
	if _, total := f.runs.List(runs.ListFilter{}); total != 0 {
		t.Fatal("invalid input consumed a run id")
	}
}

func TestCompareDiffsAcrossSnapshots(t *testing.T) {
	f := newFixture(t, protocol.TrustLocal)
	f.addArticle("https://a.example.com/", "Product A", "alpha")
	f.addArticle("https://b.example.com/", "Product B", "beta")

	run, err := f.svc.Run(context.Background(), "multi_tab_compare", map[string]interface{}{
		"urls": []interface{}{"https://a.example.com/", "https://b.example.com/"},
	}, runs.ModeSync)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != runs.StatusSucceeded {
		t.Fatalf("status = %s", run.Status)
	}

	result := run.Result.(map[string]interface{})
	diffs := result["diffs"].([]map[string]interface{})
	found := false
	for _, d := range diffs {
		if d["field"] == "title" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a title diff, got %v", diffs)
	}
}

func TestCompareFewerThanTwoSnapshotsYieldsNoDiffs(t *testing.T) {
	f := newFixture(t, protocol.TrustLocal)
	f.addArticle("https://a.example.com/", "Only Page", "solo")

	run, err := f.svc.Run(context.Background(), "multi_tab_compare", map[string]interface{}{
		"urls": []interface{}{"https://a.example.com/", "https://down.example.com/"},
	}, runs.ModeSync)
	if err != nil {
		t.Fatal(err)
	}
	result := run.Result.(map[string]interface{})
	if diffs := result["diffs"].([]map[string]interface{}); len(diffs) != 0 {
		t.Fatalf("diffs = %v, want empty", diffs)
	}
	if run.Status != runs.StatusPartialSuccess {
		t.Fatalf("status = %s, want partial_success", run.Status)
	}
}

func loginPage() *browsertest.Page {
	return &browsertest.Page{
		Title: "Sign in",
		HTML:  `<html><body><form></form></body></html>`,
		Elements: []browser.Element{
			{ID: "el-user", Role: "textbox", Name: "Username", Tag: "input"},
			{ID: "el-pass", Role: "textbox", Name: "Password", Tag: "input", Attrs: map[string]string{"type": "password"}},
			{ID: "el-submit", Role: "button", Name: "Log in", Tag: "button", Text: "Log in"},
		},
	}
}

func TestLoginRequiresLocalTrust(t *testing.T) {
	f := newFixture(t, protocol.TrustRemote)

	_, err := f.svc.Run(context.Background(), "login_keep_session", map[string]interface{}{
		"startUrl":    "https://site.example.com/login",
		"credentials": map[string]interface{}{"username": "u", "password": "p"},
	}, runs.ModeSync)
	if protocol.CodeOf(err) != protocol.CodeTrustLevelNotAllowed {
		t.Fatalf("err = %v, want TRUST_LEVEL_NOT_ALLOWED", err)
	}
	if _, total := f.runs.List(runs.ListFilter{}); total != 0 {
		t.Fatal("trust failure consumed a run id")
	}
}

func TestLoginSuccessKeepsSession(t *testing.T) {
	f := newFixture(t, protocol.TrustLocal)
	f.driver.AddPage("https://site.example.com/login", loginPage())

	run, err := f.svc.Run(context.Background(), "login_keep_session", map[string]interface{}{
		"startUrl":    "https://site.example.com/login",
		"credentials": map[string]interface{}{"username": "alice", "password": "s3cret"},
		"fields":      map[string]interface{}{"mode": "semantic", "submitQuery": "Log in"},
		"successIndicator": map[string]interface{}{
			"type": "selector", "value": "el-submit",
		},
	}, runs.ModeSync)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != runs.StatusSucceeded {
		t.Fatalf("status = %s, error = %+v", run.Status, run.Error)
	}

	result := run.Result.(map[string]interface{})
	if result["success"] != true || result["loginState"] != "logged_in" {
		t.Fatalf("result = %v", result)
	}
	if result["sessionId"] == "" {
		t.Fatal("no sessionId in result")
	}
	if len(f.driver.ClosedSessions) != 0 {
		t.Fatal("login session was reaped")
	}

	tab, _ := f.driver.Sessions[0].ActiveTab()
	ft := tab.(*browsertest.Tab)
	if ft.TypedText["el-user"] != "alice" || ft.TypedText["el-pass"] != "s3cret" {
		t.Fatalf("typed = %v", ft.TypedText)
	}
}

func TestLoginIndicatorMissPreservesSession(t *testing.T) {
	f := newFixture(t, protocol.TrustLocal)
	f.driver.AddPage("https://site.example.com/login", loginPage())

	run, err := f.svc.Run(context.Background(), "login_keep_session", map[string]interface{}{
		"startUrl":    "https://site.example.com/login",
		"credentials": map[string]interface{}{"username": "alice", "password": "nope"},
		"successIndicator": map[string]interface{}{
			"type": "urlPattern", "value": "/dashboard", "timeoutMs": 100,
		},
	}, runs.ModeSync)
	if err != nil {
		t.Fatal(err)
	}
	// success=false flows into status derivation
	if run.Status != runs.StatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}

	result := run.Result.(map[string]interface{})
	if result["success"] != false || result["loginState"] != "unknown" {
		t.Fatalf("result = %v", result)
	}
	errMsg, _ := result["error"].(string)
	if !strings.Contains(errMsg, "Success indicator") {
		t.Fatalf("error = %q", errMsg)
	}
	if len(f.driver.ClosedSessions) != 0 {
		t.Fatal("session reaped after failed login")
	}
}

func TestRunOnStartHookCancelsLiveRun(t *testing.T) {
	f := newFixture(t, protocol.TrustLocal)
	f.addArticle("file:///tmp/page.html", "Page", "Some body text long enough to extract for the reader.")

	var hooked string
	run, err := f.svc.Run(context.Background(), "batch_extract_pages", map[string]interface{}{
		"urls": []interface{}{"file:///tmp/page.html"},
	}, runs.ModeSync, WithOnStart(func(runID string) {
		hooked = runID
		f.runs.Cancel(runID)
	}))
	if err != nil {
		t.Fatal(err)
	}
	if hooked != run.ID {
		t.Fatalf("hook saw %q, run id is %q", hooked, run.ID)
	}
	if run.Status != runs.StatusCanceled {
		t.Fatalf("status = %s, want canceled", run.Status)
	}
}

func TestLoginRejectsMalformedSessionResult(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(tools.New("create_session", "broken stub", nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"id": "missing the expected key"}, nil
		}))

	runMgr := runs.NewManager(runs.ManagerConfig{MaxConcurrentRuns: 2, MaxPendingRuns: 4})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		runMgr.Dispose(ctx)
	})
	svc := NewService(reg, runMgr, Config{Trust: protocol.TrustLocal})

	run, err := svc.Run(context.Background(), "login_keep_session", map[string]interface{}{
		"startUrl":    "https://site.example.com/login",
		"credentials": map[string]interface{}{"username": "a", "password": "b"},
	}, runs.ModeSync)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != runs.StatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.Error == nil || run.Error.ErrorCode != protocol.CodeInternalError ||
		!strings.Contains(run.Error.Message, "sessionId") {
		t.Fatalf("error = %+v", run.Error)
	}
}

func TestLoginFieldNotFound(t *testing.T) {
	f := newFixture(t, protocol.TrustLocal)
	f.driver.AddPage("https://site.example.com/login", &browsertest.Page{
		Title:    "Broken",
		HTML:     "<html><body></body></html>",
		Elements: []browser.Element{},
	})

	run, err := f.svc.Run(context.Background(), "login_keep_session", map[string]interface{}{
		"startUrl":    "https://site.example.com/login",
		"credentials": map[string]interface{}{"username": "a", "password": "b"},
	}, runs.ModeSync)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != runs.StatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.Error == nil || run.Error.ErrorCode != protocol.CodeLoginFieldNotFound {
		t.Fatalf("error = %+v, want TPL_LOGIN_FIELD_NOT_FOUND", run.Error)
	}
}
