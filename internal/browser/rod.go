package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

const (
	maxLogEntries     = 200
	defaultNavTimeout = 30 * time.Second
)

// collectScript walks interactive and structural elements, stamps each with a
// data-wp-id attribute, and returns a flat descriptor list. Re-running on the
// same page state reuses existing stamps, keeping ids stable across reflows.
const collectScript = `() => {
	const sel = 'a, button, input, select, textarea, [role], h1, h2, h3, [onclick], [contenteditable]';
	const out = [];
	let n = 0;
	for (const el of document.querySelectorAll(sel)) {
		if (out.length >= 300) break;
		let id = el.getAttribute('data-wp-id');
		if (!id) {
			id = 'e' + (++n) + '-' + Math.random().toString(36).slice(2, 7);
			el.setAttribute('data-wp-id', id);
		}
		const r = el.getBoundingClientRect();
		out.push({
			id: id,
			role: el.getAttribute('role') || el.tagName.toLowerCase(),
			name: el.getAttribute('aria-label') || el.getAttribute('name') || el.getAttribute('placeholder') || '',
			tag: el.tagName.toLowerCase(),
			text: (el.innerText || el.value || '').slice(0, 120),
			state: {
				disabled: !!el.disabled,
				checked: !!el.checked,
				focused: document.activeElement === el,
			},
			attrs: {
				type: el.getAttribute('type') || '',
				href: el.getAttribute('href') || '',
			},
			rect: {x: r.x, y: r.y, width: r.width, height: r.height},
		});
	}
	return out;
}`

const pageMetaScript = `() => {
	const canonical = document.querySelector('link[rel="canonical"]');
	return {
		canonicalUrl: canonical ? canonical.href : '',
		headings: Array.from(document.querySelectorAll('h1, h2, h3')).slice(0, 30).map(h => h.innerText.trim()).filter(Boolean),
	};
}`

// RodConfig configures the rod driver.
type RodConfig struct {
	Headless   bool
	NavTimeout time.Duration
}

// RodDriver drives a shared Chromium process; each Session is an incognito
// browser context, so cookies never leak across sessions.
type RodDriver struct {
	mu       sync.Mutex
	cfg      RodConfig
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// NewRodDriver launches (or lazily will launch) the browser process.
func NewRodDriver(cfg RodConfig) *RodDriver {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}
	return &RodDriver{cfg: cfg}
}

// connect launches the browser on first use.
func (d *RodDriver) connect() (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return d.browser, nil
	}

	l := launcher.New().Headless(d.cfg.Headless).Leakless(true)
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	d.launcher = l
	d.browser = b
	slog.Info("browser.launched", "headless", d.cfg.Headless)
	return b, nil
}

// NewSession opens an isolated incognito context.
func (d *RodDriver) NewSession(ctx context.Context) (Session, error) {
	b, err := d.connect()
	if err != nil {
		return nil, err
	}
	inc, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("new incognito context: %w", err)
	}
	s := &rodSession{
		id:         "sess_" + uuid.NewString()[:8],
		browser:    inc,
		navTimeout: d.cfg.NavTimeout,
		tabs:       make(map[string]*rodTab),
	}
	if _, err := s.NewTab(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close shuts down the shared browser process.
func (d *RodDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	if d.launcher != nil {
		d.launcher.Cleanup()
	}
	d.browser = nil
	d.launcher = nil
	return err
}

type rodSession struct {
	id         string
	browser    *rod.Browser
	navTimeout time.Duration

	mu     sync.Mutex
	tabs   map[string]*rodTab
	order  []string
	active string
}

func (s *rodSession) ID() string { return s.id }

func (s *rodSession) NewTab(ctx context.Context) (Tab, error) {
	page, err := s.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	t := &rodTab{
		id:         "tab_" + uuid.NewString()[:8],
		page:       page,
		navTimeout: s.navTimeout,
	}
	t.attachListeners()

	s.mu.Lock()
	s.tabs[t.id] = t
	s.order = append(s.order, t.id)
	s.active = t.id
	s.mu.Unlock()
	return t, nil
}

func (s *rodSession) ActiveTab() (Tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[s.active]
	return t, ok
}

func (s *rodSession) SwitchTab(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tabs[id]; !ok {
		return protocol.NewError(protocol.CodeInvalidParameter, "tab %s not found", id)
	}
	s.active = id
	return nil
}

func (s *rodSession) CloseTab(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tabs[id]
	if ok {
		delete(s.tabs, id)
		for i, tid := range s.order {
			if tid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		if s.active == id && len(s.order) > 0 {
			s.active = s.order[len(s.order)-1]
		}
	}
	s.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.CodeInvalidParameter, "tab %s not found", id)
	}
	return t.Close(ctx)
}

func (s *rodSession) Tabs() []TabInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]TabInfo, 0, len(s.order))
	for _, id := range s.order {
		t := s.tabs[id]
		info := TabInfo{ID: id, Active: id == s.active}
		if pi, err := t.page.Info(); err == nil {
			info.URL = pi.URL
			info.Title = pi.Title
		}
		infos = append(infos, info)
	}
	return infos
}

func (s *rodSession) Close(ctx context.Context) error {
	s.mu.Lock()
	tabs := make([]*rodTab, 0, len(s.tabs))
	for _, t := range s.tabs {
		tabs = append(tabs, t)
	}
	s.tabs = make(map[string]*rodTab)
	s.order = nil
	s.mu.Unlock()

	for _, t := range tabs {
		t.Close(ctx)
	}
	return s.browser.Close()
}

type rodTab struct {
	id         string
	page       *rod.Page
	navTimeout time.Duration

	logMu       sync.Mutex
	consoleLogs []LogEntry
	networkLogs []LogEntry
	downloads   []DownloadInfo

	dialogMu      sync.Mutex
	pendingDialog *DialogInfo
	dialogHandle  func(*proto.PageHandleJavaScriptDialog) error
}

func (t *rodTab) ID() string { return t.id }

// attachListeners wires console, network, and dialog events into ring buffers.
func (t *rodTab) attachListeners() {
	go t.page.EachEvent(
		func(e *proto.RuntimeConsoleAPICalled) {
			var parts []string
			for _, arg := range e.Args {
				parts = append(parts, arg.Value.String())
			}
			t.appendConsole(LogEntry{
				Kind:      "console",
				Level:     string(e.Type),
				Text:      strings.Join(parts, " "),
				Timestamp: time.Now().UTC(),
			})
		},
		func(e *proto.NetworkResponseReceived) {
			t.appendNetwork(LogEntry{
				Kind:      "network",
				Method:    string(e.Type),
				URL:       e.Response.URL,
				Status:    e.Response.Status,
				Timestamp: time.Now().UTC(),
			})
		},
		func(e *proto.PageJavascriptDialogOpening) {
			t.dialogMu.Lock()
			t.pendingDialog = &DialogInfo{Type: string(e.Type), Message: e.Message}
			t.dialogMu.Unlock()
		},
	)()
}

func (t *rodTab) appendConsole(e LogEntry) {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	t.consoleLogs = append(t.consoleLogs, e)
	if len(t.consoleLogs) > maxLogEntries {
		t.consoleLogs = t.consoleLogs[len(t.consoleLogs)-maxLogEntries:]
	}
}

func (t *rodTab) appendNetwork(e LogEntry) {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	t.networkLogs = append(t.networkLogs, e)
	if len(t.networkLogs) > maxLogEntries {
		t.networkLogs = t.networkLogs[len(t.networkLogs)-maxLogEntries:]
	}
}

func (t *rodTab) Navigate(ctx context.Context, url string) error {
	page := t.page.Context(ctx).Timeout(t.navTimeout)
	if err := page.Navigate(url); err != nil {
		return classifyNavError(err)
	}
	if err := page.WaitLoad(); err != nil {
		return classifyNavError(err)
	}
	return nil
}

func (t *rodTab) Back(ctx context.Context) error {
	if err := t.page.Context(ctx).NavigateBack(); err != nil {
		return classifyNavError(err)
	}
	return nil
}

func (t *rodTab) WaitStable(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return t.page.Context(ctx).Timeout(timeout).WaitDOMStable(300*time.Millisecond, 0.1)
}

func (t *rodTab) Info(ctx context.Context, withElements bool) (*PageInfo, error) {
	page := t.page.Context(ctx)
	pi, err := page.Info()
	if err != nil {
		return nil, classifyNavError(err)
	}
	info := &PageInfo{URL: pi.URL, Title: pi.Title}

	if meta, err := page.Eval(pageMetaScript); err == nil {
		var parsed struct {
			CanonicalURL string   `json:"canonicalUrl"`
			Headings     []string `json:"headings"`
		}
		if b, err := meta.Value.MarshalJSON(); err == nil {
			json.Unmarshal(b, &parsed)
		}
		info.CanonicalURL = parsed.CanonicalURL
		info.Headings = parsed.Headings
	}

	if withElements {
		els, err := t.collectElements(ctx)
		if err != nil {
			return nil, err
		}
		info.Elements = els
	}
	return info, nil
}

func (t *rodTab) collectElements(ctx context.Context) ([]Element, error) {
	obj, err := t.page.Context(ctx).Eval(collectScript)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeExecutionError, err)
	}
	b, err := obj.Value.MarshalJSON()
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeExecutionError, err)
	}
	var els []Element
	if err := json.Unmarshal(b, &els); err != nil {
		return nil, protocol.WrapError(protocol.CodeExecutionError, err)
	}
	return els, nil
}

func (t *rodTab) HTML(ctx context.Context) (string, error) {
	html, err := t.page.Context(ctx).HTML()
	if err != nil {
		return "", classifyNavError(err)
	}
	return html, nil
}

// FindElement resolves a semantic id, CSS selector, or visible-text query.
func (t *rodTab) FindElement(ctx context.Context, query string) (*Element, error) {
	els, err := t.collectElements(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	for i := range els {
		el := &els[i]
		if el.ID == query {
			return el, nil
		}
	}
	for i := range els {
		el := &els[i]
		if strings.Contains(strings.ToLower(el.Text), q) ||
			strings.Contains(strings.ToLower(el.Name), q) {
			return el, nil
		}
	}
	// Fall back to a raw CSS lookup and stamp the node.
	if node, err := t.page.Context(ctx).Timeout(2 * time.Second).Element(query); err == nil && node != nil {
		id := "q-" + uuid.NewString()[:8]
		if _, err := node.Eval(`(id) => this.setAttribute('data-wp-id', id)`, id); err == nil {
			return &Element{ID: id, Tag: query}, nil
		}
	}
	return nil, protocol.NewError(protocol.CodeElementNotFound, "no element matches %q", query)
}

// resolve maps a semantic id back to the stamped DOM node.
func (t *rodTab) resolve(ctx context.Context, elementID string) (*rod.Element, error) {
	sel := fmt.Sprintf(`[data-wp-id=%q]`, elementID)
	el, err := t.page.Context(ctx).Timeout(3 * time.Second).Element(sel)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeElementNotFound, "element %s not found", elementID)
	}
	return el, nil
}

func (t *rodTab) Click(ctx context.Context, elementID string) error {
	el, err := t.resolve(ctx, elementID)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return protocol.WrapError(protocol.CodeExecutionError, err)
	}
	return nil
}

func (t *rodTab) TypeText(ctx context.Context, elementID, text string) error {
	el, err := t.resolve(ctx, elementID)
	if err != nil {
		return err
	}
	if err := el.Input(text); err != nil {
		return protocol.WrapError(protocol.CodeExecutionError, err)
	}
	return nil
}

func (t *rodTab) PressKey(ctx context.Context, key string) error {
	k, ok := keyMap[strings.ToLower(key)]
	if !ok {
		if len(key) == 1 {
			return t.page.Context(ctx).Keyboard.Type(input.Key(key[0]))
		}
		return protocol.NewError(protocol.CodeInvalidParameter, "unknown key %q", key)
	}
	return t.page.Context(ctx).Keyboard.Type(k)
}

var keyMap = map[string]input.Key{
	"enter":     input.Enter,
	"tab":       input.Tab,
	"escape":    input.Escape,
	"backspace": input.Backspace,
	"arrowdown": input.ArrowDown,
	"arrowup":   input.ArrowUp,
	"pagedown":  input.PageDown,
	"pageup":    input.PageUp,
}

func (t *rodTab) Scroll(ctx context.Context, dx, dy float64) error {
	return t.page.Context(ctx).Mouse.Scroll(dx, dy, 4)
}

func (t *rodTab) Hover(ctx context.Context, elementID string) error {
	el, err := t.resolve(ctx, elementID)
	if err != nil {
		return err
	}
	if err := el.Hover(); err != nil {
		return protocol.WrapError(protocol.CodeExecutionError, err)
	}
	return nil
}

func (t *rodTab) SelectOption(ctx context.Context, elementID, value string) error {
	el, err := t.resolve(ctx, elementID)
	if err != nil {
		return err
	}
	if err := el.Select([]string{value}, true, rod.SelectorTypeText); err != nil {
		return protocol.WrapError(protocol.CodeExecutionError, err)
	}
	return nil
}

func (t *rodTab) SetValue(ctx context.Context, elementID, value string) error {
	el, err := t.resolve(ctx, elementID)
	if err != nil {
		return err
	}
	if _, err := el.Eval(`(v) => { this.value = v; this.dispatchEvent(new Event('input', {bubbles: true})); }`, value); err != nil {
		return protocol.WrapError(protocol.CodeExecutionError, err)
	}
	return nil
}

func (t *rodTab) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	page := t.page.Context(ctx)
	if fullPage {
		b, err := page.Screenshot(true, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
		if err != nil {
			return nil, protocol.WrapError(protocol.CodeExecutionError, err)
		}
		return b, nil
	}
	b, err := page.Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeExecutionError, err)
	}
	return b, nil
}

func (t *rodTab) Eval(ctx context.Context, js string) (interface{}, error) {
	obj, err := t.page.Context(ctx).Eval(js)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeExecutionError, err)
	}
	return obj.Value.Val(), nil
}

func (t *rodTab) ConsoleLogs() []LogEntry {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	return append([]LogEntry(nil), t.consoleLogs...)
}

func (t *rodTab) NetworkLogs() []LogEntry {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	return append([]LogEntry(nil), t.networkLogs...)
}

func (t *rodTab) DialogInfo() (*DialogInfo, bool) {
	t.dialogMu.Lock()
	defer t.dialogMu.Unlock()
	if t.pendingDialog == nil {
		return nil, false
	}
	cp := *t.pendingDialog
	return &cp, true
}

func (t *rodTab) HandleDialog(ctx context.Context, accept bool, promptText string) error {
	t.dialogMu.Lock()
	pending := t.pendingDialog
	t.pendingDialog = nil
	t.dialogMu.Unlock()
	if pending == nil {
		return protocol.NewError(protocol.CodeInvalidParameter, "no pending dialog")
	}
	err := proto.PageHandleJavaScriptDialog{
		Accept:     accept,
		PromptText: promptText,
	}.Call(t.page.Context(ctx))
	if err != nil {
		return protocol.WrapError(protocol.CodeExecutionError, err)
	}
	return nil
}

func (t *rodTab) UploadFile(ctx context.Context, elementID string, paths []string) error {
	el, err := t.resolve(ctx, elementID)
	if err != nil {
		return err
	}
	if err := el.SetFiles(paths); err != nil {
		return protocol.WrapError(protocol.CodeExecutionError, err)
	}
	return nil
}

func (t *rodTab) Downloads() []DownloadInfo {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	return append([]DownloadInfo(nil), t.downloads...)
}

func (t *rodTab) Close(ctx context.Context) error {
	return t.page.Close()
}

// classifyNavError maps rod/CDP failures onto the error taxonomy.
func classifyNavError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "timeout"):
		return protocol.WrapError(protocol.CodeNavigationTimeout, err)
	case strings.Contains(msg, "crash"), strings.Contains(msg, "target closed"), strings.Contains(msg, "session closed"):
		return protocol.WrapError(protocol.CodePageCrashed, err)
	default:
		return protocol.WrapError(protocol.CodeExecutionError, err)
	}
}
