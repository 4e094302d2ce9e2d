// Package browsertest provides an in-memory browser driver for tests.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/webpilot/internal/browser"
	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// Page is the scripted content served for one URL.
type Page struct {
	Title        string
	HTML         string
	CanonicalURL string
	Headings     []string
	Elements     []browser.Element

	// NavigateErr makes navigation to this URL fail with the given error.
	NavigateErr error

	// OnNavigate redirects: after "visiting" this URL the tab lands on the
	// returned URL (login flows).
	OnNavigate func() string
}

// Driver is a deterministic in-memory browser.
type Driver struct {
	mu    sync.Mutex
	pages map[string]*Page

	Sessions       []*Session
	ClosedSessions []string
}

func NewDriver() *Driver {
	return &Driver{pages: make(map[string]*Page)}
}

// AddPage scripts content for a URL.
func (d *Driver) AddPage(url string, p *Page) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[url] = p
}

func (d *Driver) lookup(url string) (*Page, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pages[url]
	return p, ok
}

func (d *Driver) NewSession(ctx context.Context) (browser.Session, error) {
	s := &Session{id: "sess_" + uuid.NewString()[:8], driver: d, tabs: map[string]*Tab{}}
	if _, err := s.NewTab(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.Sessions = append(d.Sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *Driver) Close(ctx context.Context) error { return nil }

// Session is a fake browser session.
type Session struct {
	id     string
	driver *Driver

	mu     sync.Mutex
	tabs   map[string]*Tab
	order  []string
	active string
	closed bool
}

func (s *Session) ID() string { return s.id }

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) NewTab(ctx context.Context) (browser.Tab, error) {
	t := &Tab{id: "tab_" + uuid.NewString()[:8], driver: s.driver}
	s.mu.Lock()
	s.tabs[t.id] = t
	s.order = append(s.order, t.id)
	s.active = t.id
	s.mu.Unlock()
	return t, nil
}

func (s *Session) ActiveTab() (browser.Tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[s.active]
	return t, ok
}

func (s *Session) SwitchTab(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tabs[id]; !ok {
		return protocol.NewError(protocol.CodeInvalidParameter, "tab %s not found", id)
	}
	s.active = id
	return nil
}

func (s *Session) CloseTab(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tabs[id]; !ok {
		return protocol.NewError(protocol.CodeInvalidParameter, "tab %s not found", id)
	}
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
	return nil
}

func (s *Session) Tabs() []browser.TabInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []browser.TabInfo
	for _, id := range s.order {
		t := s.tabs[id]
		infos = append(infos, browser.TabInfo{ID: id, URL: t.url, Title: t.title(), Active: id == s.active})
	}
	return infos
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.driver.mu.Lock()
	s.driver.ClosedSessions = append(s.driver.ClosedSessions, s.id)
	s.driver.mu.Unlock()
	return nil
}

// Tab is a fake page surface. Typed text and clicks are recorded for
// assertions.
type Tab struct {
	id     string
	driver *Driver

	mu      sync.Mutex
	url     string
	page    *Page
	history []string

	TypedText map[string]string // elementID → text
	Clicked   []string
	Pressed   []string
}

func (t *Tab) ID() string { return t.id }

func (t *Tab) title() string {
	if t.page != nil {
		return t.page.Title
	}
	return ""
}

func (t *Tab) Navigate(ctx context.Context, url string) error {
	p, ok := t.driver.lookup(url)
	if !ok {
		return protocol.NewError(protocol.CodeNavigationTimeout, "no route to %s", url)
	}
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	t.mu.Lock()
	t.history = append(t.history, url)
	t.url = url
	t.page = p
	t.mu.Unlock()
	if p.OnNavigate != nil {
		next := p.OnNavigate()
		if next != "" && next != url {
			return t.Navigate(ctx, next)
		}
	}
	return nil
}

func (t *Tab) Back(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.history) < 2 {
		return protocol.NewError(protocol.CodeExecutionError, "no history")
	}
	t.history = t.history[:len(t.history)-1]
	prev := t.history[len(t.history)-1]
	if p, ok := t.driver.lookup(prev); ok {
		t.url = prev
		t.page = p
	}
	return nil
}

func (t *Tab) WaitStable(ctx context.Context, timeout time.Duration) error { return nil }

func (t *Tab) Info(ctx context.Context, withElements bool) (*browser.PageInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.page == nil {
		return &browser.PageInfo{URL: t.url}, nil
	}
	info := &browser.PageInfo{
		URL:          t.url,
		Title:        t.page.Title,
		CanonicalURL: t.page.CanonicalURL,
		Headings:     append([]string(nil), t.page.Headings...),
	}
	if withElements {
		info.Elements = append([]browser.Element(nil), t.page.Elements...)
	}
	return info, nil
}

func (t *Tab) HTML(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.page == nil {
		return "", protocol.NewError(protocol.CodeExecutionError, "no page loaded")
	}
	return t.page.HTML, nil
}

func (t *Tab) FindElement(ctx context.Context, query string) (*browser.Element, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.page == nil {
		return nil, protocol.NewError(protocol.CodeElementNotFound, "no page loaded")
	}
	q := strings.ToLower(query)
	for i := range t.page.Elements {
		el := &t.page.Elements[i]
		if el.ID == query {
			return el, nil
		}
	}
	for i := range t.page.Elements {
		el := &t.page.Elements[i]
		if strings.Contains(strings.ToLower(el.Text), q) ||
			strings.Contains(strings.ToLower(el.Name), q) ||
			attrMatch(el, query) {
			return el, nil
		}
	}
	return nil, protocol.NewError(protocol.CodeElementNotFound, "no element matches %q", query)
}

func attrMatch(el *browser.Element, query string) bool {
	for _, v := range el.Attrs {
		if v == query {
			return true
		}
	}
	// CSS-ish selector fallback: "#id" matches element id attr, "input[type=x]" matches type.
	if strings.HasPrefix(query, "#") && el.Attrs["id"] == query[1:] {
		return true
	}
	return false
}

func (t *Tab) find(elementID string) (*browser.Element, error) {
	if t.page == nil {
		return nil, protocol.NewError(protocol.CodeElementNotFound, "no page loaded")
	}
	for i := range t.page.Elements {
		if t.page.Elements[i].ID == elementID {
			return &t.page.Elements[i], nil
		}
	}
	return nil, protocol.NewError(protocol.CodeElementNotFound, "element %s not found", elementID)
}

func (t *Tab) Click(ctx context.Context, elementID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.find(elementID); err != nil {
		return err
	}
	t.Clicked = append(t.Clicked, elementID)
	return nil
}

func (t *Tab) TypeText(ctx context.Context, elementID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.find(elementID); err != nil {
		return err
	}
	if t.TypedText == nil {
		t.TypedText = make(map[string]string)
	}
	t.TypedText[elementID] = text
	return nil
}

func (t *Tab) PressKey(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Pressed = append(t.Pressed, key)
	return nil
}

func (t *Tab) Scroll(ctx context.Context, dx, dy float64) error { return nil }

func (t *Tab) Hover(ctx context.Context, elementID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.find(elementID)
	return err
}

func (t *Tab) SelectOption(ctx context.Context, elementID, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.find(elementID)
	return err
}

func (t *Tab) SetValue(ctx context.Context, elementID, value string) error {
	return t.TypeText(ctx, elementID, value)
}

func (t *Tab) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return []byte(fmt.Sprintf("png:%s", t.url)), nil
}

func (t *Tab) Eval(ctx context.Context, js string) (interface{}, error) {
	return map[string]interface{}{"ok": true}, nil
}

func (t *Tab) ConsoleLogs() []browser.LogEntry { return nil }
func (t *Tab) NetworkLogs() []browser.LogEntry { return nil }

func (t *Tab) DialogInfo() (*browser.DialogInfo, bool) { return nil, false }

func (t *Tab) HandleDialog(ctx context.Context, accept bool, promptText string) error {
	return protocol.NewError(protocol.CodeInvalidParameter, "no pending dialog")
}

func (t *Tab) UploadFile(ctx context.Context, elementID string, paths []string) error {
	_, err := t.find(elementID)
	return err
}

func (t *Tab) Downloads() []browser.DownloadInfo { return nil }

func (t *Tab) Close(ctx context.Context) error { return nil }
