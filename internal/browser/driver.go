package browser

import (
	"context"
	"time"
)

// Rect is an element bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Element is one row of the flat element list produced from a DOM snapshot.
// ID is a semantic id injected as a DOM attribute on collection, so later
// addressing survives reflows within the same page state.
type Element struct {
	ID    string            `json:"id"`
	Role  string            `json:"role"`
	Name  string            `json:"name"`
	Tag   string            `json:"tag"`
	Text  string            `json:"text,omitempty"`
	State map[string]bool   `json:"state,omitempty"` // disabled, checked, focused...
	Attrs map[string]string `json:"attrs,omitempty"`
	Rect  Rect              `json:"rect"`
}

// PageInfo is the lightweight page snapshot returned by get_page_info.
type PageInfo struct {
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	CanonicalURL string    `json:"canonicalUrl,omitempty"`
	Headings     []string  `json:"headings,omitempty"`
	Elements     []Element `json:"elements,omitempty"`
}

// LogEntry is a console or network log line captured on a tab.
type LogEntry struct {
	Kind      string    `json:"kind"` // "console" or "network"
	Level     string    `json:"level,omitempty"`
	Method    string    `json:"method,omitempty"`
	URL       string    `json:"url,omitempty"`
	Status    int       `json:"status,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DialogInfo describes a pending javascript dialog.
type DialogInfo struct {
	Type    string `json:"type"` // alert, confirm, prompt, beforeunload
	Message string `json:"message"`
}

// DownloadInfo describes a completed or in-flight download.
type DownloadInfo struct {
	URL      string `json:"url"`
	Path     string `json:"path,omitempty"`
	Received int64  `json:"received"`
	Done     bool   `json:"done"`
}

// TabInfo identifies one tab within a session.
type TabInfo struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// Tab is the per-page surface the tool layer drives. Implementations are
// thread-safe per page; pages are never shared across runs unless the caller
// reuses a sessionId.
type Tab interface {
	ID() string

	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	WaitStable(ctx context.Context, timeout time.Duration) error

	Info(ctx context.Context, withElements bool) (*PageInfo, error)
	HTML(ctx context.Context) (string, error)
	FindElement(ctx context.Context, query string) (*Element, error)

	Click(ctx context.Context, elementID string) error
	TypeText(ctx context.Context, elementID, text string) error
	PressKey(ctx context.Context, key string) error
	Scroll(ctx context.Context, dx, dy float64) error
	Hover(ctx context.Context, elementID string) error
	SelectOption(ctx context.Context, elementID, value string) error
	SetValue(ctx context.Context, elementID, value string) error

	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Eval(ctx context.Context, js string) (interface{}, error)

	ConsoleLogs() []LogEntry
	NetworkLogs() []LogEntry
	DialogInfo() (*DialogInfo, bool)
	HandleDialog(ctx context.Context, accept bool, promptText string) error
	UploadFile(ctx context.Context, elementID string, paths []string) error
	Downloads() []DownloadInfo

	Close(ctx context.Context) error
}

// Session is one isolated browser context holding tabs and cookies.
type Session interface {
	ID() string
	NewTab(ctx context.Context) (Tab, error)
	ActiveTab() (Tab, bool)
	SwitchTab(id string) error
	CloseTab(ctx context.Context, id string) error
	Tabs() []TabInfo
	Close(ctx context.Context) error
}

// Driver is the narrow browser contract consumed by the tool surface.
type Driver interface {
	NewSession(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}
