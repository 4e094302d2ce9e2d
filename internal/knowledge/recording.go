package knowledge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// recordingConfidence is the initial confidence of human-recorded patterns.
// Recordings are stronger evidence than agent guesses but still go stale.
const recordingConfidence = 0.8

// Recording is one captured human browsing session, dropped as JSON under
// <dataDir>/recordings/.
type Recording struct {
	Domain     string          `json:"domain"`
	TaskIntent string          `json:"taskIntent,omitempty"`
	RecordedAt time.Time       `json:"recordedAt"`
	Steps      []RecordingStep `json:"steps"`
}

// RecordingStep is one captured user action.
type RecordingStep struct {
	Action    string `json:"action"` // "navigate", "click", "type"
	URL       string `json:"url,omitempty"`
	Selector  string `json:"selector,omitempty"`
	Field     string `json:"field,omitempty"`
	FieldType string `json:"fieldType,omitempty"` // input type attribute
	Value     string `json:"value,omitempty"`
}

// PatternsFromRecording distills a recording into patterns: the navigation
// path (when it visits at least two distinct pages), the clicked targets,
// and the filled form fields. Secret fields never survive distillation.
func PatternsFromRecording(rec *Recording) []Pattern {
	var patterns []Pattern

	var path []string
	seen := map[string]bool{}
	for _, step := range rec.Steps {
		if step.Action != "navigate" || step.URL == "" {
			continue
		}
		p := urlPath(step.URL)
		if !seen[p] {
			seen[p] = true
			path = append(path, p)
		}
	}
	if len(path) >= 2 {
		patterns = append(patterns, Pattern{
			Type:        TypeNavigationPath,
			Description: "recorded navigation path",
			Value:       strings.Join(path, " -> "),
			Confidence:  recordingConfidence,
			Source:      SourceRecording,
		})
	}

	for _, step := range rec.Steps {
		switch step.Action {
		case "click":
			if step.Selector == "" {
				continue
			}
			patterns = append(patterns, Pattern{
				Type:        TypeSelector,
				Description: "recorded click target",
				Value:       step.Selector,
				Confidence:  recordingConfidence,
				Source:      SourceRecording,
			})
		case "type":
			if secretField(step) {
				continue
			}
			field := step.Field
			if field == "" {
				field = step.Selector
			}
			if field == "" {
				continue
			}
			patterns = append(patterns, Pattern{
				Type:        TypeSelector,
				Description: "recorded form field " + field,
				Value:       field,
				Confidence:  recordingConfidence,
				Source:      SourceRecording,
			})
		}
	}

	if rec.TaskIntent != "" && len(patterns) > 0 {
		patterns = append(patterns, Pattern{
			Type:        TypeTaskIntent,
			Description: rec.TaskIntent,
			Value:       "a human completed this task here on " + rec.Domain,
			Confidence:  recordingConfidence,
			Source:      SourceRecording,
		})
	}
	return patterns
}

func secretField(step RecordingStep) bool {
	if strings.EqualFold(step.FieldType, "password") {
		return true
	}
	name := strings.ToLower(step.Field + " " + step.Selector)
	for _, marker := range []string{"password", "passwd", "secret", "token", "otp"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return raw
	}
	return u.Path
}

// Watcher ingests recording files as they appear and feeds the distilled
// patterns into the store.
type Watcher struct {
	store   *Store
	dir     string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching dir for recording JSON files. Files already
// present are ingested immediately.
func NewWatcher(store *Store, dir string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("knowledge: recordings dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("knowledge: watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("knowledge: watch %s: %w", dir, err)
	}

	w := &Watcher{store: store, dir: dir, watcher: fsw, done: make(chan struct{})}
	w.ingestExisting()
	go w.run()
	return w, nil
}

func (w *Watcher) ingestExisting() {
	matches, err := filepath.Glob(filepath.Join(w.dir, "*.json"))
	if err != nil {
		return
	}
	for _, path := range matches {
		w.Ingest(path)
	}
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Ext(ev.Name) != ".json" {
				continue
			}
			w.Ingest(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("knowledge.watch_error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Ingest parses one recording file and saves its patterns.
func (w *Watcher) Ingest(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("knowledge.recording_read_failed", "path", path, "error", err)
		return
	}
	var rec Recording
	if err := json.Unmarshal(raw, &rec); err != nil {
		slog.Warn("knowledge.recording_malformed", "path", path, "error", err)
		return
	}
	patterns := PatternsFromRecording(&rec)
	if len(patterns) > 0 {
		if err := w.store.SavePatterns(rec.Domain, patterns); err != nil {
			slog.Warn("knowledge.recording_save_failed", "path", path, "error", err)
			return
		}
	}
	// consumed recordings are renamed so a restart does not re-ingest them
	if err := os.Rename(path, path+".done"); err != nil {
		slog.Warn("knowledge.recording_rename_failed", "path", path, "error", err)
	}
	slog.Info("knowledge.recording_ingested", "path", path, "domain", rec.Domain, "patterns", len(patterns))
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
