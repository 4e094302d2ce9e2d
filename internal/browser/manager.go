package browser

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

// Manager is the session registry shared by tools and templates.
// Sessions are referenced by id; runs never hold Session pointers.
type Manager struct {
	mu       sync.Mutex
	driver   Driver
	sessions map[string]Session
	max      int
}

// NewManager wraps a driver with a capped session registry.
func NewManager(driver Driver, maxSessions int) *Manager {
	if maxSessions <= 0 {
		maxSessions = 32
	}
	return &Manager{
		driver:   driver,
		sessions: make(map[string]Session),
		max:      maxSessions,
	}
}

// Create opens a new browser session and registers it.
func (m *Manager) Create(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.max {
		m.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeExecutionError, "session cap reached (%d)", m.max)
	}
	m.mu.Unlock()

	sess, err := m.driver.NewSession(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()

	slog.Info("browser.session_created", "session", sess.ID())
	return sess, nil
}

// Get resolves a session by id.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, protocol.NewError(protocol.CodeSessionNotFound, "session %s not found", id)
	}
	return sess, nil
}

// Close reaps one session. Idempotent: closing an unknown id is an error,
// closing twice is not possible because the first close deregisters.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.CodeSessionNotFound, "session %s not found", id)
	}

	slog.Info("browser.session_closed", "session", id)
	return sess.Close(ctx)
}

// List returns the ids of live sessions.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll reaps every session, then the driver.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			slog.Warn("browser.session_close_failed", "session", s.ID(), "error", err)
		}
	}
	if m.driver != nil {
		if err := m.driver.Close(ctx); err != nil {
			slog.Warn("browser.driver_close_failed", "error", err)
		}
	}
}
