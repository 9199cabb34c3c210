// Package session keeps authenticated browser sessions in memory.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"securitydept/credentials"
)

// DefaultTTL applies when a session is created without an explicit TTL.
const DefaultTTL = 24 * time.Hour

const idBytes = 32

// ErrSessionNotFound is returned for unknown or expired session ids.
var ErrSessionNotFound = errors.New("session not found")

// Session is an authenticated user after a completed login.
type Session struct {
	ID          string
	DisplayName string
	Picture     string
	Claims      map[string]any
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Manager owns the session map.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]Session
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger used by the reaper.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns a Manager whose sessions default to ttl.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		sessions: make(map[string]Session),
		ttl:      ttl,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the default session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Create stores a new session and returns it. A non-positive ttl uses the
// manager default.
func (m *Manager) Create(displayName, picture string, claims map[string]any, ttl time.Duration) (Session, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	id, err := credentials.RandomString(idBytes)
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}
	now := m.now()
	sess := Session{
		ID:          id,
		DisplayName: displayName,
		Picture:     picture,
		Claims:      maps.Clone(claims),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if sess.Claims == nil {
		sess.Claims = map[string]any{}
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	return sess, nil
}

// Get returns the session while now <= ExpiresAt.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || m.now().After(sess.ExpiresAt) {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// Delete removes the session. Unknown ids are ignored.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sess := range m.sessions {
		if !now.After(sess.ExpiresAt) {
			n++
		}
	}
	return n
}

// Purge drops expired sessions and returns how many were removed.
func (m *Manager) Purge() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// StartReaper purges expired sessions every interval until ctx is done.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.Purge(); n > 0 {
					m.logger.Debug("purged expired sessions", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
