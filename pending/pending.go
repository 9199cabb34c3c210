// Package pending correlates in-flight OIDC authorization requests with their
// callbacks. Each request can be taken exactly once.
package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"securitydept/credentials"
)

// stateBytes gives a 256-bit state value.
const stateBytes = 32

// ErrDuplicateState is returned when Create is called with a state that is
// already pending.
var ErrDuplicateState = errors.New("pending: state already in use")

// Request is one outstanding authorization request.
type Request struct {
	State        string
	Nonce        string
	PKCEVerifier string
	RedirectURL  string
	ReturnTo     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Store holds pending requests in memory.
type Store struct {
	mu       sync.RWMutex
	requests map[string]Request
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used by the reaper.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		requests: make(map[string]Request),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewState returns a fresh unguessable state value.
func NewState() (string, error) {
	return credentials.RandomString(stateBytes)
}

// Create records req under req.State for ttl.
func (s *Store) Create(req Request, ttl time.Duration) error {
	if req.State == "" {
		return errors.New("pending: empty state")
	}
	if ttl <= 0 {
		return fmt.Errorf("pending: invalid ttl %s", ttl)
	}
	now := s.now()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.requests[req.State]; ok && !now.After(existing.ExpiresAt) {
		return ErrDuplicateState
	}
	s.requests[req.State] = req
	return nil
}

// Take removes and returns the request for state. Expired requests are
// removed and reported as absent.
func (s *Store) Take(state string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[state]
	if !ok {
		return Request{}, false
	}
	delete(s.requests, state)
	if s.now().After(req.ExpiresAt) {
		return Request{}, false
	}
	return req, true
}

// Len reports the number of stored requests, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// Purge drops expired requests and returns how many were removed.
func (s *Store) Purge() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for state, req := range s.requests {
		if now.After(req.ExpiresAt) {
			delete(s.requests, state)
			n++
		}
	}
	return n
}

// StartReaper purges expired requests every interval until ctx is done.
func (s *Store) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.Purge(); n > 0 {
					s.logger.Debug("purged expired login requests", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
