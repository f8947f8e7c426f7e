// Package session keeps one rule engine per signed-in protected user.
package session

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/engine"
	"github.com/smukkama/safety-engine/internal/metrics"
)

// Factory builds the engine for a newly opened session
type Factory func(userID string) (*engine.Engine, error)

// Session is one user's engine plus bookkeeping
type Session struct {
	UserID   string
	Engine   *engine.Engine
	OpenedAt time.Time

	mu        sync.RWMutex
	lastEvent time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastEvent = now
	s.mu.Unlock()
}

// LastEvent returns when the session last received an event
func (s *Session) LastEvent() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEvent
}

// Registry manages all open sessions
type Registry struct {
	sessions    map[string]*Session // key: user id
	mu          sync.RWMutex
	maxSessions int
	factory     Factory
	metrics     *metrics.Metrics
	logger      *zap.Logger
	clock       func() time.Time
}

// NewRegistry creates a registry holding at most maxSessions sessions
func NewRegistry(maxSessions int, factory Factory, m *metrics.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		factory:     factory,
		metrics:     m,
		logger:      logger,
		clock:       time.Now,
	}
}

// Open returns the user's session, creating it on first use (sign-in)
func (r *Registry) Open(userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if ok {
		s.touch(r.clock())
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[userID]; ok {
		s.touch(r.clock())
		return s, nil
	}

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, ErrMaxSessionsReached
	}

	eng, err := r.factory(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine for %s: %w", userID, err)
	}

	now := r.clock()
	s = &Session{
		UserID:    userID,
		Engine:    eng,
		OpenedAt:  now,
		lastEvent: now,
	}
	r.sessions[userID] = s
	r.metrics.SetActiveSessions(len(r.sessions))

	r.logger.Info("session opened", zap.String("protected_id", userID))
	return s, nil
}

// Get retrieves an open session
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[userID]
	return s, ok
}

// Close resets the user's engine and drops the session (sign-out). It
// returns false when no session was open.
func (r *Registry) Close(userID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
		r.metrics.SetActiveSessions(len(r.sessions))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	s.Engine.Reset()
	r.logger.Info("session closed", zap.String("protected_id", userID))
	return true
}

// Inactive returns users not heard from within timeout
func (r *Registry) Inactive(timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock()
	var inactive []string
	for userID, s := range r.sessions {
		if now.Sub(s.LastEvent()) > timeout {
			inactive = append(inactive, userID)
		}
	}
	return inactive
}

// SweepInactive closes sessions idle for longer than timeout. Sessions with
// an alert in flight are kept so late video uploads still find their alert.
func (r *Registry) SweepInactive(timeout time.Duration) int {
	closed := 0
	for _, userID := range r.Inactive(timeout) {
		if r.closeIfIdle(userID, timeout) {
			closed++
		}
	}
	return closed
}

// closeIfIdle drops the session only if it is still inactive and its engine
// has no alert in flight. The check and the reset happen under the registry
// lock and the engine's own locks, so a trigger racing the sweep either
// lands first and keeps the session, or lands on an already closed engine.
func (r *Registry) closeIfIdle(userID string, timeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok || r.clock().Sub(s.LastEvent()) <= timeout {
		return false
	}
	if !s.Engine.ResetIfIdle() {
		return false
	}

	delete(r.sessions, userID)
	r.metrics.SetActiveSessions(len(r.sessions))
	r.logger.Info("idle session closed", zap.String("protected_id", userID))
	return true
}

// Count returns the number of open sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats returns statistics about the registry
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		OpenSessions: len(r.sessions),
		MaxSessions:  r.maxSessions,
	}
	for _, s := range r.sessions {
		if s.Engine.Snapshot().State.Active() {
			stats.AlertsInFlight++
		}
	}
	return stats
}

// RegistryStats contains statistics about the registry
type RegistryStats struct {
	OpenSessions   int
	AlertsInFlight int
	MaxSessions    int
}

var (
	ErrMaxSessionsReached = &SessionError{"maximum sessions reached"}
)

// SessionError represents a session error
type SessionError struct {
	msg string
}

func (e *SessionError) Error() string {
	return e.msg
}
