package ws

import (
	"sync"
	"time"

	"github.com/kasuganosora/friendsync/social/relation"
	"go.uber.org/zap"
)

// SessionManager keeps the current WebSocket session of every user.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[relation.UserID]*Session
	logger   *zap.Logger
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[relation.UserID]*Session),
		logger:   logger,
	}
}

// Register makes s the user's current session. A previous session for the
// same user is closed (second tab, reconnect before the old socket died).
func (sm *SessionManager) Register(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if old, ok := sm.sessions[s.UserID]; ok && old != s {
		old.Close()
		sm.logger.Info("duplicate session displaced", zap.String("user", string(s.UserID)))
	}
	sm.sessions[s.UserID] = s
	sm.logger.Debug("ws session registered", zap.String("user", string(s.UserID)))
}

// Unregister removes s if it is still the user's current session and
// reports whether it was. A displaced session must not take its
// replacement's presence down with it.
func (sm *SessionManager) Unregister(s *Session) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sessions[s.UserID] != s {
		return false
	}
	delete(sm.sessions, s.UserID)
	sm.logger.Debug("ws session unregistered", zap.String("user", string(s.UserID)))
	return true
}

// Get returns the current session of u, or nil.
func (sm *SessionManager) Get(u relation.UserID) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[u]
}

// Count returns the number of currently connected sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every session and waits up to wait for them to unregister.
func (sm *SessionManager) CloseAll(wait time.Duration) {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	sm.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) && sm.Count() > 0 {
		time.Sleep(50 * time.Millisecond)
	}
}
