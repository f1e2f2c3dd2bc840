// Package auth issues and validates the ephemeral, in-memory session tokens
// used by same-process connections. It is not an identity provider: every
// fresh connection gets a brand-new player identity.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrSessionNotFound = errors.New("session not found")
)

// Session is an authenticated connection's identity record. The manager owns
// it exclusively; callers get copies.
type Session struct {
	SessionID  string
	PlayerID   string
	PlayerName string
	CreatedAt  time.Time
	LastSeen   time.Time
	GameID     string
}

// Manager tracks live sessions under an explicit lock. The maps are mutated
// from multiple connection goroutines, so every method takes the mutex.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session // session id -> session
	byToken  map[string]string   // token -> session id
	byPlayer map[string]string   // player id -> session id
	logger   *zap.Logger
	now      func() time.Time
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		byToken:  make(map[string]string),
		byPlayer: make(map[string]string),
		logger:   logger,
		now:      time.Now,
	}
}

// CreateSession mints a fresh identity for a connecting player: independent
// random player id, session id, and opaque token. Player ids are never
// reused across connections.
func (m *Manager) CreateSession(playerName string) (string, Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := &Session{
		SessionID:  uuid.NewString(),
		PlayerID:   uuid.NewString(),
		PlayerName: playerName,
		CreatedAt:  now,
		LastSeen:   now,
	}
	token := uuid.NewString()

	m.sessions[s.SessionID] = s
	m.byToken[token] = s.SessionID
	m.byPlayer[s.PlayerID] = s.SessionID

	m.logger.Info("session created",
		zap.String("session_id", s.SessionID),
		zap.String("player_id", s.PlayerID),
		zap.String("player_name", playerName))
	return token, *s
}

// VerifyToken resolves a token to its session and bumps last-seen. A miss is
// an authentication failure for the caller to translate, not an error here.
func (m *Manager) VerifyToken(token string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byToken[token]
	if !ok {
		return Session{}, false
	}
	s := m.sessions[id]
	s.LastSeen = m.now()
	return *s, true
}

// UpdateActivity bumps last-seen for the idle sweep.
func (m *Manager) UpdateActivity(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastSeen = m.now()
	}
}

// BindGame records which game the session's player is in; empty unbinds.
func (m *Manager) BindGame(sessionID, gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.GameID = gameID
	}
}

// InvalidateSession removes a session and all its mappings. Invalidating an
// unknown session is a no-op.
func (m *Manager) InvalidateSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked(sessionID)
}

func (m *Manager) invalidateLocked(sessionID string) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	delete(m.byPlayer, s.PlayerID)
	for token, id := range m.byToken {
		if id == sessionID {
			delete(m.byToken, token)
			break
		}
	}
	m.logger.Info("session invalidated", zap.String("session_id", sessionID))
}

// CleanupExpired removes every session whose age since creation exceeds
// expiry and returns how many were removed.
func (m *Manager) CleanupExpired(expiry time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-expiry)
	var expired []string
	for id, s := range m.sessions {
		if s.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.invalidateLocked(id)
	}
	return len(expired)
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
