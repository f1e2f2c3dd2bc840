package game

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scottsen/veinborn-sub001/internal/engine"
)

var (
	ErrGameNotFound  = errors.New("game not found")
	ErrAlreadyInGame = errors.New("player already in a game")
	ErrNotInGame     = errors.New("player not in a game")
)

// Manager is the registry of active sessions. It enforces the one global
// invariant of the layer: a player id maps to at most one game at a time.
type Manager struct {
	mu         sync.Mutex
	games      map[string]*Session
	playerGame map[string]string // player id -> game id

	newEngine       engine.Factory
	actionsPerRound int
	logger          *zap.Logger
}

func NewManager(factory engine.Factory, actionsPerRound int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		games:           make(map[string]*Session),
		playerGame:      make(map[string]string),
		newEngine:       factory,
		actionsPerRound: actionsPerRound,
		logger:          logger,
	}
}

// CreateGame registers a new empty lobby.
func (m *Manager) CreateGame(name string, maxPlayers int) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	sess := NewSession(id, name, maxPlayers, m.actionsPerRound, m.newEngine, m.logger)
	m.games[id] = sess
	m.logger.Info("game created", zap.String("game_id", id), zap.String("game_name", name))
	return sess
}

// Get looks up a session by id.
func (m *Manager) Get(gameID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.games[gameID]
	return sess, ok
}

// Join attaches a player to a game. A player already mapped to any game is
// rejected before the session is consulted.
func (m *Manager) Join(gameID, playerID, playerName, playerClass string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.playerGame[playerID]; ok {
		return nil, fmt.Errorf("%w (game %s)", ErrAlreadyInGame, current)
	}
	sess, ok := m.games[gameID]
	if !ok {
		return nil, ErrGameNotFound
	}
	if err := sess.AddPlayer(playerID, playerName, playerClass); err != nil {
		return nil, err
	}
	m.playerGame[playerID] = gameID
	return sess, nil
}

// Leave detaches a player from their game. A never-started lobby emptied by
// the departure is deleted immediately; started games are left for the
// background sweep so late broadcasts never race a deletion.
func (m *Manager) Leave(playerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gameID, ok := m.playerGame[playerID]
	if !ok {
		return nil, ErrNotInGame
	}
	sess := m.games[gameID]
	delete(m.playerGame, playerID)
	if sess == nil {
		return nil, ErrGameNotFound
	}
	if err := sess.RemovePlayer(playerID); err != nil && !errors.Is(err, ErrUnknownPlayer) {
		return sess, err
	}
	if !sess.IsStarted() && sess.PlayerCount() == 0 {
		delete(m.games, gameID)
		m.logger.Info("empty lobby removed", zap.String("game_id", gameID))
	}
	return sess, nil
}

// GameFor returns the session a player currently belongs to.
func (m *Manager) GameFor(playerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gameID, ok := m.playerGame[playerID]
	if !ok {
		return nil, false
	}
	sess, ok := m.games[gameID]
	return sess, ok
}

// Unmap drops a player's reverse-index entry without touching the session.
// Used when the session itself already removed the player (expired
// disconnection sweep).
func (m *Manager) Unmap(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.playerGame, playerID)
}

// List returns summaries of all registered games.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.games))
	for _, sess := range m.games {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Summary())
	}
	return out
}

// CleanupAbandoned deletes games nobody can come back to and returns how
// many were removed.
func (m *Manager) CleanupAbandoned() int {
	m.mu.Lock()
	sessions := make(map[string]*Session, len(m.games))
	for id, sess := range m.games {
		sessions[id] = sess
	}
	m.mu.Unlock()

	var doomed []string
	for id, sess := range sessions {
		if sess.Abandoned() {
			doomed = append(doomed, id)
		}
	}
	if len(doomed) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, id := range doomed {
		if _, ok := m.games[id]; !ok {
			continue
		}
		delete(m.games, id)
		for playerID, g := range m.playerGame {
			if g == id {
				delete(m.playerGame, playerID)
			}
		}
		removed++
		m.logger.Info("abandoned game removed", zap.String("game_id", id))
	}
	return removed
}
