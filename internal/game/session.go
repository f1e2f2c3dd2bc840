// Package game holds the authoritative state machine for one running game
// and the registry that maps players to games.
package game

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scottsen/veinborn-sub001/internal/delta"
	"github.com/scottsen/veinborn-sub001/internal/engine"
)

var (
	ErrGameFull           = errors.New("game is full")
	ErrAlreadyStarted     = errors.New("game already started")
	ErrGameFinished       = errors.New("game is finished")
	ErrNotStarted         = errors.New("game not started")
	ErrAlreadyJoined      = errors.New("player already in this game")
	ErrUnknownPlayer      = errors.New("player not in this game")
	ErrPlayerDisconnected = errors.New("player is disconnected")
	ErrPlayerLeft         = errors.New("player has left the game")
	ErrNoEntity           = errors.New("player has no actor in the game")
	ErrActorMismatch      = errors.New("action actor does not belong to player")
	ErrNotDisconnected    = errors.New("player is not disconnected")
	ErrReconnectExpired   = errors.New("reconnect window expired")
)

// Session is one game's authoritative state. Every mutating method holds the
// session mutex for its whole body, so actions within a game are strictly
// serialized while different games run in parallel.
type Session struct {
	mu sync.Mutex

	id              string
	name            string
	maxPlayers      int
	actionsPerRound int

	players map[string]*PlayerInfo
	order   []string // join order; also engine admission order

	started  bool
	finished bool

	roundNumber      int
	actionsThisRound int
	gameOver         bool
	victory          bool

	messages  []any          // recent game log, trailing window
	autoActed map[string]int // player id -> round the last synthesized action covered

	baseline  map[string]any // last broadcast state, single-writer
	eng       engine.Engine
	newEngine engine.Factory

	logger *zap.Logger
	now    func() time.Time
}

// Info is the read-only listing form of a session.
type Info struct {
	GameID     string `json:"game_id"`
	GameName   string `json:"game_name"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"max_players"`
	Started    bool   `json:"started"`
}

func NewSession(id, name string, maxPlayers, actionsPerRound int, factory engine.Factory, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:              id,
		name:            name,
		maxPlayers:      maxPlayers,
		actionsPerRound: actionsPerRound,
		players:         make(map[string]*PlayerInfo),
		autoActed:       make(map[string]int),
		newEngine:       factory,
		logger:          logger.With(zap.String("game_id", id)),
		now:             time.Now,
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Name() string { return s.name }

// AddPlayer admits a player to the lobby.
func (s *Session) AddPlayer(playerID, playerName, playerClass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return ErrGameFinished
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if _, ok := s.players[playerID]; ok {
		return ErrAlreadyJoined
	}
	if len(s.players) >= s.maxPlayers {
		return ErrGameFull
	}
	s.players[playerID] = &PlayerInfo{
		PlayerID:         playerID,
		PlayerName:       playerName,
		PlayerClass:      playerClass,
		Alive:            true,
		Status:           StatusConnected,
		ReconnectTimeout: DefaultReconnectTimeout,
	}
	s.order = append(s.order, playerID)
	s.logger.Info("player joined", zap.String("player_id", playerID), zap.String("player_name", playerName))
	return nil
}

// RemovePlayer takes a player out of the game. In the lobby the slot is
// freed; once started the player is marked left and stays visible.
func (s *Session) RemovePlayer(playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	if !s.started {
		delete(s.players, playerID)
		s.removeFromOrderLocked(playerID)
	} else {
		p.Status = StatusLeft
		p.Ready = false
	}
	delete(s.autoActed, playerID)
	s.logger.Info("player removed", zap.String("player_id", playerID))
	return nil
}

func (s *Session) removeFromOrderLocked(playerID string) {
	for i, id := range s.order {
		if id == playerID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// SetReady flips a player's lobby ready flag.
func (s *Session) SetReady(playerID string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	p.Ready = ready
	return nil
}

// AllReady reports whether every player is ready and at least one is present.
func (s *Session) AllReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.players) == 0 {
		return false
	}
	for _, p := range s.players {
		if !p.Ready {
			return false
		}
	}
	return true
}

// Start transitions the lobby to active exactly once: it constructs the
// engine snapshot and admits every player in join order. Players the engine
// rejects stay visible without an actor. Starting an already started,
// finished, or empty game is a no-op.
func (s *Session) Start(seed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.finished || len(s.players) == 0 {
		return nil
	}
	s.eng = s.newEngine(seed)
	for _, id := range s.order {
		p := s.players[id]
		entityID, err := s.eng.AdmitPlayer(p.PlayerName, p.PlayerClass)
		if err != nil {
			s.logger.Warn("engine rejected player at start",
				zap.String("player_id", id), zap.Error(err))
			continue
		}
		p.EntityID = entityID
		p.Alive = true
	}
	s.started = true
	s.appendMessageLocked(fmt.Sprintf("The game %q begins.", s.name))
	// Force the next broadcast to be a full document.
	s.baseline = nil
	s.logger.Info("game started", zap.Int("players", len(s.players)))
	return nil
}

// ProcessAction validates and executes one player action. Engine-level
// rejections come back in the Outcome with Success false and mutate nothing.
func (s *Session) ProcessAction(playerID, actionType string, data map[string]any) (engine.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.finished {
		return engine.Outcome{}, ErrNotStarted
	}
	p, ok := s.players[playerID]
	if !ok {
		return engine.Outcome{}, ErrUnknownPlayer
	}
	switch p.Status {
	case StatusDisconnected:
		return engine.Outcome{}, ErrPlayerDisconnected
	case StatusLeft:
		return engine.Outcome{}, ErrPlayerLeft
	}
	if p.EntityID == "" {
		return engine.Outcome{}, ErrNoEntity
	}
	// A player may only submit actions for their own actor.
	if declared, ok := data["actor_id"].(string); ok && declared != p.EntityID {
		return engine.Outcome{}, ErrActorMismatch
	}
	return s.executeLocked(p, actionType, data), nil
}

func (s *Session) executeLocked(p *PlayerInfo, actionType string, data map[string]any) engine.Outcome {
	out := s.eng.Execute(p.EntityID, actionType, data)
	if !out.Success {
		return out
	}
	for _, ev := range out.Events {
		s.appendMessageLocked(ev)
	}
	s.actionsThisRound++
	if s.actionsThisRound >= s.actionsPerRound {
		for _, ev := range s.eng.ResolveNonPlayerTurn() {
			s.appendMessageLocked(ev)
		}
		s.eng.AdvanceTurnCounter()
		s.eng.PurgeDeadEntities()
		s.roundNumber++
		s.actionsThisRound = 0
	}
	s.refreshAliveLocked()
	return out
}

// refreshAliveLocked recomputes alive flags from engine health and flips
// game over when nobody is left standing.
func (s *Session) refreshAliveLocked() {
	living := 0
	tracked := 0
	for _, p := range s.players {
		if p.Status == StatusLeft || p.EntityID == "" {
			continue
		}
		tracked++
		hp, ok := s.eng.EntityHealth(p.EntityID)
		p.Alive = ok && hp > 0
		if p.Alive {
			living++
		}
	}
	if tracked > 0 && living == 0 {
		s.gameOver = true
	}
}

// RecordChat appends a chat line to the game log.
func (s *Session) RecordChat(playerID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	s.appendMessageLocked(fmt.Sprintf("%s: %s", p.PlayerName, text))
	return nil
}

func (s *Session) appendMessageLocked(text string) {
	s.messages = append(s.messages, text)
	if len(s.messages) > delta.MessageWindow {
		s.messages = s.messages[len(s.messages)-delta.MessageWindow:]
		// The suffix diff can't express a shifted window, so the next
		// broadcast must be a full document.
		s.baseline = nil
	}
}

// Disconnect marks a player as connection-lost; their actor goes under AI
// control until they reconnect or the window lapses.
func (s *Session) Disconnect(playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	if p.Status == StatusLeft {
		return ErrPlayerLeft
	}
	if p.Status == StatusDisconnected {
		return nil
	}
	p.Status = StatusDisconnected
	p.DisconnectedAt = s.now()
	s.appendMessageLocked(fmt.Sprintf("%s lost connection.", p.PlayerName))
	s.logger.Info("player disconnected", zap.String("player_id", playerID))
	return nil
}

// Reconnect restores a disconnected player. Each failure mode has its own
// reason so the server can report it.
func (s *Session) Reconnect(playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	switch p.Status {
	case StatusLeft:
		return ErrPlayerLeft
	case StatusConnected:
		return ErrNotDisconnected
	}
	if s.now().Sub(p.DisconnectedAt) > p.ReconnectTimeout {
		return ErrReconnectExpired
	}
	p.Status = StatusConnected
	p.DisconnectedAt = time.Time{}
	s.appendMessageLocked(fmt.Sprintf("%s reconnected.", p.PlayerName))
	s.logger.Info("player reconnected", zap.String("player_id", playerID))
	return nil
}

// CleanupExpiredDisconnections removes players whose reconnect window has
// lapsed. They vacate their slot entirely. Returns the removed players.
func (s *Session) CleanupExpiredDisconnections() []PlayerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []PlayerInfo
	now := s.now()
	for _, id := range append([]string(nil), s.order...) {
		p := s.players[id]
		if p == nil || p.Status != StatusDisconnected {
			continue
		}
		if now.Sub(p.DisconnectedAt) <= p.ReconnectTimeout {
			continue
		}
		removed = append(removed, *p)
		delete(s.players, id)
		delete(s.autoActed, id)
		s.removeFromOrderLocked(id)
		s.appendMessageLocked(fmt.Sprintf("%s did not return and leaves the game.", p.PlayerName))
		s.logger.Info("disconnected player expired", zap.String("player_id", id))
	}
	return removed
}

// ProcessDisconnectedPlayerActions synthesizes one defensive wait per round
// for each disconnected player so an absent player never blocks the round.
// Returns how many actions were synthesized.
func (s *Session) ProcessDisconnectedPlayerActions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.finished {
		return 0
	}
	n := 0
	for _, id := range append([]string(nil), s.order...) {
		p := s.players[id]
		if p == nil || p.Status != StatusDisconnected || p.EntityID == "" || !p.Alive {
			continue
		}
		if round, acted := s.autoActed[id]; acted && round == s.roundNumber {
			continue
		}
		s.autoActed[id] = s.roundNumber
		s.executeLocked(p, "wait", nil)
		n++
	}
	return n
}

// GameOver reports whether the party has been wiped.
func (s *Session) GameOver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameOver
}

// Finish transitions the session to finished. The flag is monotone.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
}

func (s *Session) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Session) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// PlayerCount reports how many players currently hold a slot.
func (s *Session) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

// ConnectedCount reports players with a live connection.
func (s *Session) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.players {
		if p.Status == StatusConnected {
			n++
		}
	}
	return n
}

// Abandoned reports whether nothing can rejoin this game: it is finished
// with nobody connected, or started with no connected players and nobody
// inside their reconnect window.
func (s *Session) Abandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.players) == 0 {
		return true
	}
	connected, waiting := 0, 0
	for _, p := range s.players {
		switch p.Status {
		case StatusConnected:
			connected++
		case StatusDisconnected:
			waiting++
		}
	}
	if connected > 0 {
		return false
	}
	if s.finished {
		return true
	}
	return s.started && waiting == 0
}

// Player returns a copy of one player's record.
func (s *Session) Player(playerID string) (PlayerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerID]
	if !ok {
		return PlayerInfo{}, false
	}
	return *p, true
}

// Players returns copies of all player records in join order.
func (s *Session) Players() []PlayerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayerInfo, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.players[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// RoundState reports the round counters.
func (s *Session) RoundState() (roundNumber, actionsThisRound int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roundNumber, s.actionsThisRound
}

// Summary returns the listing form of the session.
func (s *Session) Summary() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		GameID:     s.id,
		GameName:   s.name,
		Players:    len(s.players),
		MaxPlayers: s.maxPlayers,
		Started:    s.started,
	}
}
