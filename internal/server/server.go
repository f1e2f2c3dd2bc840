// Package server accepts websocket connections, drives each one through the
// authenticate -> route-messages -> disconnect lifecycle, and keeps every
// client's view of its game synchronized.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scottsen/veinborn-sub001/internal/auth"
	"github.com/scottsen/veinborn-sub001/internal/config"
	"github.com/scottsen/veinborn-sub001/internal/delta"
	"github.com/scottsen/veinborn-sub001/internal/engine"
	"github.com/scottsen/veinborn-sub001/internal/game"
	"github.com/scottsen/veinborn-sub001/internal/protocol"
)

// Server owns the connection registry and wires auth, games, and transport
// together. One goroutine per connection; sessions do their own locking.
type Server struct {
	cfg    config.Config
	logger *zap.Logger
	auth   *auth.Manager
	games  *game.Manager

	mu      sync.Mutex
	clients map[string]*client // player id -> live connection
}

func New(cfg config.Config, logger *zap.Logger, factory engine.Factory) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		auth:    auth.NewManager(logger),
		games:   game.NewManager(factory, cfg.ActionsPerRound, logger),
		clients: make(map[string]*client),
	}
}

// Handler builds the HTTP surface: the websocket endpoint plus two small
// read-only routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/games", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.games.List())
	})
	return r
}

// Run serves until ctx is cancelled, then closes live connections with a
// shutdown notice before stopping the listener.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	httpSrv := &http.Server{Addr: addr, Handler: s.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.maintain(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.closeAllClients("server shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})
	return g.Wait()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// register installs c as the live connection for its player, displacing any
// zombie connection left from a previous socket.
func (s *Server) register(c *client) {
	s.mu.Lock()
	old := s.clients[c.playerID()]
	s.clients[c.playerID()] = c
	s.mu.Unlock()
	if old != nil {
		old.send(protocol.NewSystem("replaced by a newer connection", "warning"))
		old.close()
	}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if s.clients[c.playerID()] == c {
		delete(s.clients, c.playerID())
	}
	s.mu.Unlock()
}

func (s *Server) clientFor(playerID string) (*client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[playerID]
	return c, ok
}

func (s *Server) closeAllClients(reason string) {
	s.mu.Lock()
	all := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		all = append(all, c)
	}
	s.mu.Unlock()

	note := protocol.NewSystem(reason, "warning")
	for _, c := range all {
		c.send(note)
		c.close()
	}
}

// broadcast sends one message to every connected member of a game.
func (s *Server) broadcast(g *game.Session, msg protocol.Message) {
	for _, p := range g.Players() {
		if p.Status != game.StatusConnected {
			continue
		}
		if c, ok := s.clientFor(p.PlayerID); ok {
			c.send(msg)
		}
	}
}

// broadcastState asks the session for its current state, full or delta, and
// relays it to all members. Roster changes go out as full documents; only
// in-game mutations ride the delta path.
func (s *Server) broadcastState(g *game.Session, useDelta bool) {
	snap := g.StateSnapshot(useDelta)
	s.broadcast(g, stateMessage(snap))
}

func stateMessage(snap delta.Delta) protocol.Message {
	if snap.Type == delta.TypeFull {
		return protocol.NewState(snap.State)
	}
	return protocol.NewDelta(snap.Changes, snap.NoChanges, snap.TurnCount, snap.RoundNumber, snap.ActionsThisRound)
}

// maintain runs the periodic background sweep for the life of the server:
// expired auth sessions, lapsed disconnections, AI turns for absent players,
// and abandoned games.
func (s *Server) maintain(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	if n := s.auth.CleanupExpired(s.cfg.AuthTokenExpiry); n > 0 {
		s.logger.Info("expired sessions removed", zap.Int("count", n))
	}

	for _, info := range s.games.List() {
		g, ok := s.games.Get(info.GameID)
		if !ok {
			continue
		}
		removed := g.CleanupExpiredDisconnections()
		for _, p := range removed {
			s.games.Unmap(p.PlayerID)
			s.broadcast(g, protocol.NewPlayerLeft(p.PlayerID, p.PlayerName))
		}
		if len(removed) > 0 {
			s.broadcastState(g, false)
		}
		if n := g.ProcessDisconnectedPlayerActions(); n > 0 {
			s.broadcastState(g, true)
		}
		s.finishIfOver(g)
	}

	if n := s.games.CleanupAbandoned(); n > 0 {
		s.logger.Info("abandoned games removed", zap.Int("count", n))
	}
}

// finishIfOver flips a wiped game to finished and tells the players once.
func (s *Server) finishIfOver(g *game.Session) {
	if !g.GameOver() || g.IsFinished() {
		return
	}
	g.Finish()
	s.broadcast(g, protocol.NewGameEnd(g.ID(), "party defeated"))
	s.broadcast(g, protocol.NewSystem("The game is over.", "info"))
}
