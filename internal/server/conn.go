package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/scottsen/veinborn-sub001/internal/auth"
	"github.com/scottsen/veinborn-sub001/internal/game"
	"github.com/scottsen/veinborn-sub001/internal/protocol"
)

// error codes carried in protocol error messages.
const (
	codeProtocol = "protocol"
	codeSession  = "session"
	codeAction   = "action"
	codeInternal = "internal"
)

// client is one authenticated connection. Outbound messages go through a
// buffered channel drained by a writer goroutine; a full buffer drops the
// message rather than blocking a game broadcast.
type client struct {
	conn   *websocket.Conn
	sess   auth.Session
	token  string
	out    chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (c *client) playerID() string { return c.sess.PlayerID }

func (c *client) send(m protocol.Message) {
	payload, err := m.Encode()
	if err != nil {
		c.logger.Error("encode failed", zap.String("type", m.Type), zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.out <- payload:
	default:
		c.logger.Warn("outbox full, dropping message", zap.String("type", m.Type))
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) writeLoop(ctx context.Context, timeout time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case payload := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := c.conn.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.clientCount() >= s.cfg.MaxConnections {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	sess, token, ok := s.authenticate(ctx, conn)
	if !ok {
		return
	}

	c := &client{
		conn:  conn,
		sess:  sess,
		token: token,
		out:   make(chan []byte, 32),
		done:  make(chan struct{}),
		logger: s.logger.With(
			zap.String("player_id", sess.PlayerID),
			zap.String("session_id", sess.SessionID)),
	}
	s.register(c)
	defer s.drop(c)
	go c.writeLoop(ctx, s.cfg.ActionTimeout)

	s.resumeGame(c)
	s.readLoop(ctx, c)
}

// authenticate runs the pre-session phase: the first message must be a valid
// auth within the configured window, or the connection gets an explicit
// auth_failure and closes. A token resumes the issuing session; otherwise a
// fresh identity is minted. The read runs in its own goroutine so a silent
// connection times out with the connection still writable for the failure
// message, while a dead connection is told apart and closed without one.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn) (auth.Session, string, bool) {
	type readResult struct {
		raw []byte
		err error
	}
	first := make(chan readResult, 1)
	go func() {
		_, raw, err := conn.Read(ctx)
		first <- readResult{raw: raw, err: err}
	}()

	timer := time.NewTimer(s.cfg.ConnectionTimeout)
	defer timer.Stop()

	var raw []byte
	select {
	case <-timer.C:
		s.authFail(ctx, conn, "authentication timed out")
		return auth.Session{}, "", false
	case res := <-first:
		if res.err != nil {
			// client went away before authenticating; nobody left to notify
			conn.Close(websocket.StatusPolicyViolation, "auth failed")
			return auth.Session{}, "", false
		}
		raw = res.raw
	}

	msg, err := protocol.Decode(raw)
	if err != nil || msg.Type != protocol.TypeAuth {
		s.authFail(ctx, conn, "first message must be auth")
		return auth.Session{}, "", false
	}

	if token := msg.String("token"); token != "" {
		sess, ok := s.auth.VerifyToken(token)
		if !ok {
			s.authFail(ctx, conn, "invalid or expired token")
			return auth.Session{}, "", false
		}
		s.writeNow(ctx, conn, protocol.NewAuthSuccess(sess.SessionID, sess.PlayerID, token))
		return sess, token, true
	}

	name := msg.String("player_name")
	if name == "" {
		s.authFail(ctx, conn, "player_name required")
		return auth.Session{}, "", false
	}
	token, sess := s.auth.CreateSession(name)
	s.writeNow(ctx, conn, protocol.NewAuthSuccess(sess.SessionID, sess.PlayerID, token))
	return sess, token, true
}

func (s *Server) authFail(ctx context.Context, conn *websocket.Conn, reason string) {
	s.writeNow(ctx, conn, protocol.NewAuthFailure(reason))
	conn.Close(websocket.StatusPolicyViolation, "auth failed")
}

// writeNow writes synchronously, used only before the writer goroutine runs.
func (s *Server) writeNow(ctx context.Context, conn *websocket.Conn, m protocol.Message) {
	payload, err := m.Encode()
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, payload)
}

// resumeGame restores a resumed session's place in its game, if any. The
// rejoining client holds no delta baseline, so tracking is reset and the
// next broadcast is a full document.
func (s *Server) resumeGame(c *client) {
	g, ok := s.games.GameFor(c.playerID())
	if !ok {
		return
	}
	p, ok := g.Player(c.playerID())
	if !ok || p.Status != game.StatusDisconnected {
		return
	}
	if err := g.Reconnect(c.playerID()); err != nil {
		c.send(protocol.NewError(err.Error(), codeSession))
		return
	}
	g.ResetStateTracking()
	s.broadcast(g, protocol.NewSystem(p.PlayerName+" reconnected", "info"))
	s.broadcastState(g, true)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
		_, raw, err := c.conn.Read(rctx)
		cancel()
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					c.logger.Debug("read failed", zap.Error(err))
				}
			}
			return
		}

		msg, err := protocol.Decode(raw)
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			c.send(protocol.NewError("unknown message type: "+msg.Type, codeProtocol))
			continue
		case err != nil:
			c.send(protocol.NewError("unparseable message", codeProtocol))
			continue
		case !protocol.ClientType(msg.Type):
			c.send(protocol.NewError("server-only message type: "+msg.Type, codeProtocol))
			continue
		}

		s.auth.UpdateActivity(c.sess.SessionID)
		s.dispatch(c, msg)
	}
}

// dispatch routes one client message. The recover keeps an unexpected panic
// inside a handler from taking down the connection's goroutine siblings or
// the server; the offending client gets an internal error and keeps going.
func (s *Server) dispatch(c *client, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in message handler",
				zap.String("type", msg.Type), zap.Any("panic", r), zap.Stack("stack"))
			c.send(protocol.NewError("internal server error", codeInternal))
		}
	}()

	switch msg.Type {
	case protocol.TypeAuth:
		c.send(protocol.NewError("already authenticated", codeProtocol))
	case protocol.TypeCreateGame:
		s.handleCreateGame(c, msg)
	case protocol.TypeJoinGame:
		s.handleJoinGame(c, msg)
	case protocol.TypeLeaveGame:
		s.handleLeaveGame(c)
	case protocol.TypeReady:
		s.handleReady(c, msg)
	case protocol.TypeAction:
		s.handleAction(c, msg.String("action_type"), msg.Map("action_data"))
	case protocol.TypeQuickCommand:
		s.handleQuickCommand(c, msg)
	case protocol.TypeChat:
		s.handleChat(c, msg)
	case protocol.TypePause:
		s.handlePause(c)
	}
}

func (s *Server) handleCreateGame(c *client, msg protocol.Message) {
	if _, ok := s.games.GameFor(c.playerID()); ok {
		c.send(protocol.NewError("already in a game", codeSession))
		return
	}
	name := msg.String("game_name")
	if name == "" {
		name = c.sess.PlayerName + "'s game"
	}
	maxPlayers, ok := msg.Int("max_players")
	if !ok || maxPlayers < 1 || maxPlayers > s.cfg.MaxPlayersPerGame {
		maxPlayers = s.cfg.MaxPlayersPerGame
	}

	g := s.games.CreateGame(name, maxPlayers)
	if _, err := s.games.Join(g.ID(), c.playerID(), c.sess.PlayerName, msg.String("player_class")); err != nil {
		c.send(protocol.NewError(err.Error(), codeSession))
		return
	}
	s.auth.BindGame(c.sess.SessionID, g.ID())
	c.sess.GameID = g.ID()

	c.send(protocol.NewSystem("game created: "+g.ID(), "info"))
	s.broadcast(g, protocol.NewPlayerJoined(c.playerID(), c.sess.PlayerName, msg.String("player_class")))
	s.broadcastState(g, false)
}

func (s *Server) handleJoinGame(c *client, msg protocol.Message) {
	gameID := msg.String("game_id")
	if gameID == "" {
		c.send(protocol.NewError("game_id required", codeProtocol))
		return
	}
	g, err := s.games.Join(gameID, c.playerID(), c.sess.PlayerName, msg.String("player_class"))
	if err != nil {
		c.send(protocol.NewError(err.Error(), codeSession))
		return
	}
	s.auth.BindGame(c.sess.SessionID, g.ID())
	c.sess.GameID = g.ID()

	s.broadcast(g, protocol.NewPlayerJoined(c.playerID(), c.sess.PlayerName, msg.String("player_class")))
	s.broadcastState(g, false)
}

func (s *Server) handleLeaveGame(c *client) {
	g, err := s.games.Leave(c.playerID())
	if err != nil {
		c.send(protocol.NewError(err.Error(), codeSession))
		return
	}
	s.auth.BindGame(c.sess.SessionID, "")
	c.sess.GameID = ""

	c.send(protocol.NewSystem("you left the game", "info"))
	s.broadcast(g, protocol.NewPlayerLeft(c.playerID(), c.sess.PlayerName))
	s.broadcastState(g, false)
}

func (s *Server) handleReady(c *client, msg protocol.Message) {
	g, ok := s.games.GameFor(c.playerID())
	if !ok {
		c.send(protocol.NewError("not in a game", codeSession))
		return
	}
	if err := g.SetReady(c.playerID(), msg.Bool("ready")); err != nil {
		c.send(protocol.NewError(err.Error(), codeSession))
		return
	}
	s.broadcast(g, protocol.NewSystem(c.sess.PlayerName+" is ready", "info"))

	if !g.IsStarted() && g.AllReady() && g.PlayerCount() >= s.cfg.MinPlayers {
		s.startGame(g)
	} else {
		s.broadcastState(g, false)
	}
}

func (s *Server) startGame(g *game.Session) {
	if err := g.Start(time.Now().UnixNano()); err != nil {
		s.logger.Error("game start failed", zap.String("game_id", g.ID()), zap.Error(err))
		return
	}
	roster := make([]any, 0, g.PlayerCount())
	for _, p := range g.Players() {
		roster = append(roster, map[string]any{
			"player_id":    p.PlayerID,
			"player_name":  p.PlayerName,
			"player_class": p.PlayerClass,
		})
	}
	s.broadcast(g, protocol.NewGameStart(g.ID(), roster))
	s.broadcastState(g, false)
}

func (s *Server) handleAction(c *client, actionType string, actionData map[string]any) {
	g, ok := s.games.GameFor(c.playerID())
	if !ok {
		c.send(protocol.NewError("not in a game", codeSession))
		return
	}
	out, err := g.ProcessAction(c.playerID(), actionType, actionData)
	if err != nil {
		c.send(protocol.NewError(err.Error(), codeSession))
		return
	}
	if !out.Success {
		c.send(protocol.NewError(out.Message, codeAction))
		return
	}
	s.broadcastState(g, true)
	s.finishIfOver(g)
}

// quickCommands maps shorthand commands to full actions.
var quickCommands = map[string]string{
	"wait":   "wait",
	"defend": "defend",
	"rest":   "wait",
}

func (s *Server) handleQuickCommand(c *client, msg protocol.Message) {
	cmd := msg.String("command")
	actionType, ok := quickCommands[cmd]
	if !ok {
		c.send(protocol.NewError("unknown quick command: "+cmd, codeProtocol))
		return
	}
	s.handleAction(c, actionType, nil)
}

func (s *Server) handleChat(c *client, msg protocol.Message) {
	g, ok := s.games.GameFor(c.playerID())
	if !ok {
		c.send(protocol.NewError("not in a game", codeSession))
		return
	}
	text := msg.String("message")
	if text == "" {
		return
	}
	if err := g.RecordChat(c.playerID(), text); err != nil {
		c.send(protocol.NewError(err.Error(), codeSession))
		return
	}
	s.broadcast(g, protocol.NewChatMessage(c.playerID(), c.sess.PlayerName, text))
	s.broadcastState(g, true)
}

func (s *Server) handlePause(c *client) {
	g, ok := s.games.GameFor(c.playerID())
	if !ok {
		c.send(protocol.NewError("not in a game", codeSession))
		return
	}
	s.broadcast(g, protocol.NewSystem(c.sess.PlayerName+" requested a pause", "info"))
}

// drop runs the disconnect half of the lifecycle. A player in a started game
// is marked disconnected and can resume with their token; a lobby player
// just leaves, and their session dies with the connection.
func (s *Server) drop(c *client) {
	s.unregister(c)
	c.close()

	// If a newer connection displaced this one (token resume while the old
	// socket was still open), the live connection owns the lifecycle now.
	if live, ok := s.clientFor(c.playerID()); ok && live != c {
		return
	}

	g, ok := s.games.GameFor(c.playerID())
	if !ok {
		s.auth.InvalidateSession(c.sess.SessionID)
		return
	}
	if g.IsStarted() && !g.IsFinished() {
		if err := g.Disconnect(c.playerID()); err == nil {
			s.broadcast(g, protocol.NewSystem(c.sess.PlayerName+" lost connection", "warning"))
			s.broadcastState(g, false)
		}
		// session kept alive so the token can resume
		return
	}
	if left, err := s.games.Leave(c.playerID()); err == nil {
		s.broadcast(left, protocol.NewPlayerLeft(c.playerID(), c.sess.PlayerName))
		s.broadcastState(left, false)
	}
	s.auth.InvalidateSession(c.sess.SessionID)
}
