package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scottsen/veinborn-sub001/internal/config"
	"github.com/scottsen/veinborn-sub001/internal/engine"
	"github.com/scottsen/veinborn-sub001/internal/game"
	"github.com/scottsen/veinborn-sub001/internal/protocol"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.ActionTimeout = 2 * time.Second
	cfg.IdleTimeout = 10 * time.Second
	cfg.TickRate = time.Hour // sweeps don't interfere with tests
	return cfg
}

func startTestServer(t *testing.T, cfg config.Config) (*Server, string) {
	t.Helper()
	srv := New(cfg, zap.NewNop(), engine.NewBasic)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, m protocol.Message) {
	t.Helper()
	payload, err := m.Encode()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, payload))
}

func readMsg(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)
	m, err := protocol.Decode(raw)
	require.NoError(t, err)
	return m
}

// readUntil skips broadcasts until a message of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) protocol.Message {
	t.Helper()
	for i := 0; i < 25; i++ {
		m := readMsg(t, conn)
		if m.Type == wantType {
			return m
		}
	}
	t.Fatalf("no %q message arrived", wantType)
	return protocol.Message{}
}

func authenticate(t *testing.T, conn *websocket.Conn, name string) protocol.Message {
	t.Helper()
	sendMsg(t, conn, protocol.NewAuth(name))
	m := readMsg(t, conn)
	require.Equal(t, protocol.TypeAuthSuccess, m.Type)
	require.NotEmpty(t, m.String("player_id"))
	require.NotEmpty(t, m.String("session_id"))
	require.NotEmpty(t, m.String("token"))
	return m
}

func TestEndToEnd_TwoPlayersOneRound(t *testing.T) {
	_, url := startTestServer(t, testConfig())

	c1 := dialWS(t, url)
	authenticate(t, c1, "alice")

	sendMsg(t, c1, protocol.NewCreateGame("Test", 2, "warrior"))
	state := readUntil(t, c1, protocol.TypeState)
	doc := state.Map("state")
	gameID, _ := doc["game_id"].(string)
	require.NotEmpty(t, gameID)

	c2 := dialWS(t, url)
	authenticate(t, c2, "bob")
	sendMsg(t, c2, protocol.NewJoinGame(gameID, "mage"))
	joined := readUntil(t, c1, protocol.TypePlayerJoined)
	require.Equal(t, "bob", joined.String("player_name"))

	sendMsg(t, c1, protocol.NewReady(true))
	sendMsg(t, c2, protocol.NewReady(true))

	start := readUntil(t, c1, protocol.TypeGameStart)
	require.Equal(t, gameID, start.String("game_id"))
	players, _ := start.Data["players"].([]any)
	require.Len(t, players, 2)
	readUntil(t, c2, protocol.TypeGameStart)

	// player 1 alone fills the round: 4 actions, round closes once
	for i := 0; i < 4; i++ {
		sendMsg(t, c1, protocol.NewAction("wait", nil))
		readUntil(t, c1, protocol.TypeDelta)
	}

	sendMsg(t, c1, protocol.NewChat("done"))
	last := readUntil(t, c1, protocol.TypeDelta)
	round, ok := last.Int("round_number")
	require.True(t, ok)
	require.Equal(t, 1, round)
	actions, _ := last.Int("actions_this_round")
	require.Equal(t, 0, actions)
}

func TestAuth_FirstMessageMustBeAuth(t *testing.T) {
	_, url := startTestServer(t, testConfig())
	conn := dialWS(t, url)

	sendMsg(t, conn, protocol.NewChat("hello?"))
	m := readMsg(t, conn)
	require.Equal(t, protocol.TypeAuthFailure, m.Type)
	require.NotEmpty(t, m.String("reason"))

	// the server closes after an auth failure
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
}

func TestAuth_MissingPlayerName(t *testing.T) {
	_, url := startTestServer(t, testConfig())
	conn := dialWS(t, url)

	sendMsg(t, conn, protocol.Message{Type: protocol.TypeAuth, Data: map[string]any{}})
	m := readMsg(t, conn)
	require.Equal(t, protocol.TypeAuthFailure, m.Type)
}

func TestAuth_InvalidTokenRejected(t *testing.T) {
	_, url := startTestServer(t, testConfig())
	conn := dialWS(t, url)

	sendMsg(t, conn, protocol.NewAuthResume("alice", "bogus-token"))
	m := readMsg(t, conn)
	require.Equal(t, protocol.TypeAuthFailure, m.Type)
}

func TestUnknownType_KeepsConnectionOpen(t *testing.T) {
	_, url := startTestServer(t, testConfig())
	conn := dialWS(t, url)
	authenticate(t, conn, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"teleport","data":{}}`)))

	m := readMsg(t, conn)
	require.Equal(t, protocol.TypeError, m.Type)
	require.Contains(t, m.String("message"), "teleport")

	// connection still serves normal traffic
	sendMsg(t, conn, protocol.NewCreateGame("After", 2, "rogue"))
	readUntil(t, conn, protocol.TypeState)
}

func TestActionBeforeGame_Rejected(t *testing.T) {
	_, url := startTestServer(t, testConfig())
	conn := dialWS(t, url)
	authenticate(t, conn, "alice")

	sendMsg(t, conn, protocol.NewAction("wait", nil))
	m := readMsg(t, conn)
	require.Equal(t, protocol.TypeError, m.Type)
	require.Equal(t, codeSession, m.String("code"))
}

func TestEngineRejection_SurfacesActionError(t *testing.T) {
	_, url := startTestServer(t, testConfig())
	conn := dialWS(t, url)
	authenticate(t, conn, "alice")

	sendMsg(t, conn, protocol.NewCreateGame("Solo", 1, "warrior"))
	readUntil(t, conn, protocol.TypeState)
	sendMsg(t, conn, protocol.NewReady(true))
	readUntil(t, conn, protocol.TypeGameStart)

	sendMsg(t, conn, protocol.NewAction("move", map[string]any{"dx": 0, "dy": 0}))
	m := readUntil(t, conn, protocol.TypeError)
	require.Equal(t, codeAction, m.String("code"))
}

func TestReconnect_TokenResumesGame(t *testing.T) {
	srv, url := startTestServer(t, testConfig())

	conn := dialWS(t, url)
	authed := authenticate(t, conn, "alice")
	playerID := authed.String("player_id")
	token := authed.String("token")

	sendMsg(t, conn, protocol.NewCreateGame("Solo", 1, "warrior"))
	readUntil(t, conn, protocol.TypeState)
	sendMsg(t, conn, protocol.NewReady(true))
	readUntil(t, conn, protocol.TypeGameStart)

	require.NoError(t, conn.Close(websocket.StatusGoingAway, "dropping"))

	// wait for the server to record the disconnect
	require.Eventually(t, func() bool {
		g, ok := srv.games.GameFor(playerID)
		if !ok {
			return false
		}
		p, ok := g.Player(playerID)
		return ok && p.Status == game.StatusDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	conn2 := dialWS(t, url)
	sendMsg(t, conn2, protocol.NewAuthResume("alice", token))
	m := readMsg(t, conn2)
	require.Equal(t, protocol.TypeAuthSuccess, m.Type)
	require.Equal(t, playerID, m.String("player_id")) // same identity, not a fresh one

	// rejoining client gets a full state, never a delta against a baseline
	// it never saw
	full := readUntil(t, conn2, protocol.TypeState)
	doc := full.Map("state")
	require.Equal(t, true, doc["is_started"])

	g, ok := srv.games.GameFor(playerID)
	require.True(t, ok)
	p, _ := g.Player(playerID)
	require.Equal(t, game.StatusConnected, p.Status)
}

func TestReconnect_StaleConnectionDropDoesNotEvictLivePlayer(t *testing.T) {
	srv, url := startTestServer(t, testConfig())

	conn := dialWS(t, url)
	authed := authenticate(t, conn, "alice")
	playerID := authed.String("player_id")
	token := authed.String("token")

	sendMsg(t, conn, protocol.NewCreateGame("Solo", 1, "warrior"))
	readUntil(t, conn, protocol.TypeState)
	sendMsg(t, conn, protocol.NewReady(true))
	readUntil(t, conn, protocol.TypeGameStart)

	// resume from a second socket while the first is still open; the first
	// becomes a zombie and gets displaced
	conn2 := dialWS(t, url)
	sendMsg(t, conn2, protocol.NewAuthResume("alice", token))
	m := readMsg(t, conn2)
	require.Equal(t, protocol.TypeAuthSuccess, m.Type)
	require.Equal(t, playerID, m.String("player_id"))

	// closing the zombie must not run the disconnect lifecycle against the
	// live connection
	require.NoError(t, conn.Close(websocket.StatusGoingAway, "stale"))

	g, ok := srv.games.GameFor(playerID)
	require.True(t, ok)
	require.Never(t, func() bool {
		p, ok := g.Player(playerID)
		return !ok || p.Status != game.StatusConnected
	}, 500*time.Millisecond, 25*time.Millisecond)

	// live connection still plays normally
	sendMsg(t, conn2, protocol.NewAction("wait", nil))
	readUntil(t, conn2, protocol.TypeDelta)
}

func TestAuth_SilentConnectionTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionTimeout = 200 * time.Millisecond
	_, url := startTestServer(t, cfg)

	conn := dialWS(t, url)
	m := readMsg(t, conn)
	require.Equal(t, protocol.TypeAuthFailure, m.Type)
	require.Equal(t, "authentication timed out", m.String("reason"))
}

func TestLobbyDisconnect_LeavesGame(t *testing.T) {
	srv, url := startTestServer(t, testConfig())

	conn := dialWS(t, url)
	authed := authenticate(t, conn, "alice")
	playerID := authed.String("player_id")

	sendMsg(t, conn, protocol.NewCreateGame("Lobby", 2, "warrior"))
	readUntil(t, conn, protocol.TypeState)

	require.NoError(t, conn.Close(websocket.StatusGoingAway, "bye"))

	// never-started lobby is deleted once its last player drops
	require.Eventually(t, func() bool {
		_, ok := srv.games.GameFor(playerID)
		return !ok && len(srv.games.List()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMaxConnections_Enforced(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	_, url := startTestServer(t, cfg)

	c1 := dialWS(t, url)
	authenticate(t, c1, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
}
