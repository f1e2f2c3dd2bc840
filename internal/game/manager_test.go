package game

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scottsen/veinborn-sub001/internal/engine"
)

func newTestManager() *Manager {
	return NewManager(engine.NewBasic, 4, zap.NewNop())
}

func TestJoin_OnePlayerOneGame(t *testing.T) {
	m := newTestManager()
	g1 := m.CreateGame("first", 4)
	g2 := m.CreateGame("second", 4)

	_, err := m.Join(g1.ID(), "p1", "Ada", "warrior")
	require.NoError(t, err)

	_, err = m.Join(g2.ID(), "p1", "Ada", "warrior")
	require.ErrorIs(t, err, ErrAlreadyInGame)

	// the failed join left no trace
	require.Equal(t, 0, g2.PlayerCount())
}

func TestJoin_UnknownGame(t *testing.T) {
	m := newTestManager()
	_, err := m.Join("nope", "p1", "Ada", "warrior")
	require.ErrorIs(t, err, ErrGameNotFound)
}

func TestJoin_SessionRejectionKeepsIndexClean(t *testing.T) {
	m := newTestManager()
	g := m.CreateGame("tiny", 1)

	_, err := m.Join(g.ID(), "p1", "Ada", "warrior")
	require.NoError(t, err)
	_, err = m.Join(g.ID(), "p2", "Brin", "mage")
	require.ErrorIs(t, err, ErrGameFull)

	// p2 is free to join elsewhere
	g2 := m.CreateGame("other", 4)
	_, err = m.Join(g2.ID(), "p2", "Brin", "mage")
	require.NoError(t, err)
}

func TestLeave_DeletesEmptyLobby(t *testing.T) {
	m := newTestManager()
	g := m.CreateGame("lobby", 4)
	_, err := m.Join(g.ID(), "p1", "Ada", "warrior")
	require.NoError(t, err)

	_, err = m.Leave("p1")
	require.NoError(t, err)

	_, ok := m.Get(g.ID())
	require.False(t, ok)
	_, ok = m.GameFor("p1")
	require.False(t, ok)
}

func TestLeave_StartedGameStaysRegistered(t *testing.T) {
	m := newTestManager()
	g := m.CreateGame("run", 4)
	_, err := m.Join(g.ID(), "p1", "Ada", "warrior")
	require.NoError(t, err)
	require.NoError(t, g.Start(1))

	_, err = m.Leave("p1")
	require.NoError(t, err)

	// left for the background sweep, not deleted synchronously
	_, ok := m.Get(g.ID())
	require.True(t, ok)
}

func TestLeave_NotInGame(t *testing.T) {
	m := newTestManager()
	_, err := m.Leave("p1")
	require.ErrorIs(t, err, ErrNotInGame)
}

func TestCleanupAbandoned(t *testing.T) {
	m := newTestManager()

	active := m.CreateGame("active", 4)
	_, err := m.Join(active.ID(), "p1", "Ada", "warrior")
	require.NoError(t, err)

	dead := m.CreateGame("dead", 4)
	_, err = m.Join(dead.ID(), "p2", "Brin", "mage")
	require.NoError(t, err)
	require.NoError(t, dead.Start(1))
	_, err = m.Leave("p2")
	require.NoError(t, err)

	removed := m.CleanupAbandoned()
	require.Equal(t, 1, removed)

	_, ok := m.Get(active.ID())
	require.True(t, ok)
	_, ok = m.Get(dead.ID())
	require.False(t, ok)
}

func TestCleanupAbandoned_SparesDisconnectedInWindow(t *testing.T) {
	m := newTestManager()
	g := m.CreateGame("hold", 4)
	_, err := m.Join(g.ID(), "p1", "Ada", "warrior")
	require.NoError(t, err)
	require.NoError(t, g.Start(1))
	require.NoError(t, g.Disconnect("p1"))

	require.Equal(t, 0, m.CleanupAbandoned())
	_, ok := m.Get(g.ID())
	require.True(t, ok)
}

func TestList(t *testing.T) {
	m := newTestManager()
	g := m.CreateGame("visible", 4)
	_, err := m.Join(g.ID(), "p1", "Ada", "warrior")
	require.NoError(t, err)

	infos := m.List()
	require.Len(t, infos, 1)
	require.Equal(t, g.ID(), infos[0].GameID)
	require.Equal(t, "visible", infos[0].GameName)
	require.Equal(t, 1, infos[0].Players)
	require.False(t, infos[0].Started)
}
