package game

import "time"

// DefaultReconnectTimeout is how long a disconnected player's slot is held
// before the cleanup sweep removes them from the game.
const DefaultReconnectTimeout = 120 * time.Second

// ConnectionStatus is a player's connection state within one game.
// connected -> disconnected -> {connected, left}; left is terminal.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusLeft         ConnectionStatus = "left"
)

// PlayerInfo is a game's record of one member. EntityID links the player to
// the engine's actor and is assigned exactly once, at game start.
type PlayerInfo struct {
	PlayerID         string
	PlayerName       string
	PlayerClass      string
	EntityID         string
	Ready            bool
	Alive            bool
	Status           ConnectionStatus
	DisconnectedAt   time.Time
	ReconnectTimeout time.Duration
}
