package config

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// EnvPrefix is the prefix for all server environment variables.
// DeprecatedPrefix is still honored for deployments that predate the rename;
// reads through it log a warning.
const (
	EnvPrefix        = "VEINBORN_"
	DeprecatedPrefix = "VB_"
)

// Config is the full configuration surface of the server. It is built once
// at startup and passed by value into the components that need it.
type Config struct {
	Host              string
	Port              int
	MaxConnections    int
	MaxPlayersPerGame int
	MinPlayers        int
	AuthTokenExpiry   time.Duration
	TickRate          time.Duration // background maintenance interval
	MaxMessageSize    int64
	ConnectionTimeout time.Duration // window for the initial auth message
	ActionTimeout     time.Duration
	IdleTimeout       time.Duration
	ActionsPerRound   int
	LogLevel          string
}

// Default returns the configuration used when no environment overrides exist.
func Default() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              8765,
		MaxConnections:    100,
		MaxPlayersPerGame: 4,
		MinPlayers:        1,
		AuthTokenExpiry:   time.Hour,
		TickRate:          60 * time.Second,
		MaxMessageSize:    64 * 1024,
		ConnectionTimeout: 30 * time.Second,
		ActionTimeout:     30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		ActionsPerRound:   4,
		LogLevel:          "info",
	}
}

// Load builds a Config from the environment on top of Default. Every field
// is overridable via VEINBORN_<NAME>; the old VB_<NAME> names still work but
// log a deprecation warning. Unparseable values keep the default so the
// server always boots.
func Load(logger *zap.Logger) Config {
	cfg := Default()

	env := lookup(logger)

	cfg.Host = env.str("HOST", cfg.Host)
	cfg.Port = env.num("PORT", cfg.Port)
	cfg.MaxConnections = env.num("MAX_CONNECTIONS", cfg.MaxConnections)
	cfg.MaxPlayersPerGame = env.num("MAX_PLAYERS_PER_GAME", cfg.MaxPlayersPerGame)
	cfg.MinPlayers = env.num("MIN_PLAYERS", cfg.MinPlayers)
	cfg.AuthTokenExpiry = env.seconds("AUTH_TOKEN_EXPIRY", cfg.AuthTokenExpiry)
	cfg.TickRate = env.seconds("TICK_RATE", cfg.TickRate)
	cfg.MaxMessageSize = int64(env.num("MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize)))
	cfg.ConnectionTimeout = env.seconds("CONNECTION_TIMEOUT", cfg.ConnectionTimeout)
	cfg.ActionTimeout = env.seconds("ACTION_TIMEOUT", cfg.ActionTimeout)
	cfg.IdleTimeout = env.seconds("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ActionsPerRound = env.num("ACTIONS_PER_ROUND", cfg.ActionsPerRound)
	cfg.LogLevel = env.str("LOG_LEVEL", cfg.LogLevel)

	return cfg
}

type envReader struct {
	logger *zap.Logger
}

func lookup(logger *zap.Logger) envReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return envReader{logger: logger}
}

// get resolves a variable through the current prefix, then the deprecated one.
func (e envReader) get(name string) (string, bool) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		return v, true
	}
	if v, ok := os.LookupEnv(DeprecatedPrefix + name); ok {
		e.logger.Warn("deprecated environment variable in use",
			zap.String("deprecated", DeprecatedPrefix+name),
			zap.String("replacement", EnvPrefix+name))
		return v, true
	}
	return "", false
}

func (e envReader) str(name, def string) string {
	if v, ok := e.get(name); ok && v != "" {
		return v
	}
	return def
}

func (e envReader) num(name string, def int) int {
	v, ok := e.get(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.logger.Warn("invalid numeric environment variable, keeping default",
			zap.String("name", name), zap.String("value", v), zap.Int("default", def))
		return def
	}
	return n
}

func (e envReader) seconds(name string, def time.Duration) time.Duration {
	v, ok := e.get(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		e.logger.Warn("invalid duration environment variable, keeping default",
			zap.String("name", name), zap.String("value", v), zap.Duration("default", def))
		return def
	}
	return time.Duration(n) * time.Second
}
