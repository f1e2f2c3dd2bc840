// Package engine defines the contract the session layer consumes from the
// game engine. The server never interprets gameplay rules; it sequences
// validated actions through this interface and relays the serialized state.
package engine

// Outcome reports the result of executing one action.
type Outcome struct {
	Success bool
	Message string
	Events  []string
}

// Engine is the game-rules collaborator owned by exactly one game session.
// Implementations are not required to be safe for concurrent use; the
// session serializes access under its own lock.
type Engine interface {
	// AdmitPlayer registers a named, classed actor and returns its entity id.
	AdmitPlayer(name, class string) (string, error)

	// Execute runs one action for the given actor. Failures are reported in
	// the Outcome, not as errors; errors are reserved for unknown actors.
	Execute(entityID, actionType string, data map[string]any) Outcome

	// ResolveNonPlayerTurn advances the world after a round of player
	// actions and returns the event messages it produced.
	ResolveNonPlayerTurn() []string

	// AdvanceTurnCounter bumps the engine's turn counter.
	AdvanceTurnCounter()

	// PurgeDeadEntities removes non-player entities at zero health.
	PurgeDeadEntities()

	// EntityHealth reports the current health of an entity.
	EntityHealth(entityID string) (int, bool)

	// Serialize renders the engine state as a plain nested-value document.
	// Repeated calls on unchanged state must yield equal documents, or
	// delta compression degrades to always-full-state.
	Serialize() map[string]any
}

// Factory constructs a fresh engine, seeding deterministic generation when
// the session was started with a seed.
type Factory func(seed int64) Engine
