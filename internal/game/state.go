package game

import (
	"github.com/scottsen/veinborn-sub001/internal/delta"
)

// engine snapshot fields merged into each player's document entry.
var engineEntityFields = []string{"position", "health", "is_active", "stats", "inventory"}

// StateSnapshot builds the outward-facing state document and runs it through
// delta tracking. With useDelta false, or when no baseline exists, the
// result is a full-type delta. Either way the document becomes the new
// baseline.
func (s *Session) StateSnapshot(useDelta bool) delta.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.documentLocked()
	var d delta.Delta
	if useDelta && s.baseline != nil {
		d = delta.Compute(s.baseline, doc)
	} else {
		d = delta.Compute(nil, doc)
	}
	s.baseline = delta.Copy(doc)
	return d
}

// ResetStateTracking clears the broadcast baseline so the next snapshot is a
// full document. Required after a reconnect: the rejoining client holds no
// baseline to diff against.
func (s *Session) ResetStateTracking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseline = nil
}

// documentLocked renders session metadata plus the engine snapshot as one
// plain nested-value document. It must be stable under unchanged state:
// no timestamps, no map-order dependence in values.
func (s *Session) documentLocked() map[string]any {
	var entities map[string]any
	turnCount := 0
	if s.eng != nil {
		engDoc := s.eng.Serialize()
		entities, _ = engDoc["entities"].(map[string]any)
		switch v := engDoc["turn_count"].(type) {
		case int:
			turnCount = v
		case float64:
			turnCount = int(v)
		}
	}

	players := make([]any, 0, len(s.order))
	for _, id := range s.order {
		p := s.players[id]
		entry := map[string]any{
			"player_id":         p.PlayerID,
			"player_name":       p.PlayerName,
			"player_class":      p.PlayerClass,
			"entity_id":         p.EntityID,
			"is_ready":          p.Ready,
			"is_alive":          p.Alive,
			"connection_status": string(p.Status),
		}
		if e, ok := entities[p.EntityID].(map[string]any); ok {
			for _, f := range engineEntityFields {
				entry[f] = e[f]
			}
		}
		players = append(players, entry)
	}

	msgs := make([]any, len(s.messages))
	copy(msgs, s.messages)

	return map[string]any{
		"game_id":            s.id,
		"game_name":          s.name,
		"max_players":        s.maxPlayers,
		"is_started":         s.started,
		"is_finished":        s.finished,
		"round_number":       s.roundNumber,
		"actions_this_round": s.actionsThisRound,
		"turn_count":         turnCount,
		"players":            players,
		"recent_messages":    msgs,
		"game_over":          s.gameOver,
		"victory":            s.victory,
	}
}
