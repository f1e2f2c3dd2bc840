// Package delta computes and applies minimal diffs between two state
// documents so the server can broadcast changes instead of full snapshots.
// Compute and Apply are pure: neither mutates its inputs, and
// Apply(old, Compute(old, new)) reproduces new for every document pair the
// session can actually produce.
package delta

import (
	"reflect"
	"sort"
)

// MessageWindow is the trailing number of recent messages a document keeps.
// Producer and consumer must truncate with the same window or the
// suffix diff drifts.
const MessageWindow = 50

// Player fields that participate in field-level diffing. Anything else on a
// player entry is considered immutable after the entry is first sent.
var trackedPlayerFields = []string{"position", "health", "is_alive", "is_active", "stats", "inventory"}

// Change kinds recorded per player id inside a delta's "players" change set.
const (
	PlayerAdded   = "player_added"
	PlayerUpdated = "player_updated"
	PlayerRemoved = "player_removed"
)

// Delta kinds.
const (
	TypeFull  = "full"
	TypeDelta = "delta"
)

// Delta is either a full state document or a set of changes against the
// receiver's previous document.
type Delta struct {
	Type             string         `json:"type"`
	State            map[string]any `json:"state,omitempty"`
	Changes          map[string]any `json:"changes,omitempty"`
	NoChanges        bool           `json:"no_changes,omitempty"`
	TurnCount        int            `json:"turn_count"`
	RoundNumber      int            `json:"round_number"`
	ActionsThisRound int            `json:"actions_this_round"`
}

// Compute diffs two state documents. A nil old document always yields a
// full-type delta: the first broadcast after a join or reconnect must never
// assume the client holds a baseline.
func Compute(old, current map[string]any) Delta {
	d := Delta{
		TurnCount:        intField(current, "turn_count"),
		RoundNumber:      intField(current, "round_number"),
		ActionsThisRound: intField(current, "actions_this_round"),
	}
	if old == nil {
		d.Type = TypeFull
		d.State = Copy(current)
		return d
	}

	changes := map[string]any{}

	if pc := diffPlayers(old, current); len(pc) > 0 {
		changes["players"] = pc
	}

	oldMsgs := listField(old, "recent_messages")
	newMsgs := listField(current, "recent_messages")
	if len(newMsgs) > len(oldMsgs) {
		changes["new_messages"] = copyList(newMsgs[len(oldMsgs):])
	}

	for _, flag := range []string{"game_over", "victory"} {
		if !reflect.DeepEqual(old[flag], current[flag]) {
			changes[flag] = current[flag]
		}
	}

	d.Type = TypeDelta
	d.Changes = changes
	if len(changes) == 0 {
		d.NoChanges = true
	}
	return d
}

// Apply reconstructs the successor document from the receiver's current one
// and a delta. Full-type deltas replace the document wholesale.
func Apply(current map[string]any, d Delta) map[string]any {
	if d.Type == TypeFull {
		return Copy(d.State)
	}

	doc := Copy(current)
	doc["turn_count"] = d.TurnCount
	doc["round_number"] = d.RoundNumber
	doc["actions_this_round"] = d.ActionsThisRound
	if d.NoChanges {
		return doc
	}

	if pc, ok := d.Changes["players"].(map[string]any); ok {
		doc["players"] = applyPlayers(listField(doc, "players"), pc)
	}

	if suffix, ok := d.Changes["new_messages"].([]any); ok {
		msgs := append(listField(doc, "recent_messages"), copyList(suffix)...)
		if len(msgs) > MessageWindow {
			msgs = msgs[len(msgs)-MessageWindow:]
		}
		doc["recent_messages"] = msgs
	}

	for _, flag := range []string{"game_over", "victory"} {
		if v, ok := d.Changes[flag]; ok {
			doc[flag] = v
		}
	}
	return doc
}

func diffPlayers(old, current map[string]any) map[string]any {
	oldPlayers := playersByID(old)
	newPlayers := playersByID(current)

	out := map[string]any{}
	for id, np := range newPlayers {
		op, existed := oldPlayers[id]
		if !existed {
			out[id] = map[string]any{"change": PlayerAdded, "player": copyMap(np)}
			continue
		}
		fields := map[string]any{}
		for _, f := range trackedPlayerFields {
			if !reflect.DeepEqual(op[f], np[f]) {
				fields[f] = copyValue(np[f])
			}
		}
		if len(fields) > 0 {
			out[id] = map[string]any{"change": PlayerUpdated, "fields": fields}
		}
	}
	for id := range oldPlayers {
		if _, still := newPlayers[id]; !still {
			out[id] = map[string]any{"change": PlayerRemoved}
		}
	}
	return out
}

// applyPlayers patches the player list in place-order: existing entries keep
// their position, removed ids vanish, added ids append (sorted for
// determinism; within one broadcast interval at most one player joins).
func applyPlayers(players []any, changes map[string]any) []any {
	out := make([]any, 0, len(players))
	seen := map[string]bool{}
	for _, entry := range players {
		p, ok := entry.(map[string]any)
		if !ok {
			out = append(out, copyValue(entry))
			continue
		}
		id, _ := p["player_id"].(string)
		seen[id] = true
		ch, ok := changes[id].(map[string]any)
		if !ok {
			out = append(out, copyMap(p))
			continue
		}
		switch ch["change"] {
		case PlayerRemoved:
			// dropped
		case PlayerUpdated:
			patched := copyMap(p)
			if fields, ok := ch["fields"].(map[string]any); ok {
				for k, v := range fields {
					patched[k] = copyValue(v)
				}
			}
			out = append(out, patched)
		default:
			out = append(out, copyMap(p))
		}
	}

	added := make([]string, 0)
	for id, raw := range changes {
		if seen[id] {
			continue
		}
		if ch, ok := raw.(map[string]any); ok && ch["change"] == PlayerAdded {
			added = append(added, id)
		}
	}
	sort.Strings(added)
	for _, id := range added {
		ch := changes[id].(map[string]any)
		if p, ok := ch["player"].(map[string]any); ok {
			out = append(out, copyMap(p))
		}
	}
	return out
}

func playersByID(doc map[string]any) map[string]map[string]any {
	out := map[string]map[string]any{}
	for _, entry := range listField(doc, "players") {
		p, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := p["player_id"].(string); ok && id != "" {
			out[id] = p
		}
	}
	return out
}

func listField(doc map[string]any, key string) []any {
	v, _ := doc[key].([]any)
	return v
}

func intField(doc map[string]any, key string) int {
	switch v := doc[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Copy deep-copies a state document. Sessions use it to own their broadcast
// baseline outright.
func Copy(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	return copyMap(doc)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

// copyList preserves nil so a copy stays deep-equal to its source.
func copyList(l []any) []any {
	if l == nil {
		return nil
	}
	out := make([]any, len(l))
	for i, v := range l {
		out[i] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		return copyList(t)
	default:
		return v
	}
}
