package engine

import (
	"errors"
	"fmt"
	"math/rand"
)

var ErrUnknownEntity = errors.New("unknown entity")

// Basic is a minimal engine implementation: a flat grid, hit points, and
// four actions (move, attack, defend, wait). It exists so the server can run
// end to end; real gameplay lives behind the same interface elsewhere.
type Basic struct {
	rng       *rand.Rand
	turnCount int
	nextID    int
	entities  map[string]*entity
	order     []string
}

type entity struct {
	id        string
	name      string
	class     string
	hp        int
	maxHP     int
	x, y      int
	defending bool
	player    bool
}

// NewBasic is an engine.Factory.
func NewBasic(seed int64) Engine {
	return &Basic{
		rng:      rand.New(rand.NewSource(seed)),
		entities: make(map[string]*entity),
	}
}

func (b *Basic) AdmitPlayer(name, class string) (string, error) {
	if name == "" {
		return "", errors.New("player name required")
	}
	b.nextID++
	id := fmt.Sprintf("entity-%d", b.nextID)
	b.entities[id] = &entity{
		id:     id,
		name:   name,
		class:  class,
		hp:     20,
		maxHP:  20,
		x:      len(b.order),
		player: true,
	}
	b.order = append(b.order, id)
	return id, nil
}

func (b *Basic) Execute(entityID, actionType string, data map[string]any) Outcome {
	e, ok := b.entities[entityID]
	if !ok {
		return Outcome{Message: "no such actor"}
	}
	if e.hp <= 0 {
		return Outcome{Message: fmt.Sprintf("%s is down and cannot act", e.name)}
	}
	e.defending = false

	switch actionType {
	case "move":
		dx := intArg(data, "dx")
		dy := intArg(data, "dy")
		if dx == 0 && dy == 0 {
			return Outcome{Message: "no direction given"}
		}
		e.x += dx
		e.y += dy
		return Outcome{Success: true, Message: fmt.Sprintf("%s moves to (%d, %d)", e.name, e.x, e.y)}
	case "attack":
		targetID, _ := data["target"].(string)
		target, ok := b.entities[targetID]
		if !ok || target.hp <= 0 {
			return Outcome{Message: "no valid target"}
		}
		dmg := 2 + b.rng.Intn(4)
		if target.defending {
			dmg /= 2
		}
		target.hp -= dmg
		ev := fmt.Sprintf("%s hits %s for %d", e.name, target.name, dmg)
		if target.hp <= 0 {
			target.hp = 0
			ev += fmt.Sprintf("; %s falls", target.name)
		}
		return Outcome{Success: true, Message: ev, Events: []string{ev}}
	case "defend", "wait":
		e.defending = true
		return Outcome{Success: true, Message: fmt.Sprintf("%s holds position", e.name)}
	default:
		return Outcome{Message: fmt.Sprintf("unknown action %q", actionType)}
	}
}

func (b *Basic) ResolveNonPlayerTurn() []string {
	// No monsters in the reference engine; the world just takes its turn.
	return []string{"The dungeon settles for a moment."}
}

func (b *Basic) AdvanceTurnCounter() { b.turnCount++ }

func (b *Basic) PurgeDeadEntities() {
	kept := b.order[:0]
	for _, id := range b.order {
		e := b.entities[id]
		if !e.player && e.hp <= 0 {
			delete(b.entities, id)
			continue
		}
		kept = append(kept, id)
	}
	b.order = kept
}

func (b *Basic) EntityHealth(entityID string) (int, bool) {
	e, ok := b.entities[entityID]
	if !ok {
		return 0, false
	}
	return e.hp, true
}

func (b *Basic) Serialize() map[string]any {
	entities := map[string]any{}
	for _, id := range b.order {
		e := b.entities[id]
		entities[id] = map[string]any{
			"name":       e.name,
			"class":      e.class,
			"health":     e.hp,
			"max_health": e.maxHP,
			"position":   map[string]any{"x": e.x, "y": e.y},
			"is_active":  e.hp > 0,
			"stats":      map[string]any{"defending": e.defending},
			"inventory":  []any{},
		}
	}
	return map[string]any{
		"turn_count": b.turnCount,
		"entities":   entities,
	}
}

func intArg(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
