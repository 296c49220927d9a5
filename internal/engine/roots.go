package engine

import (
	"questforge/internal/protocol"
	"questforge/internal/state"
)

// Session state is one tree with four fixed sub-roots. NPC sub-roots live
// under "npcs", keyed by the id from the "npc:<id>" target reference.
const (
	rootWorld  = "world"
	rootPlayer = "player"
	rootScene  = "scene"
	rootNPCs   = "npcs"
)

// NewSessionState returns the empty state tree a fresh session starts with.
func NewSessionState() map[string]any {
	return map[string]any{
		rootWorld:  map[string]any{},
		rootPlayer: map[string]any{},
		rootScene:  map[string]any{},
		rootNPCs:   map[string]any{},
	}
}

// targetPrefix translates a delta target reference into the path steps that
// address its sub-root within the session tree.
func targetPrefix(target string) (state.Path, error) {
	root, npcID, err := protocol.ParseTarget(target)
	if err != nil {
		return nil, err
	}
	if root == "npc" {
		return state.Path{{Key: rootNPCs}, {Key: npcID}}, nil
	}
	return state.Path{{Key: root}}, nil
}

// deltaPath parses the delta's path and prefixes it with the target steps,
// yielding the full address within the session tree.
func deltaPath(d protocol.Delta) (state.Path, error) {
	p, err := state.ParsePath(d.Path)
	if err != nil {
		return nil, err
	}
	prefix, err := targetPrefix(d.Target)
	if err != nil {
		return nil, err
	}
	full := make(state.Path, 0, len(prefix)+len(p))
	full = append(full, prefix...)
	full = append(full, p...)
	return full, nil
}

// npcRootMissing reports whether the delta targets an NPC whose sub-root
// does not exist yet.
func npcRootMissing(tree any, d protocol.Delta) bool {
	root, npcID, err := protocol.ParseTarget(d.Target)
	if err != nil || root != "npc" {
		return false
	}
	m, ok := tree.(map[string]any)
	if !ok {
		return true
	}
	npcs, ok := m[rootNPCs].(map[string]any)
	if !ok {
		return true
	}
	_, ok = npcs[npcID]
	return !ok
}

// ensureNPCRoot returns a tree in which the targeted NPC sub-root exists as
// an empty object, copying only the spine. Creating the sub-root is target
// resolution, not path auto-creation: intermediate path keys are still never
// created.
func ensureNPCRoot(tree any, d protocol.Delta) any {
	if !npcRootMissing(tree, d) {
		return tree
	}
	_, npcID, _ := protocol.ParseTarget(d.Target)
	root := make(map[string]any)
	if m, ok := tree.(map[string]any); ok {
		for k, v := range m {
			root[k] = v
		}
	}
	npcs := make(map[string]any)
	if old, ok := root[rootNPCs].(map[string]any); ok {
		for k, v := range old {
			npcs[k] = v
		}
	}
	npcs[npcID] = map[string]any{}
	root[rootNPCs] = npcs
	return root
}
