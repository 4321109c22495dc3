package presence

import "fmt"

// ActionKind tags a transition observed between two snapshots.
type ActionKind int

const (
	ActionUnchanged ActionKind = iota
	ActionCreated
	ActionLoggedIn
	ActionLoggedOut
)

func (k ActionKind) String() string {
	switch k {
	case ActionUnchanged:
		return "unchanged"
	case ActionCreated:
		return "created"
	case ActionLoggedIn:
		return "loggedin"
	case ActionLoggedOut:
		return "loggedout"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is a transition together with the entity data it carries.
type Action struct {
	Kind   ActionKind
	Entity Entity
}

// Diff compares the retained roster with a fresh snapshot and returns the
// transitions between them. Actions for entities known in previous come
// first, in previous order, followed by actions for newly appeared entities
// in current order. Unchanged entities produce no action.
//
// Diff is stateless; the caller retains current as the next previous.
// Duplicate ids within one snapshot resolve to their first occurrence.
func Diff(previous, current []Entity) []Action {
	byID := make(map[string]Entity, len(current))
	for _, e := range current {
		if _, ok := byID[e.ID]; !ok {
			byID[e.ID] = e
		}
	}

	var actions []Action
	known := make(map[string]struct{}, len(previous))
	for _, old := range previous {
		if _, dup := known[old.ID]; dup {
			continue
		}
		known[old.ID] = struct{}{}

		updated, ok := byID[old.ID]
		if !ok {
			// Vanished from the roster: treat as logout with the last data we have.
			actions = append(actions, Action{Kind: ActionLoggedOut, Entity: old})
			continue
		}
		if kind := compare(old, updated); kind != ActionUnchanged {
			actions = append(actions, Action{Kind: kind, Entity: updated})
		}
	}

	for _, e := range current {
		if _, ok := known[e.ID]; ok {
			continue
		}
		known[e.ID] = struct{}{}
		if !e.Online {
			continue
		}
		actions = append(actions,
			Action{Kind: ActionCreated, Entity: e},
			Action{Kind: ActionLoggedIn, Entity: e},
		)
	}
	return actions
}

func compare(old, updated Entity) ActionKind {
	switch {
	case !old.Online && updated.Online:
		return ActionLoggedIn
	case old.Online && !updated.Online:
		return ActionLoggedOut
	default:
		return ActionUnchanged
	}
}
