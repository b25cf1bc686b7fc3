package extension

import (
	"github.com/waypointhq/waypoint/core"
)

// HasKeyValue branches on whether a key exists, in a named map store or in
// the knowledge base itself:
//
//	["custom", {"name": "has_keyvalue",
//	            "args": {"store": "QUERY_OUTPUT", "key": "team",
//	                     "true_action": ["play_behaviour", "2"],
//	                     "false_action": ["play_behaviour", "next"]}}]
type HasKeyValue struct {
	*Base
}

// NewHasKeyValue builds the extension.
func NewHasKeyValue(ec *core.ExtensionContext) (core.Extension, error) {
	return &HasKeyValue{Base: NewBase(ec)}, nil
}

// Run resolves the lookup and completes with the matching branch action.
func (h *HasKeyValue) Run() error {
	args := h.Args()
	key, keyOK := args["key"].(string)
	trueAction, hasTrue := args["true_action"]
	falseAction, hasFalse := args["false_action"]
	if !keyOK || !hasTrue || !hasFalse {
		h.Logger().Error("has_keyvalue: args must contain key, true_action and false_action")
		h.Failed(nil)
		return nil
	}

	found := false
	if storeKey, hasStore := args["store"].(string); hasStore {
		if store, ok := h.Knowledge().Get(storeKey); ok {
			if resolved, ok := h.Knowledge().Get(key); ok {
				key = core.Stringify(resolved)
			}
			if m, isMap := store.(map[string]any); isMap {
				_, found = m[key]
			}
		}
	} else if v, ok := h.Knowledge().Get(key); ok {
		found = v != nil
	}

	if found {
		h.Succeeded(trueAction)
	} else {
		h.Succeeded(falseAction)
	}
	return nil
}

// GetKeyValue extracts a value from a named map store (or the knowledge base
// itself) into a target key, defaulting to _VALUE_OUTPUT:
//
//	["custom", {"name": "get_keyvalue",
//	            "args": {"store": "QUERY_OUTPUT", "key": "team", "value": "KNOWN_TEAM"}}]
type GetKeyValue struct {
	*Base
}

// NewGetKeyValue builds the extension.
func NewGetKeyValue(ec *core.ExtensionContext) (core.Extension, error) {
	return &GetKeyValue{Base: NewBase(ec)}, nil
}

// Run extracts and stores the value; a miss fails the action.
func (g *GetKeyValue) Run() error {
	args := g.Args()
	key, keyOK := args["key"].(string)
	if !keyOK {
		g.Logger().Error("get_keyvalue: args must contain key")
		g.Failed(nil)
		return nil
	}

	var found any
	if storeKey, hasStore := args["store"].(string); hasStore {
		if store, ok := g.Knowledge().Get(storeKey); ok {
			if resolved, ok := g.Knowledge().Get(key); ok {
				key = core.Stringify(resolved)
			}
			if m, isMap := store.(map[string]any); isMap {
				found = m[key]
			}
		}
	} else if v, ok := g.Knowledge().Get(key); ok {
		found = v
	}

	if found == nil {
		g.Failed(nil)
		return nil
	}
	g.storeValue(found)
	g.Succeeded(nil)
	return nil
}

func (b *Base) storeValue(v any) {
	target := "_VALUE_OUTPUT"
	if t, ok := b.Args()["value"].(string); ok {
		target = t
	}
	if err := b.Knowledge().Set(target, v); err != nil {
		b.Logger().Error("value target is a reserved key", "key", target)
	}
}

// GetIndexValue extracts an element of a list by index into a target key:
//
//	["custom", {"name": "get_indexvalue",
//	            "args": {"array": "QUERY_OUTPUT", "index": 0, "value": "KNOWN_TEAM"}}]
//
// Both array and index may name knowledge keys.
type GetIndexValue struct {
	*Base
}

// NewGetIndexValue builds the extension.
func NewGetIndexValue(ec *core.ExtensionContext) (core.Extension, error) {
	return &GetIndexValue{Base: NewBase(ec)}, nil
}

// Run extracts and stores the element; out of range fails the action.
func (g *GetIndexValue) Run() error {
	list, listOK := g.ListArg("array")
	index, idxOK := g.IntArg("index")
	if !listOK {
		g.Logger().Error("get_indexvalue: array must be a list")
		g.Failed(nil)
		return nil
	}
	if !idxOK || index < 0 {
		g.Logger().Error("get_indexvalue: index must be a non negative integer")
		g.Failed(nil)
		return nil
	}
	if index >= len(list) || list[index] == nil {
		g.Failed(nil)
		return nil
	}
	g.storeValue(list[index])
	g.Succeeded(nil)
	return nil
}
