package extension

import (
	"math/rand"

	"github.com/waypointhq/waypoint/core"
)

// BehaviourRouter dynamically selects and plays a behaviour:
//
//	["custom", {"name": "behaviour_router",
//	            "args": {"select": "random",
//	                     "behaviours": ["story1", "story2"],
//	                     "restricted": true}}]
//
// select is either a behaviour name or "random". The optional behaviours
// list constrains the choice; with restricted set, a named selection outside
// the list is refused. The router completes with a play_behaviour jump to
// the selection.
type BehaviourRouter struct {
	*Base
}

// NewBehaviourRouter builds the extension.
func NewBehaviourRouter(ec *core.ExtensionContext) (core.Extension, error) {
	return &BehaviourRouter{Base: NewBase(ec)}, nil
}

// Run resolves the selection and completes with the jump.
func (b *BehaviourRouter) Run() error {
	raw := b.resolveArg("select")
	if raw == nil {
		b.Logger().Error("behaviour_router: args must contain select")
		b.Failed(nil)
		return nil
	}
	selection := core.Stringify(raw)
	available := b.Context().Behaviours

	restricted, _ := b.BoolArg("restricted")

	var choices []string
	if rawList, hasList := b.ListArg("behaviours"); hasList {
		for _, item := range rawList {
			choices = append(choices, core.Stringify(item))
		}
	} else if _, present := b.Args()["behaviours"]; present {
		b.Logger().Error("behaviour_router: behaviours must be a list")
		b.Failed(nil)
		return nil
	}

	if restricted && len(choices) == 0 {
		b.Logger().Error("behaviour_router: behaviours must be set when restricted is true")
		b.Failed(nil)
		return nil
	}

	if selection == "random" {
		if len(choices) > 0 {
			selection = ""
			for trial := 0; trial < 10; trial++ {
				candidate := choices[rand.Intn(len(choices))]
				if contains(available, candidate) {
					selection = candidate
					break
				}
			}
			if selection == "" {
				b.Logger().Error("behaviour_router: behaviours list is inconsistent with the active graph")
				b.Failed(nil)
				return nil
			}
		} else {
			if len(available) == 0 {
				b.Logger().Error("behaviour_router: no behaviours available")
				b.Failed(nil)
				return nil
			}
			selection = available[rand.Intn(len(available))]
		}
	} else if restricted && !contains(choices, selection) {
		b.Logger().Error("behaviour_router: selection is not in the behaviours list", "selection", selection)
		b.Failed(nil)
		return nil
	} else if !contains(available, selection) {
		b.Logger().Error("behaviour_router: selected behaviour does not exist", "selection", selection)
		b.Failed(nil)
		return nil
	}

	b.Logger().Info("behaviour_router: playing selected behaviour", "selection", selection)
	b.Succeeded([]any{"play_behaviour", selection})
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
