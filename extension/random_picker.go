package extension

import (
	"math/rand"

	"github.com/waypointhq/waypoint/core"
)

// RandomPicker picks a uniformly random element of a list:
//
//	["custom", {"name": "random_picker",
//	            "args": {"list": ["story1", "story2"], "output": "PICKED"}}]
type RandomPicker struct {
	*Base
}

// NewRandomPicker builds the extension.
func NewRandomPicker(ec *core.ExtensionContext) (core.Extension, error) {
	return &RandomPicker{Base: NewBase(ec)}, nil
}

// Run picks and stores the element.
func (r *RandomPicker) Run() error {
	list, ok := r.ListArg("list")
	if !ok || len(list) == 0 {
		r.Logger().Error("random_picker: missing or invalid list(list)")
		r.Failed(nil)
		return nil
	}

	output, ok := r.StringArg("output")
	if !ok {
		r.Logger().Error("random_picker: missing or invalid output(str)")
		r.Failed(nil)
		return nil
	}

	if err := r.Knowledge().Set(output, list[rand.Intn(len(list))]); err != nil {
		r.Logger().Error("random_picker: output is a reserved key", "key", output)
		r.Failed(nil)
		return nil
	}
	r.Succeeded(nil)
	return nil
}
