package extension

import (
	"fmt"
	"sort"
	"sync"

	"github.com/waypointhq/waypoint/core"
)

// Registry maps extension names onto factories. Names are bound at startup;
// there is no runtime code loading. It satisfies the activity package's
// ExtensionResolver.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]core.ExtensionFactory
}

// NewRegistry creates a registry preloaded with the builtin extensions.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]core.ExtensionFactory{}}
	r.registerBuiltins()
	return r
}

// Register binds a name to a factory. Rebinding an existing name is an
// error so deployments cannot silently shadow builtins.
func (r *Registry) Register(name string, factory core.ExtensionFactory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("extension registration requires a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("extension %q is already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Lookup resolves a name to its factory.
func (r *Registry) Lookup(name string) (core.ExtensionFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered extension names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) registerBuiltins() {
	builtins := map[string]core.ExtensionFactory{
		"text_input":          NewTextInput,
		"random_picker":       NewRandomPicker,
		"current_datetime":    NewCurrentDatetime,
		"validate_with_regex": NewValidateWithRegex,
		"has_keyvalue":        NewHasKeyValue,
		"get_keyvalue":        NewGetKeyValue,
		"get_indexvalue":      NewGetIndexValue,
		"get_data_from_url":   NewGetDataFromURL,
		"send_data_to_url":    NewSendDataToURL,
		"invoke_llm":          NewInvokeLLM,
		"behaviour_router":    NewBehaviourRouter,
	}
	for name, factory := range builtins {
		r.factories[name] = factory
	}
}
