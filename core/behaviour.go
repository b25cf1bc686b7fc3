package core

import (
	"encoding/json"
	"fmt"
)

// Actionlet is a single instruction in a behaviour script: a command tag, an
// argument, and an optional chain of actionlets that run after this one
// succeeds. In the JSON file contract an actionlet is encoded as
// ["command", argument, chained actionlet...].
type Actionlet struct {
	Command  string
	Argument any
	Next     []Actionlet
}

// UnmarshalJSON decodes the ["command", argument, ...] array form.
func (a *Actionlet) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ActionletFromRaw(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalJSON encodes back to the array form.
func (a Actionlet) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Raw())
}

// Raw converts the actionlet back to its untyped array representation.
func (a Actionlet) Raw() []any {
	out := []any{a.Command, a.Argument}
	for _, next := range a.Next {
		out = append(out, next.Raw())
	}
	return out
}

// ActionletFromRaw parses the untyped array form of an actionlet, as found
// in decoded JSON or in continuation values handed back by extensions.
func ActionletFromRaw(raw any) (Actionlet, error) {
	list, ok := raw.([]any)
	if !ok {
		return Actionlet{}, fmt.Errorf("%w: actionlet must be a list, got %T", ErrScript, raw)
	}
	if len(list) < 2 {
		return Actionlet{}, fmt.Errorf("%w: actionlet needs a command and an argument, got %v", ErrScript, list)
	}
	cmd, ok := list[0].(string)
	if !ok {
		return Actionlet{}, fmt.Errorf("%w: actionlet command must be a string, got %T", ErrScript, list[0])
	}
	a := Actionlet{Command: cmd, Argument: list[1]}
	for i, extra := range list[2:] {
		next, err := ActionletFromRaw(extra)
		if err != nil {
			return Actionlet{}, fmt.Errorf("chained actionlet %d of %q: %w", i, cmd, err)
		}
		a.Next = append(a.Next, next)
	}
	return a, nil
}

// Step is an ordered sequence of actionlets executed together as one logical
// turn-action.
type Step []Actionlet

// StepFromRaw parses either a list of actionlets or a bare single actionlet
// (which is wrapped into a one-element step). Extensions commonly hand back
// the bare form as success or failure actions.
func StepFromRaw(raw any) (Step, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("%w: step must be a non-empty list, got %v", ErrScript, raw)
	}
	if _, bare := list[0].(string); bare {
		a, err := ActionletFromRaw(raw)
		if err != nil {
			return nil, err
		}
		return Step{a}, nil
	}
	step := make(Step, 0, len(list))
	for i, el := range list {
		a, err := ActionletFromRaw(el)
		if err != nil {
			return nil, fmt.Errorf("actionlet %d: %w", i, err)
		}
		step = append(step, a)
	}
	return step, nil
}

// Behaviour is a named, ordered sequence of steps representing one scripted
// flow.
type Behaviour struct {
	Name  string
	Steps []Step
}

// BehaviourGraph is an immutable, named collection of behaviours with a
// designated default entry point. Graphs are loaded and replaced wholesale,
// never partially mutated.
type BehaviourGraph struct {
	Default string
	names   []string
	byName  map[string]*Behaviour
}

type graphFile struct {
	Default    string          `json:"default"`
	Behaviours []behaviourFile `json:"behaviours"`
}

type behaviourFile struct {
	Name    string `json:"name"`
	Actions []any  `json:"actions"`
}

// ParseBehaviourGraph decodes and validates a behaviour graph document.
// A graph without a resolvable default behaviour is rejected outright.
func ParseBehaviourGraph(data []byte) (*BehaviourGraph, error) {
	var file graphFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScript, err)
	}
	return buildGraph(file)
}

func buildGraph(file graphFile) (*BehaviourGraph, error) {
	if file.Default == "" {
		return nil, fmt.Errorf("%w: missing default behaviour", ErrScript)
	}
	g := &BehaviourGraph{
		Default: file.Default,
		byName:  make(map[string]*Behaviour, len(file.Behaviours)),
	}
	for _, bf := range file.Behaviours {
		if bf.Name == "" {
			return nil, fmt.Errorf("%w: behaviour without a name", ErrScript)
		}
		if _, dup := g.byName[bf.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate behaviour %q", ErrScript, bf.Name)
		}
		b := &Behaviour{Name: bf.Name, Steps: make([]Step, 0, len(bf.Actions))}
		for i, rawStep := range bf.Actions {
			step, err := StepFromRaw(rawStep)
			if err != nil {
				return nil, fmt.Errorf("behaviour %q step %d: %w", bf.Name, i, err)
			}
			b.Steps = append(b.Steps, step)
		}
		g.byName[bf.Name] = b
		g.names = append(g.names, bf.Name)
	}
	if _, ok := g.byName[g.Default]; !ok {
		return nil, fmt.Errorf("%w: default behaviour %q not found", ErrScript, g.Default)
	}
	return g, nil
}

// Behaviour returns the named behaviour, if present.
func (g *BehaviourGraph) Behaviour(name string) (*Behaviour, bool) {
	b, ok := g.byName[name]
	return b, ok
}

// DefaultBehaviour returns the designated entry behaviour.
func (g *BehaviourGraph) DefaultBehaviour() *Behaviour {
	return g.byName[g.Default]
}

// Names lists the behaviour names in file order.
func (g *BehaviourGraph) Names() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}
