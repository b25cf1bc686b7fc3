package activity

import (
	"math/rand"
	"strings"
	"time"

	"github.com/waypointhq/waypoint/core"
)

// execPrimitive dispatches one actionlet by command. Every branch ends in
// exactly one of complete or fail for the tag; extensions take over that
// responsibility once started.
func (m *Manager) execPrimitive(a core.Actionlet, tag string) {
	switch a.Command {
	case "text":
		m.execText(a, tag)
	case "http_response":
		m.execHTTPResponse(a, tag)
	case "knowledge":
		m.execKnowledge(a, tag)
	case "comment":
		m.complete(tag, nil)
	case "calculate":
		m.execCalculate(a, tag)
	case "compare":
		m.execCompare(a, tag)
	case "random":
		m.execRandom(a, tag)
	case "delay":
		m.execDelay(a, tag)
	case "custom":
		m.execCustom(a, tag)
	case "workflow_interaction":
		m.execWorkflowInteraction(a, tag)
	case "select_behaviour":
		if m.selectActivity(a.Argument) {
			m.cont = continuation{}
			m.complete(tag, nil)
		} else {
			m.fail(tag, nil)
		}
	case "play_behaviour":
		m.execPlayBehaviour(a, tag)
	default:
		m.logger.Error("unknown action", "command", a.Command)
		m.fail(tag, nil)
	}
}

// execText renders the argument through knowledge substitution and emits it
// as the turn's text response. Rendered text opening with "unable" or
// "fail" is classified as a failure status.
func (m *Manager) execText(a core.Actionlet, tag string) {
	text, err := m.kb.ResolveText(a.Argument)
	if err != nil {
		m.logger.Error("invalid text argument", "error", err)
		m.fail(tag, nil)
		return
	}

	status := 200
	lower := strings.ToLower(text)
	if strings.HasPrefix(lower, "unable") || strings.HasPrefix(lower, "fail") {
		m.logger.Error("sending error message to user", "text", text)
		status = 400
	}
	m.emit(core.NewResponse(status, map[string]any{"response": text}))
	m.complete(tag, nil)
}

// execHTTPResponse emits a structured response from a map argument, with
// each value resolved through knowledge substitution. The required
// status_code field drives the HTTP status; a missing status field is
// derived from the code's range.
func (m *Manager) execHTTPResponse(a core.Actionlet, tag string) {
	arg := a.Argument
	if s, ok := arg.(string); ok {
		if v, found := m.kb.Get(s); found {
			arg = v
		}
	}
	src, ok := arg.(map[string]any)
	if !ok {
		m.logger.Error("http_response argument must be a map")
		m.fail(tag, nil)
		return
	}

	payload := core.DeepCopy(src).(map[string]any)
	for k, v := range payload {
		resolved, ok := m.resolvePayloadValue(v)
		if !ok {
			m.fail(tag, nil)
			return
		}
		payload[k] = resolved
	}

	codeVal, ok := payload["status_code"]
	code, isNum := asInt(codeVal)
	if !ok || !isNum {
		m.logger.Error("http_response payload missing integer status_code")
		m.fail(tag, nil)
		return
	}
	delete(payload, "status_code")

	status, _ := payload["status"].(string)
	if status == "" {
		status = core.StatusSuccess
		if code < 200 || code >= 300 {
			status = core.StatusFailed
		}
	}
	delete(payload, "status")

	resp := core.NewResponse(code, payload)
	resp.Status = status
	m.emit(resp)
	m.complete(tag, nil)
}

// resolvePayloadValue applies the substitution rules of map-valued
// primitives: a string naming a knowledge key resolves to the stored value,
// and a stored [template, [keys...]] pair is interpolated.
func (m *Manager) resolvePayloadValue(v any) (any, bool) {
	s, ok := v.(string)
	if !ok {
		return v, true
	}
	stored, found := m.kb.Get(s)
	if !found {
		return v, true
	}
	if list, isList := stored.([]any); isList && len(list) > 1 {
		tmpl, isStr := list[0].(string)
		keys, isKeys := list[1].([]any)
		if !isStr || !isKeys {
			m.logger.Error("invalid composite value format", "key", s)
			return nil, false
		}
		strKeys := make([]string, 0, len(keys))
		for _, k := range keys {
			strKeys = append(strKeys, core.Stringify(k))
		}
		return m.kb.Interpolate(tmpl, strKeys), true
	}
	return stored, true
}

// execKnowledge merges a map argument into the knowledge store, resolving
// string values against existing keys and supporting the interpolation
// form. Reserved keys are refused.
func (m *Manager) execKnowledge(a core.Actionlet, tag string) {
	arg, ok := a.Argument.(map[string]any)
	if !ok {
		m.logger.Error("knowledge argument must be a map")
		m.fail(tag, nil)
		return
	}

	for k, v := range arg {
		if err := m.kb.Set(k, m.kb.Resolve(v)); err != nil {
			m.logger.Warn("refusing to overwrite reserved key", "key", k)
		}
	}
	m.complete(tag, nil)
}

// execRandom stores a uniformly chosen element of the given list under the
// given key: ["random", [key, [choices...]]].
func (m *Manager) execRandom(a core.Actionlet, tag string) {
	arg, ok := a.Argument.([]any)
	if !ok || len(arg) != 2 {
		m.logger.Error("invalid random action", "argument", a.Argument)
		m.fail(tag, nil)
		return
	}
	key, keyOK := arg[0].(string)
	choices, listOK := arg[1].([]any)
	if !keyOK || !listOK || len(choices) == 0 {
		m.logger.Error("invalid random action", "argument", a.Argument)
		m.fail(tag, nil)
		return
	}
	if err := m.kb.Set(key, choices[rand.Intn(len(choices))]); err != nil {
		m.logger.Error("random target is a reserved key", "key", key)
		m.fail(tag, nil)
		return
	}
	m.complete(tag, nil)
}

// execDelay keeps the actionlet's chain suspended for the given duration in
// seconds. Only the chain waits; the rest of the step proceeds, and the
// session stays busy until the delay completes.
func (m *Manager) execDelay(a core.Actionlet, tag string) {
	seconds, ok := asFloat(a.Argument)
	if !ok || seconds <= 0 {
		m.logger.Error("invalid delay, expected a positive number", "argument", a.Argument)
		m.fail(tag, nil)
		return
	}
	time.AfterFunc(time.Duration(seconds*float64(time.Second)), func() {
		m.Complete(tag, nil)
	})
}

// execCustom resolves a registered extension by name, wires its completion
// signals back into this session, and starts it.
func (m *Manager) execCustom(a core.Actionlet, tag string) {
	var args map[string]any
	switch arg := a.Argument.(type) {
	case string:
		args = map[string]any{}
	case map[string]any:
		if nested, ok := arg["args"]; ok {
			args, ok = nested.(map[string]any)
			if !ok {
				m.logger.Error("custom action arguments must be a map", "name", tag)
				m.fail(tag, nil)
				return
			}
		} else {
			args = map[string]any{}
		}
	default:
		m.logger.Error("invalid custom argument", "argument", a.Argument)
		m.fail(tag, nil)
		return
	}

	if m.registry == nil {
		m.logger.Error("no extension registry configured")
		m.fail(tag, nil)
		return
	}
	factory, ok := m.registry.Lookup(tag)
	if !ok {
		m.logger.Error("unknown extension", "name", tag)
		m.fail(tag, nil)
		return
	}

	ext, err := factory(&core.ExtensionContext{
		Tag:        tag,
		Args:       args,
		Knowledge:  m.kb,
		Behaviours: m.graph.Names(),
		Messages:   m.messages,
		Callbacks:  m.callbacks,
		Timers:     m.timers,
		Completer:  sessionCompleter{m},
		Emit:       m.emit,
		Async:      m.Handoff,
		Logger:     m.logger,
	})
	if err != nil {
		m.logger.Error("unable to build extension", "name", tag, "error", err)
		m.fail(tag, args["failed_action"])
		return
	}

	m.running[tag].ext = ext
	if err := ext.Run(); err != nil {
		m.logger.Error("extension run failed", "name", tag, "error", err)
		if _, still := m.running[tag]; still {
			m.fail(tag, args["failed_action"])
		}
	}
}

// execWorkflowInteraction installs the engagement, disengagement, and
// user-data hooks consulted by the workflow entry points.
func (m *Manager) execWorkflowInteraction(a core.Actionlet, tag string) {
	arg, ok := a.Argument.(map[string]any)
	if !ok {
		m.fail(tag, nil)
		return
	}

	parse := func(raw any, slot **core.Actionlet) bool {
		alet, err := core.ActionletFromRaw(raw)
		if err != nil {
			m.logger.Error("invalid interaction hook", "error", err)
			return false
		}
		*slot = &alet
		return true
	}

	if raw, found := arg["engagement"]; found && !parse(raw, &m.engagementAction) {
		m.fail(tag, nil)
		return
	}
	if raw, found := arg["disengagement"]; found && !parse(raw, &m.disengagementAction) {
		m.fail(tag, nil)
		return
	}
	if raw, found := arg["userdata"]; found && !parse(raw, &m.userdataAction) {
		m.fail(tag, nil)
		return
	}
	m.complete(tag, nil)
}

// execPlayBehaviour either runs an inline step without moving the cursor,
// or jumps to the resolved target: suspended extensions are finalized, the
// pending queue is reconciled against disruption rules, and the cursor
// advances once the jump's own step completes.
func (m *Manager) execPlayBehaviour(a core.Actionlet, tag string) {
	if list, inline := a.Argument.([]any); inline {
		step, err := core.StepFromRaw(list)
		if err != nil {
			m.logger.Error("invalid inline step", "error", err)
			m.fail(tag, nil)
			return
		}
		for _, alet := range step {
			if alet.Command == "name" {
				continue
			}
			m.playActionlet(alet)
		}
		m.complete(tag, nil)
		return
	}

	if !m.selectActivity(a.Argument) {
		m.fail(tag, nil)
		return
	}

	// a behaviour jump closes out suspended extensions for good
	if len(m.suspended) > 0 {
		for _, ra := range m.suspended {
			if ra.ext != nil {
				ra.ext.Fini()
			}
		}
		m.suspended = map[string]*runningAction{}
	}

	if len(m.pending) > 0 {
		var disrupt *pendingAction
		for _, pa := range m.pending {
			if pa.disruptable {
				disrupt = pa
				break
			}
		}
		if disrupt != nil {
			if m.kb.NoDisruption {
				m.logger.Warn("disruptable pending action in no-disruption mode, keeping queue")
				m.cont = continuation{kind: contResumeCursor}
			} else {
				m.logger.Warn("running only the disruptable pending action, purging the rest", "action_id", disrupt.id)
				m.pending = nil
				m.cont = continuation{kind: contRunEntry, entry: disrupt}
			}
			m.complete(tag, nil)
			return
		}
		m.logger.Warn("purging pending actions for behaviour jump", "count", len(m.pending))
		m.pending = nil
	}

	m.cont = continuation{kind: contResumeCursor}
	m.complete(tag, nil)
}

// sessionCompleter is the in-context completion path handed to extensions.
// It must only be used from within the session's execution context.
type sessionCompleter struct{ m *Manager }

func (c sessionCompleter) Complete(tag string, next any) { c.m.complete(tag, next) }
func (c sessionCompleter) Fail(tag string, next any)     { c.m.fail(tag, next) }

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t == float64(int(t)) {
			return int(t), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
