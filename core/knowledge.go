package core

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Reserved knowledge keys with engine-managed lifecycles. Scripts read them
// like any other key but may not overwrite them through the knowledge
// primitive.
const (
	KeyUserID          = "USER_ID"
	KeyUserName        = "USER_NAME"
	KeyTurnContext     = "CURRENT_TURN_CONTEXT"
	KeySessionID       = "CURRENT_SESSION_ID"
	KeyUserData        = "USER_DATA"
	KeyNoDisruption    = "NO_DISRUPTION"
	KeyUserInputsCache = "USER_INPUTS_CACHE"

	// KeyErrorMessage holds a transient error description stashed by
	// extensions on failure and cleared right after the failure action runs.
	KeyErrorMessage = "ERROR_MESSAGE"
)

// CachedInput is one entry of the user inputs cache: a logged value plus the
// time it was recorded.
type CachedInput struct {
	Value any
	At    time.Time
}

// Knowledge is the per-session variable environment. Engine-reserved state
// lives in typed fields so behaviour scripts cannot clobber it by accident;
// script-defined variables live in the generic map. A Knowledge value is
// owned by exactly one session and, except for the input cache, is only
// touched from that session's own execution path.
type Knowledge struct {
	UserID       string
	UserName     string
	TurnContext  string
	SessionID    string
	UserData     map[string]any
	NoDisruption bool

	vars map[string]any

	// The input cache is the one piece of state written from outside the
	// session's execution path (timer driven collectors), hence the lock.
	inputMu    sync.Mutex
	inputs     []CachedInput
	cacheAlive bool
}

// NewKnowledge creates a knowledge store seeded with a deep copy of the
// given base variables.
func NewKnowledge(base map[string]any) *Knowledge {
	k := &Knowledge{
		UserData: map[string]any{},
		vars:     make(map[string]any, len(base)),
	}
	for key, v := range base {
		k.vars[key] = DeepCopy(v)
	}
	return k
}

// IsReservedKey reports whether key has an engine-managed lifecycle.
func IsReservedKey(key string) bool {
	switch key {
	case KeyUserID, KeyUserName, KeyTurnContext, KeySessionID,
		KeyUserData, KeyNoDisruption, KeyUserInputsCache:
		return true
	}
	return false
}

// Get looks up a key, mapping reserved names onto their typed fields.
func (k *Knowledge) Get(key string) (any, bool) {
	switch key {
	case KeyUserID:
		return k.UserID, true
	case KeyUserName:
		return k.UserName, true
	case KeyTurnContext:
		return k.TurnContext, true
	case KeySessionID:
		return k.SessionID, true
	case KeyUserData:
		return k.UserData, true
	case KeyNoDisruption:
		return k.NoDisruption, true
	case KeyUserInputsCache:
		return k.CachedInputs(), k.CacheEnabled()
	}
	v, ok := k.vars[key]
	return v, ok
}

// Has reports whether the key resolves, reserved or not.
func (k *Knowledge) Has(key string) bool {
	_, ok := k.Get(key)
	return ok
}

// Set stores a script variable. Reserved keys are rejected; the engine
// mutates those through the typed fields.
func (k *Knowledge) Set(key string, value any) error {
	if IsReservedKey(key) {
		return fmt.Errorf("%w: %q is a reserved key", ErrScript, key)
	}
	k.vars[key] = value
	return nil
}

// Delete removes a script variable. Reserved keys are untouched.
func (k *Knowledge) Delete(key string) {
	if !IsReservedKey(key) {
		delete(k.vars, key)
	}
}

// Merge copies every entry of info into the store, skipping reserved keys.
func (k *Knowledge) Merge(info map[string]any) {
	for key, v := range info {
		if !IsReservedKey(key) {
			k.vars[key] = DeepCopy(v)
		}
	}
}

// EnableInputCache turns on the user inputs cache.
func (k *Knowledge) EnableInputCache() {
	k.inputMu.Lock()
	defer k.inputMu.Unlock()
	k.cacheAlive = true
}

// CacheEnabled reports whether the input cache is active.
func (k *Knowledge) CacheEnabled() bool {
	k.inputMu.Lock()
	defer k.inputMu.Unlock()
	return k.cacheAlive
}

// LogInput appends a value to the input cache if it is enabled. Commas in
// string values are stripped so the cache stays CSV friendly.
func (k *Knowledge) LogInput(value any) {
	k.inputMu.Lock()
	defer k.inputMu.Unlock()
	if !k.cacheAlive {
		return
	}
	if s, ok := value.(string); ok {
		value = strings.ReplaceAll(s, ",", "")
	}
	k.inputs = append(k.inputs, CachedInput{Value: value, At: time.Now()})
}

// CachedInputs returns a snapshot of the input cache.
func (k *Knowledge) CachedInputs() []CachedInput {
	k.inputMu.Lock()
	defer k.inputMu.Unlock()
	out := make([]CachedInput, len(k.inputs))
	copy(out, k.inputs)
	return out
}

// ResetInputCache empties the cache. Called when the active behaviour
// changes.
func (k *Knowledge) ResetInputCache() {
	k.inputMu.Lock()
	defer k.inputMu.Unlock()
	k.inputs = nil
}

// Resolve maps a script value onto its knowledge-resolved form: a string
// that names a known key yields a deep copy of the stored value, a
// [template, [keys...]] pair is interpolated, anything else passes through
// unchanged.
func (k *Knowledge) Resolve(value any) any {
	switch v := value.(type) {
	case string:
		if stored, ok := k.Get(v); ok {
			return DeepCopy(stored)
		}
		return v
	case []any:
		if tmpl, keys, ok := templateForm(v); ok {
			return k.Interpolate(tmpl, keys)
		}
	}
	return value
}

// ResolveText renders a text argument: either a direct string (looked up as
// a key first) or the [template, [keys...]] interpolation form.
func (k *Knowledge) ResolveText(arg any) (string, error) {
	if s, ok := arg.(string); ok {
		if stored, found := k.Get(s); found {
			arg = stored
		}
	}
	switch v := arg.(type) {
	case string:
		return v, nil
	case []any:
		if tmpl, keys, ok := templateForm(v); ok {
			return k.Interpolate(tmpl, keys), nil
		}
		return "", fmt.Errorf("%w: text argument %v is not a [template, [keys...]] pair", ErrScript, v)
	default:
		return Stringify(arg), nil
	}
}

// Interpolate replaces the first "{}" in the template for each key in order.
// A key that resolves substitutes its stringified value; a missing key falls
// back to a humanized form of the key name (underscores become spaces).
func (k *Knowledge) Interpolate(template string, keys []string) string {
	out := template
	for _, key := range keys {
		var repl string
		if v, ok := k.Get(key); ok {
			repl = Stringify(v)
		} else {
			repl = strings.ReplaceAll(key, "_", " ")
		}
		out = strings.Replace(out, "{}", repl, 1)
	}
	return out
}

// templateForm recognizes the [template, [keys...]] interpolation shape.
func templateForm(v []any) (string, []string, bool) {
	if len(v) != 2 {
		return "", nil, false
	}
	tmpl, ok := v[0].(string)
	if !ok {
		return "", nil, false
	}
	rawKeys, ok := v[1].([]any)
	if !ok {
		return "", nil, false
	}
	keys := make([]string, 0, len(rawKeys))
	for _, rk := range rawKeys {
		keys = append(keys, Stringify(rk))
	}
	return tmpl, keys, true
}

// Stringify renders a knowledge value for interpolation. Whole floats lose
// their trailing zero the way scripts expect.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(v)
	}
}

// DeepCopy copies nested maps and slices; scalars pass through as values.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for key, val := range t {
			out[key] = DeepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = DeepCopy(val)
		}
		return out
	default:
		return v
	}
}
