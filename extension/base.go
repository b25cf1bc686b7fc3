// Package extension holds the pluggable actionlet implementations reachable
// through the custom command, the shared Base they embed, and the startup
// registry that maps script names onto factories.
package extension

import (
	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/logging"
)

// Base provides the shared plumbing every extension embeds: completion
// routing, bus registration bookkeeping, the suspension protocol, and
// argument parsing against the session knowledge. Concrete extensions embed
// *Base and implement Run.
type Base struct {
	ec    *core.ExtensionContext
	state core.ExtensionState

	suspendable bool
	suspended   bool
	onSuspend   func(data any) bool
	onRestore   func(data any) bool

	msgListener   core.MessageListener
	cbListener    core.CallbackListener
	msgRegistered bool
	cbRegistered  bool
}

// NewBase wraps an extension context.
func NewBase(ec *core.ExtensionContext) *Base {
	return &Base{ec: ec, state: core.ExtensionRunning}
}

// Tag returns the extension's resolved script name.
func (b *Base) Tag() string { return b.ec.Tag }

// Args returns the raw argument map.
func (b *Base) Args() map[string]any { return b.ec.Args }

// Knowledge returns the owning session's knowledge store.
func (b *Base) Knowledge() *core.Knowledge { return b.ec.Knowledge }

// Logger returns the session logger.
func (b *Base) Logger() logging.Logger {
	if b.ec.Logger == nil {
		return logging.NoOpLogger{}
	}
	return b.ec.Logger
}

// Context exposes the full extension context for the rare extension that
// needs the buses or timers directly.
func (b *Base) Context() *core.ExtensionContext { return b.ec }

// Succeeded signals success back to the session. A nil next falls back to
// the success_action argument.
func (b *Base) Succeeded(next any) {
	if next == nil {
		next = b.ec.Args["success_action"]
	}
	b.ec.Completer.Complete(b.ec.Tag, next)
}

// Failed signals failure back to the session. A nil next falls back to the
// failed_action argument.
func (b *Base) Failed(next any) {
	if next == nil {
		next = b.ec.Args["failed_action"]
	}
	b.ec.Completer.Fail(b.ec.Tag, next)
}

// Emit forwards a response to the session's sink.
func (b *Base) Emit(r *core.Response) {
	if b.ec.Emit != nil {
		b.ec.Emit(r)
	}
}

// Say emits a plain text response.
func (b *Base) Say(text string) {
	b.Emit(core.NewResponse(200, map[string]any{"response": text}))
}

// ListenMessages subscribes l to user message updates. The subscription is
// dropped again on Fini.
func (b *Base) ListenMessages(l core.MessageListener) {
	if b.msgRegistered {
		b.Logger().Warn("already registered for user message updates", "tag", b.Tag())
		return
	}
	b.msgListener = l
	b.msgRegistered = true
	b.ec.Messages.Subscribe(l)
}

// StopMessages drops the user message subscription.
func (b *Base) StopMessages() {
	if !b.msgRegistered {
		return
	}
	b.msgRegistered = false
	b.ec.Messages.Unsubscribe(b.msgListener)
	b.msgListener = nil
}

// ListenCallbacks subscribes l to remote callback updates.
func (b *Base) ListenCallbacks(l core.CallbackListener) {
	if b.cbRegistered {
		b.Logger().Warn("already registered for remote callback updates", "tag", b.Tag())
		return
	}
	b.cbListener = l
	b.cbRegistered = true
	b.ec.Callbacks.Subscribe(l)
}

// StopCallbacks drops the remote callback subscription.
func (b *Base) StopCallbacks() {
	if !b.cbRegistered {
		return
	}
	b.cbRegistered = false
	b.ec.Callbacks.Unsubscribe(b.cbListener)
	b.cbListener = nil
}

// MakeSuspendable opts the extension into the group suspension protocol.
// Both hooks are optional; a nil hook accepts the transition.
func (b *Base) MakeSuspendable(onSuspend, onRestore func(data any) bool) {
	b.suspendable = true
	b.onSuspend = onSuspend
	b.onRestore = onRestore
}

// Suspendable reports whether this extension participates in group
// suspension.
func (b *Base) Suspendable() bool { return b.suspendable }

// Suspend parks the extension. Non-suspendable extensions refuse.
func (b *Base) Suspend(data any) bool {
	if !b.suspendable {
		b.Logger().Error("extension is not suspendable", "tag", b.Tag())
		return false
	}
	if b.suspended {
		b.Logger().Error("extension is already suspended", "tag", b.Tag())
		return true
	}
	ok := true
	if b.onSuspend != nil {
		ok = b.onSuspend(data)
	}
	if ok {
		b.suspended = true
		b.state = core.ExtensionSuspended
	}
	return ok
}

// Restore resumes a suspended extension.
func (b *Base) Restore(data any) bool {
	if !b.suspended {
		b.Logger().Error("extension is not in suspension", "tag", b.Tag())
		return true
	}
	ok := true
	if b.onRestore != nil {
		ok = b.onRestore(data)
	}
	if ok {
		b.suspended = false
		b.state = core.ExtensionRunning
	}
	return ok
}

// State returns the extension lifecycle state.
func (b *Base) State() core.ExtensionState { return b.state }

// Fini deregisters from both buses and marks the extension finalized.
func (b *Base) Fini() {
	b.StopMessages()
	b.StopCallbacks()
	b.state = core.ExtensionFinalized
}

// LogInput records a value in the session's user inputs cache, if enabled.
func (b *Base) LogInput(value any) {
	b.ec.Knowledge.LogInput(value)
}

// resolveArg fetches an argument, resolving a string value that names a
// knowledge key to the stored value. Missing arguments fall back to the
// given knowledge keys in order.
func (b *Base) resolveArg(key string, fallbackKeys ...string) any {
	v, ok := b.ec.Args[key]
	if ok {
		if s, isStr := v.(string); isStr {
			if stored, found := b.ec.Knowledge.Get(s); found {
				return stored
			}
		}
		return v
	}
	for _, fk := range fallbackKeys {
		if stored, found := b.ec.Knowledge.Get(fk); found {
			return stored
		}
	}
	return nil
}

// StringArg parses a required or optional string argument.
func (b *Base) StringArg(key string, fallbackKeys ...string) (string, bool) {
	s, ok := b.resolveArg(key, fallbackKeys...).(string)
	return s, ok
}

// MapArg parses a map argument.
func (b *Base) MapArg(key string, fallbackKeys ...string) (map[string]any, bool) {
	m, ok := b.resolveArg(key, fallbackKeys...).(map[string]any)
	return m, ok
}

// ListArg parses a list argument.
func (b *Base) ListArg(key string, fallbackKeys ...string) ([]any, bool) {
	l, ok := b.resolveArg(key, fallbackKeys...).([]any)
	return l, ok
}

// FloatArg parses a numeric argument.
func (b *Base) FloatArg(key string, fallbackKeys ...string) (float64, bool) {
	switch v := b.resolveArg(key, fallbackKeys...).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// IntArg parses an integer argument. Whole floats are accepted since JSON
// numbers arrive as float64.
func (b *Base) IntArg(key string, fallbackKeys ...string) (int, bool) {
	switch v := b.resolveArg(key, fallbackKeys...).(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// BoolArg parses a boolean argument.
func (b *Base) BoolArg(key string, fallbackKeys ...string) (bool, bool) {
	v, ok := b.resolveArg(key, fallbackKeys...).(bool)
	return v, ok
}
