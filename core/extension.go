package core

import (
	"time"

	"github.com/waypointhq/waypoint/logging"
)

// ExtensionState is the explicit lifecycle of an extension instance.
type ExtensionState int

const (
	// ExtensionRunning is the state of a freshly started extension.
	ExtensionRunning ExtensionState = iota
	// ExtensionSuspended marks an extension parked by a group suspension.
	ExtensionSuspended
	// ExtensionFinalized marks an extension that has been torn down.
	ExtensionFinalized
)

// Completer receives completion signals from asynchronous actions. The
// session's activity manager implements it; next, when non-nil, is the
// untyped actionlet (or step) to chain after the signal.
type Completer interface {
	Complete(tag string, next any)
	Fail(tag string, next any)
}

// Extension is a pluggable, possibly asynchronous unit of custom logic
// invoked through the custom command. At most one instance of a given name
// runs per session at a time.
//
// Run starts the work and may return before it finishes; completion is
// signalled through Succeeded or Failed, which route back into the owning
// session. Succeeded and Failed fall back to the success_action and
// failed_action entries of the extension's own argument map when called
// without an explicit action.
type Extension interface {
	Tag() string
	Run() error
	Succeeded(next any)
	Failed(next any)

	Suspendable() bool
	Suspend(data any) bool
	Restore(data any) bool
	State() ExtensionState

	// Fini deregisters the extension from both message buses and releases
	// any resources it holds.
	Fini()
}

// UserMessage is an inbound user event fanned out to message listeners.
type UserMessage struct {
	UID        string
	SessionID  string
	ActivityID string
	Data       map[string]any
}

// Text returns the conventional message text field, if present.
func (m *UserMessage) Text() string {
	if m == nil || m.Data == nil {
		return ""
	}
	if s, ok := m.Data["message"].(string); ok {
		return s
	}
	return ""
}

// RemoteCallback is an authenticated external callback routed to listeners
// whose interest set contains its method name.
type RemoteCallback struct {
	UID     string
	Method  string
	Data    map[string]any
	Success bool
}

// MessageListener handles user messages. The return value reports whether
// routing should continue to lower-priority listeners; returning false
// consumes the message.
type MessageListener interface {
	OnUserMessage(msg *UserMessage) bool
}

// CallbackListener handles remote callbacks for the methods it declares in
// Interests. Returning false consumes the callback.
type CallbackListener interface {
	Interests() []string
	OnRemoteCallback(cb *RemoteCallback) bool
}

// MessageBus registers user-message listeners with LIFO priority.
type MessageBus interface {
	Subscribe(l MessageListener)
	Unsubscribe(l MessageListener)
}

// CallbackBus registers remote-callback listeners with LIFO priority.
type CallbackBus interface {
	Subscribe(l CallbackListener)
	Unsubscribe(l CallbackListener)
}

// TimerClient receives timer notifications: OnTimer per period and
// OnTimerLapsed once when the repeat budget runs out.
type TimerClient interface {
	OnTimer(id string)
	OnTimerLapsed(id string)
}

// TimerService schedules periodic callbacks. repeats counts the firings
// after the first; -1 means fire forever.
type TimerService interface {
	AddTimer(client TimerClient, initial, interval time.Duration, repeats int) string
	RemoveTimer(id string)
}

// ExtensionContext carries everything an extension may touch: its resolved
// tag and arguments, the session knowledge, both buses, the timer service,
// the completion path back into the session, and the response sink.
//
// Completer and Emit are only safe from inside the session's execution
// context: within Run, or within bus callbacks the session invokes. Work
// done on another goroutine (HTTP calls, timer firings) must re-enter
// through Async, which serializes the function with the session's own
// execution before running it.
type ExtensionContext struct {
	Tag        string
	Args       map[string]any
	Knowledge  *Knowledge
	Behaviours []string
	Messages   MessageBus
	Callbacks  CallbackBus
	Timers     TimerService
	Completer  Completer
	Emit       ResponseSink
	Async      func(fn func())
	Logger     logging.Logger
}

// ExtensionFactory builds one extension instance for one invocation. The
// registry maps extension names onto factories at startup; there is no
// runtime code loading.
type ExtensionFactory func(ec *ExtensionContext) (Extension, error)
