// Package router provides the in-process pub/sub buses that fan inbound
// events out to registered listeners. Registration is LIFO: the most
// recently subscribed listener sees a message first, which lets an extension
// steal the next user input by subscribing itself at dispatch time.
package router

import (
	"sync"

	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/logging"
)

// UserMessageRouter fans user messages out to subscribed listeners in
// priority order. A listener returning false consumes the message and halts
// propagation.
type UserMessageRouter struct {
	mu        sync.Mutex
	listeners []core.MessageListener
	logger    logging.Logger
}

// NewUserMessageRouter creates an empty router.
func NewUserMessageRouter(logger logging.Logger) *UserMessageRouter {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &UserMessageRouter{logger: logger}
}

// Subscribe prepends the listener, giving it highest priority.
func (r *UserMessageRouter) Subscribe(l core.MessageListener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append([]core.MessageListener{l}, r.listeners...)
}

// Unsubscribe removes the listener if present.
func (r *UserMessageRouter) Unsubscribe(l core.MessageListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.listeners {
		if reg == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Dispatch routes a message through the listeners. It reports whether any
// listener consumed the message.
func (r *UserMessageRouter) Dispatch(msg *core.UserMessage) bool {
	r.mu.Lock()
	snapshot := make([]core.MessageListener, len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.Unlock()

	for _, l := range snapshot {
		if !l.OnUserMessage(msg) {
			r.logger.Debug("user message consumed", "uid", msg.UID)
			return true
		}
	}
	return false
}

// Clear drops every listener.
func (r *UserMessageRouter) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = nil
}

// RemoteCallbackRouter fans remote callbacks out to subscribed listeners,
// additionally filtering by each listener's interest set: only listeners
// whose interests contain the callback method are invoked.
type RemoteCallbackRouter struct {
	mu        sync.Mutex
	listeners []core.CallbackListener
	logger    logging.Logger
}

// NewRemoteCallbackRouter creates an empty router.
func NewRemoteCallbackRouter(logger logging.Logger) *RemoteCallbackRouter {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &RemoteCallbackRouter{logger: logger}
}

// Subscribe prepends the listener, giving it highest priority.
func (r *RemoteCallbackRouter) Subscribe(l core.CallbackListener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append([]core.CallbackListener{l}, r.listeners...)
}

// Unsubscribe removes the listener if present.
func (r *RemoteCallbackRouter) Unsubscribe(l core.CallbackListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.listeners {
		if reg == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Dispatch routes a callback through interested listeners. It reports
// whether any listener consumed the callback.
func (r *RemoteCallbackRouter) Dispatch(cb *core.RemoteCallback) bool {
	r.mu.Lock()
	snapshot := make([]core.CallbackListener, len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.Unlock()

	for _, l := range snapshot {
		if !interested(l.Interests(), cb.Method) {
			continue
		}
		if !l.OnRemoteCallback(cb) {
			r.logger.Debug("remote callback consumed", "method", cb.Method)
			return true
		}
	}
	return false
}

// Clear drops every listener.
func (r *RemoteCallbackRouter) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = nil
}

func interested(interests []string, method string) bool {
	for _, m := range interests {
		if m == method {
			return true
		}
	}
	return false
}
