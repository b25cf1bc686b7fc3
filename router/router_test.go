package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/waypointhq/waypoint/core"
)

type recordingListener struct {
	name    string
	consume bool
	log     *[]string
}

func (l *recordingListener) OnUserMessage(msg *core.UserMessage) bool {
	*l.log = append(*l.log, l.name)
	return !l.consume
}

type callbackListener struct {
	name      string
	interests []string
	consume   bool
	log       *[]string
}

func (l *callbackListener) Interests() []string { return l.interests }

func (l *callbackListener) OnRemoteCallback(cb *core.RemoteCallback) bool {
	*l.log = append(*l.log, l.name)
	return !l.consume
}

func TestUserMessageRouterLIFOPriority(t *testing.T) {
	var log []string
	r := NewUserMessageRouter(nil)
	r.Subscribe(&recordingListener{name: "first", log: &log})
	r.Subscribe(&recordingListener{name: "second", log: &log})

	consumed := r.Dispatch(&core.UserMessage{UID: "u"})

	assert.False(t, consumed)
	assert.Equal(t, []string{"second", "first"}, log)
}

func TestUserMessageRouterConsumptionHaltsPropagation(t *testing.T) {
	var log []string
	r := NewUserMessageRouter(nil)
	r.Subscribe(&recordingListener{name: "low", log: &log})
	r.Subscribe(&recordingListener{name: "stealer", consume: true, log: &log})

	consumed := r.Dispatch(&core.UserMessage{UID: "u"})

	assert.True(t, consumed)
	assert.Equal(t, []string{"stealer"}, log)
}

func TestUserMessageRouterUnsubscribe(t *testing.T) {
	var log []string
	l := &recordingListener{name: "only", log: &log}
	r := NewUserMessageRouter(nil)
	r.Subscribe(l)
	r.Unsubscribe(l)

	r.Dispatch(&core.UserMessage{})
	assert.Empty(t, log)
}

func TestRemoteCallbackRouterInterestFilter(t *testing.T) {
	var log []string
	r := NewRemoteCallbackRouter(nil)
	r.Subscribe(&callbackListener{name: "orders", interests: []string{"order_update"}, log: &log})
	r.Subscribe(&callbackListener{name: "payments", interests: []string{"payment_update"}, log: &log})

	r.Dispatch(&core.RemoteCallback{Method: "order_update"})

	assert.Equal(t, []string{"orders"}, log)
}

func TestRemoteCallbackRouterConsumption(t *testing.T) {
	var log []string
	r := NewRemoteCallbackRouter(nil)
	r.Subscribe(&callbackListener{name: "a", interests: []string{"m"}, log: &log})
	r.Subscribe(&callbackListener{name: "b", interests: []string{"m"}, consume: true, log: &log})

	consumed := r.Dispatch(&core.RemoteCallback{Method: "m"})

	assert.True(t, consumed)
	assert.Equal(t, []string{"b"}, log)
}
