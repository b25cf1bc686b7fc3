package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypointhq/waypoint/core"
)

const mainGraph = `{
  "default": "main",
  "behaviours": [
    {"name": "main", "actions": [
      [["workflow_interaction", {"userdata": ["text", "hi there"]}]]
    ]}
  ]
}`

const updatedGraph = `{
  "default": "main",
  "behaviours": [
    {"name": "main", "actions": [
      [["workflow_interaction", {"userdata": ["text", "updated"]}]]
    ]}
  ]
}`

func parseGraph(t *testing.T, raw string) *core.BehaviourGraph {
	t.Helper()
	g, err := core.ParseBehaviourGraph([]byte(raw))
	require.NoError(t, err)
	return g
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{Graph: parseGraph(t, mainGraph)})
	require.NoError(t, err)
	return e
}

type fakeStore struct {
	graph     *core.BehaviourGraph
	knowledge map[string]any
	err       error
}

func (f *fakeStore) LoadGraph(context.Context, string) (*core.BehaviourGraph, error) {
	return f.graph, f.err
}

func (f *fakeStore) LoadKnowledge(context.Context, string) (map[string]any, error) {
	return f.knowledge, nil
}

type fakeService struct {
	name    string
	initOK  bool
	started bool
	stopped bool
	finied  bool
}

func (f *fakeService) Name() string { return f.name }
func (f *fakeService) Init() bool   { return f.initOK }
func (f *fakeService) Start()       { f.started = true }
func (f *fakeService) Stop()        { f.stopped = true }
func (f *fakeService) Fini()        { f.finied = true }

func userEvent(uid string) Event {
	return Event{UID: uid, Name: "Sam", Data: map[string]any{"message": "hello"}}
}

func TestHandleEventRunsUserDataAction(t *testing.T) {
	e := newTestEngine(t)

	resp := e.HandleEvent(userEvent("u1"))
	require.NotNil(t, resp)

	assert.Equal(t, 200, resp.Code)
	assert.Equal(t, "hi there", resp.Fields["response"])
	assert.NotEmpty(t, resp.ActivityID)
	assert.Equal(t, 1, e.MemberCount())

	e.HandleEvent(userEvent("u1"))
	assert.Equal(t, 1, e.MemberCount())
}

func TestHandleEventMissingUID(t *testing.T) {
	e := newTestEngine(t)
	resp := e.HandleEvent(Event{Name: "Sam"})
	assert.Equal(t, 400, resp.Code)
	assert.Equal(t, core.StatusFailed, resp.Status)
}

func TestHandleEventWithoutEmittedResponse(t *testing.T) {
	e := newTestEngine(t)
	resp := e.HandleEvent(Event{UID: "u1", Name: "Sam"})
	assert.Equal(t, 406, resp.Code)
	assert.Equal(t, "I'm unable to process your question.", resp.Fields["message"])
}

func TestCodeUpdateSwapsGraphAndPurgesSessions(t *testing.T) {
	e := newTestEngine(t)
	e.HandleEvent(userEvent("u1"))
	require.Equal(t, 1, e.MemberCount())

	resp := e.CodeUpdate([]byte(updatedGraph))
	assert.Equal(t, 200, resp.Code)
	assert.Equal(t, 0, e.MemberCount())

	after := e.HandleEvent(userEvent("u1"))
	assert.Equal(t, "updated", after.Fields["response"])
}

func TestCodeUpdateRejectsBrokenScript(t *testing.T) {
	e := newTestEngine(t)
	resp := e.CodeUpdate([]byte(`{"behaviours": []}`))
	assert.Equal(t, 400, resp.Code)
}

func TestStageGraphSwapsImmediatelyWithNoSessions(t *testing.T) {
	e := newTestEngine(t)
	e.StageGraph(parseGraph(t, updatedGraph), map[string]any{"EXTRA": "v"})

	resp := e.HandleEvent(userEvent("u1"))
	assert.Equal(t, "updated", resp.Fields["response"])
}

func TestStagedGraphDrainsThroughLiveSessions(t *testing.T) {
	e := newTestEngine(t)
	e.HandleEvent(userEvent("u1"))

	fs := &fakeStore{graph: parseGraph(t, updatedGraph)}
	e.store = fs
	reply := e.ReloadBehaviours(context.Background(), "stories")
	assert.Equal(t, ReloadOK, reply)

	// the live session swaps at its next turn boundary
	resp := e.HandleEvent(userEvent("u1"))
	assert.Equal(t, "updated", resp.Fields["response"])

	// and a brand new session starts on the reloaded graph
	fresh := e.HandleEvent(userEvent("u2"))
	assert.Equal(t, "updated", fresh.Fields["response"])
}

func TestConcurrentStagingAndTraffic(t *testing.T) {
	e := newTestEngine(t)
	e.HandleEvent(userEvent("u1"))

	updated := parseGraph(t, updatedGraph)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				e.StageGraph(updated, map[string]any{
					fmt.Sprintf("KEY_%d_%d", seed, i): i,
				})
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			e.HandleEvent(userEvent("u1"))
		}
	}()
	wg.Wait()

	resp := e.HandleEvent(userEvent("u1"))
	require.NotNil(t, resp)
	assert.Equal(t, "updated", resp.Fields["response"])
}

func TestStagedKnowledgeIsSnapshotted(t *testing.T) {
	e := newTestEngine(t)
	e.HandleEvent(userEvent("u1"))

	e.StageGraph(parseGraph(t, updatedGraph), map[string]any{"FLAVOUR": "first"})
	// a second staging before the session drains must not leak into the
	// snapshot the first one handed out
	e.StageGraph(parseGraph(t, updatedGraph), map[string]any{"FLAVOUR": "second"})

	e.HandleEvent(userEvent("u1"))
	m, ok := e.GetMember("u1")
	require.True(t, ok)
	v, found := m.Knowledge().Get("FLAVOUR")
	require.True(t, found)
	assert.Equal(t, "second", v)
}

func TestReloadBehavioursReportsCorruptScript(t *testing.T) {
	e := newTestEngine(t)
	e.store = &fakeStore{err: errors.New("not found")}
	assert.Equal(t, ReloadCorrupt, e.ReloadBehaviours(context.Background(), "stories"))
}

func TestExecuteBehaviourForUnknownUID(t *testing.T) {
	e := newTestEngine(t)
	assert.Error(t, e.ExecuteBehaviourForUID("ghost", "main", nil))
}

func TestPurgeKeepsActiveSessions(t *testing.T) {
	e := newTestEngine(t)
	e.HandleEvent(userEvent("u1"))
	e.PurgeIdleMembers()
	assert.Equal(t, 1, e.MemberCount())
}

func TestServiceLifecycle(t *testing.T) {
	e := newTestEngine(t)

	declined := &fakeService{name: "declined"}
	accepted := &fakeService{name: "accepted", initOK: true}
	e.RegisterService(declined)
	e.RegisterService(accepted)

	e.StartServices()
	assert.False(t, declined.started)
	assert.True(t, accepted.started)

	e.HandleEvent(userEvent("u1"))
	e.Shutdown()
	assert.True(t, accepted.stopped)
	assert.True(t, accepted.finied)
	assert.Equal(t, 0, e.MemberCount())
}
