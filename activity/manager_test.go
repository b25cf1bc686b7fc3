package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waypointhq/waypoint/core"
)

type fakeExt struct {
	ec          *core.ExtensionContext
	suspendable bool
	state       core.ExtensionState
	runs        int
	suspends    int
	restores    int
	finis       int
	completeNow bool
}

func (f *fakeExt) Tag() string { return f.ec.Tag }

func (f *fakeExt) Run() error {
	f.runs++
	if f.completeNow {
		f.ec.Completer.Complete(f.ec.Tag, nil)
	}
	return nil
}

func (f *fakeExt) Succeeded(next any) { f.ec.Completer.Complete(f.ec.Tag, next) }
func (f *fakeExt) Failed(next any)    { f.ec.Completer.Fail(f.ec.Tag, next) }

func (f *fakeExt) Suspendable() bool { return f.suspendable }

func (f *fakeExt) Suspend(any) bool {
	f.suspends++
	f.state = core.ExtensionSuspended
	return true
}

func (f *fakeExt) Restore(any) bool {
	f.restores++
	f.state = core.ExtensionRunning
	return true
}

func (f *fakeExt) State() core.ExtensionState { return f.state }

func (f *fakeExt) Fini() {
	f.finis++
	f.state = core.ExtensionFinalized
}

type fakeRegistry map[string]core.ExtensionFactory

func (r fakeRegistry) Lookup(name string) (core.ExtensionFactory, bool) {
	f, ok := r[name]
	return f, ok
}

func newTestManager(t *testing.T, graphJSON string, knowledge map[string]any, reg ExtensionResolver) *Manager {
	t.Helper()
	g, err := core.ParseBehaviourGraph([]byte(graphJSON))
	require.NoError(t, err)
	m, err := NewManager(Config{
		UID:       "user-1",
		UserName:  "Sam",
		Graph:     g,
		Knowledge: knowledge,
		Registry:  reg,
	})
	require.NoError(t, err)
	return m
}

func TestWalkThroughBehaviourSteps(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["text", "hi"]],
				[["text", "bye"]]
			]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)

	m.Init()
	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "hi", resp.Fields["response"])
	assert.False(t, m.IsBusy())

	m.PlayNext()
	resp = m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "bye", resp.Fields["response"])

	done := false
	m.SetActivityDoneHook(func() { done = true })
	m.PlayNext()
	assert.True(t, done, "advancing past the last step fires the done hook")
	assert.Nil(t, m.GetResponse())
}

func TestDelayHoldsSessionUntilTimerFires(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["delay", 0.05, ["text", "after the wait"]]]
			]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)

	done := make(chan struct{})
	m.SetActivityDoneHook(func() { close(done) })

	m.Init()
	assert.True(t, m.IsBusy(), "session holds busy while the delay runs")
	assert.Nil(t, m.GetResponse())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed chain never completed")
	}

	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "after the wait", resp.Fields["response"])
	assert.False(t, m.IsBusy())
}

func TestDelayRejectsNonPositiveDuration(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["delay", -1, ["text", "never"]]]
			]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)

	m.Init()
	assert.False(t, m.IsBusy())
	assert.Nil(t, m.GetResponse())
}

func TestBusySessionRejectsNewSteps(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["custom", {"name": "blocker"}]],
				[["text", "done"]]
			]}
		]
	}`
	var ext *fakeExt
	reg := fakeRegistry{
		"blocker": func(ec *core.ExtensionContext) (core.Extension, error) {
			ext = &fakeExt{ec: ec}
			return ext, nil
		},
	}
	m := newTestManager(t, graph, nil, reg)

	m.Init()
	require.NotNil(t, ext)
	assert.True(t, m.IsBusy())

	// rejected with no side effects while the blocker is in flight
	m.PlayNext()
	assert.True(t, m.IsBusy())
	assert.Nil(t, m.GetResponse())

	m.Complete("blocker", nil)
	assert.False(t, m.IsBusy())
	assert.Equal(t, 1, ext.finis)

	m.PlayNext()
	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "done", resp.Fields["response"])
}

func TestDuplicateTagIsDropped(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["custom", {"name": "worker"}], ["custom", {"name": "worker"}]]
			]}
		]
	}`
	built := 0
	reg := fakeRegistry{
		"worker": func(ec *core.ExtensionContext) (core.Extension, error) {
			built++
			return &fakeExt{ec: ec}, nil
		},
	}
	m := newTestManager(t, graph, nil, reg)

	m.Init()
	assert.Equal(t, 1, built, "second instance of the same tag is dropped")
	assert.True(t, m.IsBusy())

	m.Complete("worker", nil)
	assert.False(t, m.IsBusy())
}

func TestChainedActionRunsAfterCompletion(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["custom", {"name": "fetch"}, ["knowledge", {"AFTER": "yes"}]]]
			]}
		]
	}`
	reg := fakeRegistry{
		"fetch": func(ec *core.ExtensionContext) (core.Extension, error) {
			return &fakeExt{ec: ec}, nil
		},
	}
	m := newTestManager(t, graph, nil, reg)

	m.Init()
	_, found := m.Knowledge().Get("AFTER")
	assert.False(t, found, "chain must not run before completion")

	m.Complete("fetch", nil)
	v, found := m.Knowledge().Get("AFTER")
	require.True(t, found)
	assert.Equal(t, "yes", v)
	assert.False(t, m.IsBusy())
}

func TestFailurePurgesChainAndRunsAlternate(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["custom", {"name": "fetch"}, ["knowledge", {"CHAINED": "yes"}]]]
			]}
		]
	}`
	reg := fakeRegistry{
		"fetch": func(ec *core.ExtensionContext) (core.Extension, error) {
			return &fakeExt{ec: ec}, nil
		},
	}
	m := newTestManager(t, graph, nil, reg)

	m.Init()
	m.Fail("fetch", []any{"knowledge", map[string]any{"FAILED": "yes"}})

	_, found := m.Knowledge().Get("CHAINED")
	assert.False(t, found, "failure purges the chain")
	v, found := m.Knowledge().Get("FAILED")
	require.True(t, found)
	assert.Equal(t, "yes", v)
	assert.False(t, m.IsBusy())
}

func TestQueuedActionRunsWhenIdleWithDedup(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["custom", {"name": "blocker"}]]
			]},
			{"name": "greet", "actions": [
				[["text", "queued greeting"]]
			]}
		]
	}`
	reg := fakeRegistry{
		"blocker": func(ec *core.ExtensionContext) (core.Extension, error) {
			return &fakeExt{ec: ec}, nil
		},
	}
	m := newTestManager(t, graph, nil, reg)

	m.Init()
	require.True(t, m.IsBusy())

	m.ExecuteBehaviour("greet", nil)
	m.ExecuteBehaviour("greet", nil)
	assert.Len(t, m.pending, 1, "same action id queues once")

	m.Complete("blocker", nil)
	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "queued greeting", resp.Fields["response"])
	assert.Empty(t, m.pending)
}

func TestBehaviourJumpFinalizesSuspendedExtensions(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["custom", {"name": "sleeper"}]]
			]},
			{"name": "other", "actions": [
				[["text", "jumped"]]
			]}
		]
	}`
	var ext *fakeExt
	reg := fakeRegistry{
		"sleeper": func(ec *core.ExtensionContext) (core.Extension, error) {
			ext = &fakeExt{ec: ec, suspendable: true}
			return ext, nil
		},
	}
	m := newTestManager(t, graph, nil, reg)

	m.Init()
	require.NotNil(t, ext)
	require.True(t, m.IsBusy())

	// a suspendable extension is parked, the jump then closes it for good
	m.ExecuteBehaviour("other", nil)
	assert.Equal(t, 1, ext.suspends)
	assert.Equal(t, 1, ext.finis)
	assert.Equal(t, core.ExtensionFinalized, ext.State())

	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "jumped", resp.Fields["response"])
	assert.False(t, m.IsBusy())
}

func TestSuspendedExtensionsRestoreAfterQueueDrains(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["custom", {"name": "sleeper"}]]
			]}
		]
	}`
	var ext *fakeExt
	reg := fakeRegistry{
		"sleeper": func(ec *core.ExtensionContext) (core.Extension, error) {
			ext = &fakeExt{ec: ec, suspendable: true}
			return ext, nil
		},
	}
	m := newTestManager(t, graph, nil, reg)

	m.Init()
	require.NotNil(t, ext)

	m.mu.Lock()
	m.playOrQueueAction("side-step", core.Step{{Command: "knowledge",
		Argument: map[string]any{"SIDE": "done"}}}, continuation{}, notifyNone, false)
	m.mu.Unlock()

	assert.Equal(t, 1, ext.suspends)
	assert.Equal(t, 1, ext.restores, "suspended work resumes once the interposed step finishes")
	assert.Equal(t, 0, ext.finis)
	assert.True(t, m.IsBusy())

	v, found := m.Knowledge().Get("SIDE")
	require.True(t, found)
	assert.Equal(t, "done", v)

	m.Complete("sleeper", nil)
	assert.False(t, m.IsBusy())
}

func TestPreviousAtFirstStepFailsGracefully(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["select_behaviour", "previous"]],
				[["text", "second"]]
			]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)

	m.Init()
	assert.False(t, m.IsBusy(), "failed navigation must not wedge the session")
	assert.Equal(t, 0, m.stepIndex)
}

func TestSelectBehaviourTargets(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["text", "one"]],
				[["text", "two"]],
				[["text", "three"]]
			]},
			{"name": "alt", "actions": [
				[["text", "alt one"]]
			]}
		]
	}`

	t.Run("digit target rewinds the cursor", func(t *testing.T) {
		m := newTestManager(t, graph, nil, nil)
		m.Init()
		m.PlayNext()
		m.mu.Lock()
		ok := m.selectActivity("1")
		m.mu.Unlock()
		assert.True(t, ok)
		assert.Equal(t, 0, m.stepIndex)
	})

	t.Run("behaviour colon index compound", func(t *testing.T) {
		m := newTestManager(t, graph, nil, nil)
		m.Init()
		m.mu.Lock()
		ok := m.selectActivity("main:3")
		m.mu.Unlock()
		assert.True(t, ok)
		assert.Equal(t, 2, m.stepIndex)
	})

	t.Run("knowledge key resolves recursively", func(t *testing.T) {
		m := newTestManager(t, graph, map[string]any{"NEXT_MOVE": "alt"}, nil)
		m.Init()
		m.mu.Lock()
		ok := m.selectActivity("NEXT_MOVE")
		m.mu.Unlock()
		assert.True(t, ok)
		assert.Equal(t, "alt", m.active.Name)
	})

	t.Run("unknown behaviour fails", func(t *testing.T) {
		m := newTestManager(t, graph, nil, nil)
		m.Init()
		m.mu.Lock()
		ok := m.selectActivity("nowhere")
		m.mu.Unlock()
		assert.False(t, ok)
	})
}

func TestInlinePlayBehaviourKeepsCursor(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["play_behaviour", [["name", "inline"], ["knowledge", {"INLINE": "ran"}]]]],
				[["text", "after"]]
			]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)

	m.Init()
	v, found := m.Knowledge().Get("INLINE")
	require.True(t, found)
	assert.Equal(t, "ran", v)
	assert.Equal(t, 0, m.stepIndex, "inline steps do not move the cursor")

	m.PlayNext()
	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "after", resp.Fields["response"])
}

func TestPlayBehaviourJumpAdvancesThroughTarget(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["play_behaviour", "greet"]]
			]},
			{"name": "greet", "actions": [
				[["text", "hello there"]]
			]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)

	m.Init()
	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "hello there", resp.Fields["response"])
	assert.Equal(t, "greet", m.active.Name)
}

func TestStartUserWorkflowMintsTurnContext(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["workflow_interaction", {
					"engagement": ["text", "welcome"],
					"userdata": ["text", "got data"]
				}]]
			]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)

	m.Init()
	require.True(t, m.StartUserWorkflow("sess-1", map[string]any{"message": "hi"}))

	// a second turn is refused until the response is collected
	assert.False(t, m.StartUserWorkflow("sess-1", map[string]any{"message": "again"}))

	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "welcome", resp.Fields["response"])
	assert.NotEmpty(t, resp.ActivityID)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, resp.ActivityID, m.Knowledge().TurnContext)
}

func TestContinueWorkflowRoutesToUserDataAction(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["workflow_interaction", {"userdata": ["text", "got data"]}]]
			]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)

	m.Init()
	require.True(t, m.StartUserWorkflow("sess-1", map[string]any{"message": "hi"}))
	first := m.GetResponse()
	require.NotNil(t, first)
	assert.Equal(t, "got data", first.Fields["response"])

	require.True(t, m.ContinueWorkflow(first.ActivityID, map[string]any{"message": "more"}))
	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "got data", resp.Fields["response"])
}

func TestDisruptiveActionClearsInFlightWork(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["workflow_interaction", {"disengagement": ["text", "goodbye"]}]],
				[["custom", {"name": "blocker"}]]
			]}
		]
	}`
	var ext *fakeExt
	reg := fakeRegistry{
		"blocker": func(ec *core.ExtensionContext) (core.Extension, error) {
			ext = &fakeExt{ec: ec}
			return ext, nil
		},
	}
	m := newTestManager(t, graph, nil, reg)

	m.Init()
	m.PlayNext()
	require.NotNil(t, ext)
	require.True(t, m.IsBusy())

	m.StopUserWorkflow()
	assert.Equal(t, 1, ext.finis)
	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "goodbye", resp.Fields["response"])
	assert.False(t, m.IsBusy())
}

func TestStagedGraphSwapsAtTurnBoundary(t *testing.T) {
	oldGraph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [[["text", "old"]]]}
		]
	}`
	newGraph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [[["text", "new"]]]}
		]
	}`
	m := newTestManager(t, oldGraph, nil, nil)
	m.Init()
	require.Equal(t, "old", m.GetResponse().Fields["response"])

	g, err := core.ParseBehaviourGraph([]byte(newGraph))
	require.NoError(t, err)
	drained := false
	m.SetPendingGraph(g, map[string]any{"VERSION": "2"}, func() { drained = true })
	assert.False(t, drained, "swap waits for the next turn boundary")

	require.True(t, m.StartUserWorkflow("sess-1", map[string]any{"message": "hi"}))
	assert.True(t, drained)
	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "new", resp.Fields["response"])
	v, found := m.Knowledge().Get("VERSION")
	require.True(t, found)
	assert.Equal(t, "2", v)
}

func TestRemoteCallbackAccess(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [[["text", "hello"]]]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)
	m.Init()

	require.True(t, m.StartUserWorkflow("sess-1", nil))
	token := m.Knowledge().TurnContext
	assert.True(t, m.CheckRemoteCallbackAccess(token))
	assert.False(t, m.CheckRemoteCallbackAccess("stolen-token"))
}

func TestHTTPResponsePrimitive(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["http_response", {
					"status_code": 201,
					"result": "GREETING"
				}]]
			]}
		]
	}`
	m := newTestManager(t, graph, map[string]any{"GREETING": "hello Sam"}, nil)

	m.Init()
	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, 201, resp.Code)
	assert.Equal(t, core.StatusSuccess, resp.Status)
	assert.Equal(t, "hello Sam", resp.Fields["result"])
	_, hasCode := resp.Fields["status_code"]
	assert.False(t, hasCode)
}

func TestHTTPResponseDerivesFailedStatusOutside2xx(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["http_response", {
					"status_code": 503,
					"message": "backend down"
				}]]
			]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)

	m.Init()
	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.Code)
	assert.Equal(t, core.StatusFailed, resp.Status)

	// an explicit status field wins over the derived one
	graph = `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["http_response", {
					"status_code": 503,
					"status": "success",
					"message": "degraded but fine"
				}]]
			]}
		]
	}`
	m = newTestManager(t, graph, nil, nil)
	m.Init()
	resp = m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, core.StatusSuccess, resp.Status)
}

func TestRandomPrimitiveStoresOneChoice(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["random", ["PICK", ["a", "b", "c"]]]]
			]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)

	m.Init()
	v, found := m.Knowledge().Get("PICK")
	require.True(t, found)
	assert.Contains(t, []any{"a", "b", "c"}, v)
	assert.False(t, m.IsBusy())
}

func TestNameMarkerOnlyStepCompletes(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["name", "checkpoint"]],
				[["text", "after marker"]]
			]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)

	m.Init()
	assert.False(t, m.IsBusy())

	m.PlayNext()
	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, "after marker", resp.Fields["response"])
}

func TestTextFailurePrefixSetsErrorStatus(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [
				[["text", "Unable to help with that"]]
			]}
		]
	}`
	m := newTestManager(t, graph, nil, nil)

	m.Init()
	resp := m.GetResponse()
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.Code)
	assert.Equal(t, core.StatusFailed, resp.Status)
}

func TestForcedGraphLoadClearsBusySession(t *testing.T) {
	graph := `{
		"default": "main",
		"behaviours": [
			{"name": "main", "actions": [[["custom", {"name": "blocker"}]]]}
		]
	}`
	reg := fakeRegistry{
		"blocker": func(ec *core.ExtensionContext) (core.Extension, error) {
			return &fakeExt{ec: ec}, nil
		},
	}
	m := newTestManager(t, graph, nil, reg)
	m.Init()
	require.True(t, m.IsBusy())

	g, err := core.ParseBehaviourGraph([]byte(graph))
	require.NoError(t, err)
	assert.False(t, m.LoadGraph(g, false), "busy session refuses a plain load")
	assert.True(t, m.LoadGraph(g, true))
	assert.False(t, m.IsBusy())
}
