// Package activity implements the per-session execution engine: a state
// machine that walks a behaviour graph, dispatches the actionlets of each
// step, tracks their asynchronous completion, and arbitrates between
// chained, queued, suspended, and disruptive work.
package activity

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/logging"
	"github.com/waypointhq/waypoint/router"
)

// ExtensionResolver maps extension names onto factories. The extension
// registry implements it; tests plug in their own.
type ExtensionResolver interface {
	Lookup(name string) (core.ExtensionFactory, bool)
}

// continuationKind enumerates what happens after the current step's actions
// have all completed. Continuations are explicit values rather than stored
// closures so resumption state stays inspectable.
type continuationKind int

const (
	contNone continuationKind = iota
	// contResumeCursor advances the cursor and plays the next step.
	contResumeCursor
	// contRunEntry plays a preserved pending entry.
	contRunEntry
)

type continuation struct {
	kind  continuationKind
	entry *pendingAction
}

// notifyKind is the one-shot external notification fired first on step
// completion, used for interaction tracking rather than behaviour flow.
type notifyKind int

const (
	notifyNone notifyKind = iota
	notifyEngaged
	notifyDisengaged
	notifyUserData
)

// runningAction is one in-flight actionlet: a snapshot of its argument and,
// for custom commands, the owning extension instance.
type runningAction struct {
	args map[string]any
	ext  core.Extension
}

// pendingAction is a whole-step invocation deferred while the session was
// busy, applied strictly FIFO once it goes idle.
type pendingAction struct {
	id          string
	step        core.Step
	cont        continuation
	notify      notifyKind
	disruptable bool
}

// Config assembles a session manager.
type Config struct {
	UID       string
	UserName  string
	Graph     *core.BehaviourGraph
	Knowledge map[string]any
	Registry  ExtensionResolver
	Timers    core.TimerService
	Logger    *logging.SessionLogger
}

// Manager is the per-session state machine. All exported methods serialize
// on an internal lock: one inbound event is processed fully before the next
// one for the same session is admitted, mirroring a cooperative
// single-threaded session loop. Sessions are independent of each other.
type Manager struct {
	uid      string
	userName string

	kb        *core.Knowledge
	graph     *core.BehaviourGraph
	messages  *router.UserMessageRouter
	callbacks *router.RemoteCallbackRouter
	timers    core.TimerService
	registry  ExtensionResolver
	logger    *logging.SessionLogger

	mu sync.Mutex

	active    *core.Behaviour
	stepIndex int

	running   map[string]*runningAction
	chained   map[string][]core.Actionlet
	linedUp   bool
	pending   []*pendingAction
	suspended map[string]*runningAction

	currentActionID string
	cont            continuation
	notify          notifyKind
	activityDoneCB  func()
	skipPending     bool
	continuePlaying bool

	inUserInteraction bool

	engagementAction    *core.Actionlet
	disengagementAction *core.Actionlet
	userdataAction      *core.Actionlet

	pendingGraph      *core.BehaviourGraph
	pendingKnowledge  map[string]any
	onPendingComplete func()

	response   *core.Response
	remoteSink core.ResponseSink

	accessTime time.Time
}

// NewManager creates a session around a validated behaviour graph. The base
// knowledge is deep-copied into the session's own store.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Graph == nil {
		return nil, fmt.Errorf("%w: no behaviour graph", core.ErrScript)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(nil)
	}
	logger = logger.WithComponent("activity").WithSession(cfg.UID)

	kb := core.NewKnowledge(cfg.Knowledge)
	kb.UserID = cfg.UID
	kb.UserName = cfg.UserName

	m := &Manager{
		uid:        cfg.UID,
		userName:   cfg.UserName,
		kb:         kb,
		messages:   router.NewUserMessageRouter(logger),
		callbacks:  router.NewRemoteCallbackRouter(logger),
		timers:     cfg.Timers,
		registry:   cfg.Registry,
		logger:     logger,
		stepIndex:  -1,
		running:    map[string]*runningAction{},
		chained:    map[string][]core.Actionlet{},
		suspended:  map[string]*runningAction{},
		accessTime: time.Now(),
	}
	if !m.loadGraph(cfg.Graph, false) {
		return nil, fmt.Errorf("%w: unable to load behaviour graph", core.ErrScript)
	}
	return m, nil
}

// Knowledge exposes the session store to the engine and services.
func (m *Manager) Knowledge() *core.Knowledge { return m.kb }

// UID returns the session's user id.
func (m *Manager) UID() string { return m.uid }

// Init plays the entry step of the default behaviour.
func (m *Manager) Init() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playNextActivity("init")
}

// StartUserWorkflow begins a new turn: it mints a fresh turn context, stores
// the inbound data, and either plays the engagement action or routes the
// data straight into the workflow. It reports false when the session is
// still inside a user interaction and the caller should answer busy.
func (m *Manager) StartUserWorkflow(sessionID string, data map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inUserInteraction {
		return false
	}

	m.accessTime = time.Now()
	m.clearRunningActions()
	m.loadPendingGraphIfStaged()

	m.kb.TurnContext = uuid.NewString()
	m.kb.SessionID = sessionID
	m.kb.UserData = data

	m.logger.Debug("workflow turn started", "activity_id", m.kb.TurnContext)

	if m.engagementAction != nil {
		return m.playAction("workflow_engagement", core.Step{*m.engagementAction},
			continuation{}, notifyEngaged)
	}
	return m.continueWorkflow("", data)
}

// ContinueWorkflow routes a follow-up event for an existing turn, identified
// by its activity id. Messages are offered to subscribed listeners first; an
// unconsumed message (or a turn mismatch) falls through to the user-data
// action.
func (m *Manager) ContinueWorkflow(activityID string, data map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.continueWorkflow(activityID, data)
}

func (m *Manager) continueWorkflow(activityID string, data map[string]any) bool {
	m.accessTime = time.Now()

	msg := &core.UserMessage{
		UID:        m.uid,
		SessionID:  m.kb.SessionID,
		ActivityID: activityID,
		Data:       data,
	}
	if (activityID != "" && activityID != m.kb.TurnContext) || !m.messages.Dispatch(msg) {
		m.onUpdateUserData(activityID, data)
	}
	return true
}

// UpdateTurnContext installs an externally minted turn token and offers the
// message to listeners. Remote services drive their conversations through
// this path.
func (m *Manager) UpdateTurnContext(context string, msg *core.UserMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kb.TurnContext = context
	m.accessTime = time.Now()
	m.messages.Dispatch(msg)
}

// StartUserEngagement opens an interaction with the given turn context,
// playing the engagement action if one is scripted.
func (m *Manager) StartUserEngagement(context string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearRunningActions()
	m.loadPendingGraphIfStaged()

	if m.engagementAction == nil {
		return
	}
	m.kb.TurnContext = context
	m.kb.UserData = data
	m.playAction("workflow_engagement", core.Step{*m.engagementAction},
		continuation{}, notifyEngaged)
}

// StopUserEngagement closes an interaction, disruptively playing the
// disengagement action if one is scripted.
func (m *Manager) StopUserEngagement(context string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disengagementAction == nil {
		return
	}
	m.kb.TurnContext = context
	m.playDisruptiveAction("workflow_disengagement",
		core.Step{*m.disengagementAction}, continuation{}, notifyDisengaged)
}

// StopUserWorkflow clears the turn context and plays the disengagement
// action disruptively.
func (m *Manager) StopUserWorkflow() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kb.TurnContext = ""
	if m.disengagementAction == nil {
		return
	}
	m.playDisruptiveAction("workflow_disengagement",
		core.Step{*m.disengagementAction}, continuation{}, notifyDisengaged)
}

func (m *Manager) onUpdateUserData(activityID string, data map[string]any) {
	if len(data) == 0 {
		m.logger.Error("missing or invalid user data")
		return
	}

	m.kb.UserData = data
	if activityID != "" {
		m.kb.TurnContext = activityID
	}

	if m.userdataAction != nil {
		m.inUserInteraction = true
		m.playOrQueueAction("user_data", core.Step{*m.userdataAction},
			continuation{}, notifyUserData, false)
	}
}

// ExecuteBehaviour merges extra knowledge and queues a jump to the named
// behaviour (resolved through the knowledge store first).
func (m *Manager) ExecuteBehaviour(behaviour string, knowledge map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kb.Merge(knowledge)
	if v, ok := m.kb.Get(behaviour); ok {
		behaviour = core.Stringify(v)
	}
	step := core.Step{{Command: "play_behaviour", Argument: behaviour}}
	m.playOrQueueAction("manual_execution", step, continuation{}, notifyNone, false)
}

// SetPendingGraph stages a replacement graph to be swapped in at the next
// turn boundary. onComplete fires once this session has drained into it.
func (m *Manager) SetPendingGraph(g *core.BehaviourGraph, knowledge map[string]any, onComplete func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g == nil || onComplete == nil {
		m.logger.Error("invalid pending behaviour staging")
		return
	}
	m.pendingGraph = g
	m.pendingKnowledge = knowledge
	m.onPendingComplete = onComplete
}

func (m *Manager) loadPendingGraphIfStaged() bool {
	if m.pendingGraph == nil || m.onPendingComplete == nil {
		return false
	}

	if len(m.pendingKnowledge) > 0 {
		m.kb.Merge(m.pendingKnowledge)
		m.pendingKnowledge = nil
	}
	m.loadGraph(m.pendingGraph, false)
	m.pendingGraph = nil

	m.logger.Info("pending behaviour graph loaded")
	m.playNextActivity("init")

	onComplete := m.onPendingComplete
	m.onPendingComplete = nil
	onComplete()
	return true
}

// LoadGraph replaces the behaviour graph immediately. A busy session rejects
// the load unless force is set, which clears all running state first.
func (m *Manager) LoadGraph(g *core.BehaviourGraph, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadGraph(g, force)
}

func (m *Manager) loadGraph(g *core.BehaviourGraph, force bool) bool {
	if g == nil {
		m.logger.Error("no behaviour graph to load")
		return false
	}
	if m.isBusy() {
		if !force {
			m.logger.Error("session is busy, cannot load behaviour graph")
			return false
		}
		m.clearRunningActions()
		m.logger.Warn("session busy, cleared running actions for forced graph load")
	}

	def := g.DefaultBehaviour()
	if def == nil {
		m.logger.Error("behaviour graph has no resolvable default")
		return false
	}

	m.graph = g
	m.active = def
	m.stepIndex = -1
	m.clearRunningActions()
	return true
}

// CheckRemoteCallbackAccess verifies a callback access key against the
// session's current turn context token.
func (m *Manager) CheckRemoteCallbackAccess(accessKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return accessKey == m.kb.TurnContext
}

// ProcessRemoteCallback routes an authenticated remote callback into the
// session's callback listeners.
func (m *Manager) ProcessRemoteCallback(method string, data map[string]any, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks.Dispatch(&core.RemoteCallback{
		UID:     m.uid,
		Method:  method,
		Data:    data,
		Success: success,
	})
}

// Complete signals the successful completion of an asynchronous action from
// outside the session's execution context. It implements core.Completer.
func (m *Manager) Complete(tag string, next any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complete(tag, next)
}

// Fail signals the failure of an asynchronous action from outside the
// session's execution context. It implements core.Completer.
func (m *Manager) Fail(tag string, next any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail(tag, next)
}

// Handoff serializes fn with the session's own execution. Goroutines doing
// background work for this session re-enter through it.
func (m *Manager) Handoff(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// PlayNext advances the cursor by one step when idle. At the last step it
// fires the activity-done hook instead.
func (m *Manager) PlayNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playNextActivity("play_next")
}

// SetActivityDoneHook registers a one-shot hook fired when the active
// behaviour runs past its last step with nothing queued or suspended.
func (m *Manager) SetActivityDoneHook(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activityDoneCB = fn
}

// IsBusy reports whether the session has running or lined-up actions.
func (m *Manager) IsBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isBusy()
}

// GetResponse collects and clears the response assembled during the current
// turn. A nil return means no command emitted anything.
func (m *Manager) GetResponse() *core.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inUserInteraction = false
	resp := m.response
	m.response = nil
	return resp
}

// SetRemoteSink diverts emitted responses to a remote service instead of
// the per-turn response slot. Pass nil to restore the default.
func (m *Manager) SetRemoteSink(sink core.ResponseSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteSink = sink
}

// IdleTime reports how long ago the session last saw traffic.
func (m *Manager) IdleTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.accessTime)
}

// Fini tears down all running state and deregisters every listener.
func (m *Manager) Fini() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearRunningActions()
	m.messages.Clear()
	m.callbacks.Clear()
}

// --- internal state machine; callers hold the lock ---

func (m *Manager) isBusy() bool {
	return len(m.running) > 0 || m.linedUp
}

// isBusyAfterSuspension attempts an all-or-nothing group suspension: when
// every running action is a suspendable extension they are parked together
// and the session reports idle; otherwise nothing is suspended.
func (m *Manager) isBusyAfterSuspension() bool {
	if len(m.running) > 0 {
		suspendable := make([]core.Extension, 0, len(m.running))
		for _, ra := range m.running {
			if ra.ext != nil && ra.ext.Suspendable() {
				suspendable = append(suspendable, ra.ext)
			}
		}
		if len(suspendable) == len(m.running) {
			m.logger.Info("suspending all running extension actions")
			for _, ext := range suspendable {
				ext.Suspend(nil)
			}
			m.suspended = m.running
			m.running = map[string]*runningAction{}
		} else {
			m.logger.Warn("running actions cannot all be suspended")
		}
	}
	return m.isBusy()
}

func (m *Manager) playNextActivityRouter() {
	if m.active == nil {
		m.logger.Warn("no active behaviour set")
		return
	}
	if m.stepIndex == len(m.active.Steps)-1 {
		m.logger.Debug("end of active behaviour")
		m.fireActivityDone()
		return
	}
	m.continuePlaying = true
	m.playNextActivity("play_next")
}

func (m *Manager) playNextActivity(actionID string) {
	m.skipPending = false
	if m.isBusy() {
		m.logger.Warn("already playing actions", "action_id", m.currentActionID)
		return
	}
	if m.active == nil {
		m.logger.Warn("no active behaviour set")
		return
	}
	if m.stepIndex == len(m.active.Steps)-1 {
		m.logger.Debug("end of active behaviour")
		m.fireActivityDone()
		return
	}

	m.setStepIndex(m.stepIndex + 1)
	m.logger.Debug("playing step", "index", m.stepIndex)
	m.playAction(actionID, m.active.Steps[m.stepIndex], continuation{}, notifyNone)
}

func (m *Manager) fireActivityDone() {
	if m.activityDoneCB != nil {
		cb := m.activityDoneCB
		m.activityDoneCB = nil
		cb()
	}
}

func (m *Manager) playDisruptiveAction(id string, step core.Step, cont continuation, notify notifyKind) {
	if m.isBusy() {
		m.clearRunningActions()
		m.logger.Debug("disruptive action purged running and pending state", "action_id", id)
	}
	m.playAction(id, step, cont, notify)
}

func (m *Manager) playOrQueueAction(id string, step core.Step, cont continuation, notify notifyKind, disruptable bool) {
	if m.isBusyAfterSuspension() {
		for _, pa := range m.pending {
			if pa.id == id {
				return
			}
		}
		m.pending = append(m.pending, &pendingAction{
			id:          id,
			step:        step,
			cont:        cont,
			notify:      notify,
			disruptable: disruptable,
		})
		m.logger.Warn("session busy, queued action", "action_id", id)
		return
	}
	m.playAction(id, step, cont, notify)
}

// playAction dispatches a whole step. It rejects with no side effect while
// busy. Actionlets other than the last keep the lined-up flag raised so the
// session never looks idle between dispatches of the same step.
func (m *Manager) playAction(id string, step core.Step, cont continuation, notify notifyKind) bool {
	if m.isBusy() {
		m.logger.Warn("already playing an action, ignoring", "action_id", id)
		return false
	}

	if cont.kind != contNone {
		m.cont = cont
	}
	if notify != notifyNone {
		m.notify = notify
	}

	m.currentActionID = id
	m.logger.Debug("playing action", "action_id", id)

	for i, alet := range step {
		m.linedUp = i != len(step)-1
		if alet.Command == "name" {
			m.logger.Debug("step marker", "name", core.Stringify(alet.Argument), "action_id", id)
			// a step that is just a name marker still completes
			if i == len(step)-1 && len(m.running) == 0 {
				m.onActionCompleted()
			}
			continue
		}
		m.playActionlet(alet)
	}
	return true
}

// playActionlet resolves the actionlet's tag, enforces single-instance
// execution per tag, merges any trailing chain, and dispatches the command.
func (m *Manager) playActionlet(a core.Actionlet) {
	tag, err := m.tagFor(a)
	if err != nil {
		m.logger.Error("cannot resolve actionlet tag", "command", a.Command, "error", err)
		return
	}

	if _, exists := m.running[tag]; exists {
		m.logger.Warn("action already executing, dropping duplicate", "tag", tag)
		return
	}
	m.running[tag] = &runningAction{args: argSnapshot(a.Argument)}

	if len(a.Next) > 0 {
		m.chained[tag] = append(m.chained[tag], a.Next...)
	}

	m.execPrimitive(a, tag)
}

func (m *Manager) tagFor(a core.Actionlet) (string, error) {
	if a.Command != "custom" {
		return a.Command, nil
	}
	switch arg := a.Argument.(type) {
	case string:
		return arg, nil
	case map[string]any:
		name, ok := arg["name"].(string)
		if !ok {
			return "", fmt.Errorf("%w: custom actionlet without a name", core.ErrScript)
		}
		return name, nil
	default:
		return "", fmt.Errorf("%w: invalid custom argument %T", core.ErrScript, a.Argument)
	}
}

func argSnapshot(arg any) map[string]any {
	if mp, ok := arg.(map[string]any); ok {
		return core.DeepCopy(mp).(map[string]any)
	}
	return map[string]any{"name": arg}
}

// complete is the success path of the completion protocol: finalize any
// owning extension, drop the tag, dispatch one chained continuation hop,
// and finish the step once nothing is left running.
func (m *Manager) complete(tag string, next any) {
	ra, ok := m.running[tag]
	if !ok {
		m.logger.Error("completion for unknown running action", "tag", tag)
		return
	}

	if ra.ext != nil {
		ra.ext.Fini()
	}
	delete(m.running, tag)
	m.logger.Debug("action completed", "tag", tag, "still_running", len(m.running))

	if next != nil {
		m.chained[tag] = append(normalizeChain(next, m.logger), m.chained[tag]...)
	}

	if chain, ok := m.chained[tag]; ok && len(chain) > 0 {
		delete(m.chained, tag)
		head := chain[0]
		if len(chain) > 1 {
			head.Next = append(append([]core.Actionlet{}, head.Next...), chain[1:]...)
		}
		m.playActionlet(head)
	} else {
		delete(m.chained, tag)
	}

	if !m.isBusy() {
		m.logger.Debug("action set completed", "action_id", m.currentActionID)
		m.chained = map[string][]core.Actionlet{}
		m.onActionCompleted()
	}
}

// fail is the failure path: the tag's chain is purged instead of dispatched,
// and an optional one-shot alternate actionlet (the failed action) runs in
// its place.
func (m *Manager) fail(tag string, next any) {
	ra, ok := m.running[tag]
	if !ok {
		m.logger.Error("failure for unknown running action", "tag", tag)
		return
	}

	if ra.ext != nil {
		ra.ext.Fini()
	}
	delete(m.running, tag)
	m.logger.Error("action failed", "tag", tag, "still_running", len(m.running))

	delete(m.chained, tag)

	if next != nil {
		if alts := normalizeChain(next, m.logger); len(alts) > 0 {
			alt := alts[0]
			if len(alts) > 1 {
				alt.Next = append(append([]core.Actionlet{}, alt.Next...), alts[1:]...)
			}
			m.playActionlet(alt)
		}
	}

	if !m.isBusy() {
		m.logger.Error("action set completed with failure", "action_id", m.currentActionID)
		m.chained = map[string][]core.Actionlet{}
		m.onActionCompleted()
	}
}

// onActionCompleted finishes a step in strict order: the one-shot external
// notification first, the step continuation second, then queued work
// (pending head, else suspended restore, else the cursor-advance flag or
// the activity-done hook).
func (m *Manager) onActionCompleted() {
	switch m.notify {
	case notifyEngaged:
		m.logger.Debug("interaction engagement completed")
		m.inUserInteraction = true
	case notifyDisengaged:
		m.logger.Debug("interaction disengagement completed")
		m.inUserInteraction = false
	case notifyUserData:
		m.logger.Debug("interaction user data completed")
		m.inUserInteraction = false
	}
	m.notify = notifyNone

	cont := m.cont
	m.cont = continuation{}
	switch cont.kind {
	case contResumeCursor:
		m.playNextActivityRouter()
	case contRunEntry:
		if cont.entry != nil {
			m.playAction(cont.entry.id, cont.entry.step, cont.entry.cont, cont.entry.notify)
		}
	}

	if m.skipPending {
		m.logger.Warn("skipping pending actions for remote step advance")
		return
	}

	if len(m.pending) > 0 {
		head := m.pending[0]
		m.pending = m.pending[1:]
		m.logger.Debug("starting pending action", "action_id", head.id)
		if !m.playAction("pending action-"+head.id, head.step, head.cont, head.notify) {
			m.logger.Error("unable to run pending action, keeping it queued", "action_id", head.id)
			m.pending = append([]*pendingAction{head}, m.pending...)
		}
		return
	}

	if len(m.suspended) > 0 {
		for _, ra := range m.suspended {
			if ra.ext != nil {
				ra.ext.Restore(nil)
			}
		}
		m.running = m.suspended
		m.suspended = map[string]*runningAction{}
		m.logger.Debug("restored suspended actions")
		return
	}

	if m.continuePlaying {
		m.continuePlaying = false
		return
	}
	m.fireActivityDone()
}

// clearRunningActions forcefully tears down everything in flight: running
// and suspended extensions are finalized, chains and queues dropped, and
// flow flags reset.
func (m *Manager) clearRunningActions() {
	for _, ra := range m.running {
		if ra.ext != nil {
			ra.ext.Fini()
		}
	}
	for _, ra := range m.suspended {
		if ra.ext != nil {
			ra.ext.Fini()
		}
	}
	m.running = map[string]*runningAction{}
	m.chained = map[string][]core.Actionlet{}
	m.pending = nil
	m.suspended = map[string]*runningAction{}
	m.cont = continuation{}
	m.activityDoneCB = nil
	m.linedUp = false
	m.continuePlaying = false
	m.kb.NoDisruption = false
}

// selectActivity resolves a navigation target: "next" (no-op), "previous"
// (net two steps back), a knowledge key (recursive), a literal step digit,
// a "behaviour:index" compound, or a bare behaviour name.
func (m *Manager) selectActivity(target any) bool {
	s, ok := target.(string)
	if !ok {
		if target == nil {
			m.logger.Error("select behaviour with no target")
			return true
		}
		s = core.Stringify(target)
	}
	s = strings.TrimSpace(s)

	switch {
	case s == "":
		m.logger.Error("select behaviour with empty target")
		return true
	case s == "next":
		return true
	case s == "previous":
		return m.setStepIndex(m.stepIndex - 2)
	}

	if v, ok := m.kb.Get(s); ok {
		return m.selectActivity(v)
	}
	if isDigits(s) {
		idx, _ := strconv.Atoi(s)
		return m.setStepIndex(idx - 1)
	}
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) != 2 {
			m.logger.Error("expected target of the form behaviour:index", "target", s)
			return false
		}
		behave, index := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if !m.setActiveBehaviour(behave) || !isDigits(index) {
			return false
		}
		idx, _ := strconv.Atoi(index)
		return m.setStepIndex(idx - 1)
	}
	return m.setActiveBehaviour(s)
}

func (m *Manager) setActiveBehaviour(name string) bool {
	b, ok := m.graph.Behaviour(name)
	if !ok {
		m.logger.Error("cannot find behaviour", "name", name)
		return false
	}
	m.active = b
	m.stepIndex = -1
	if m.kb.CacheEnabled() {
		m.kb.ResetInputCache()
	}
	m.logger.Debug("active behaviour set", "name", name)
	return true
}

func (m *Manager) setStepIndex(idx int) bool {
	if m.active == nil {
		m.logger.Error("no active behaviour")
		return false
	}
	if idx < -1 || idx >= len(m.active.Steps) {
		m.logger.Error("step index out of bounds", "index", idx)
		return false
	}
	m.stepIndex = idx
	return true
}

// normalizeChain converts a completion's next value, which may be a typed
// actionlet, a typed step, or the raw JSON shapes extensions hand back,
// into a flat actionlet list.
func normalizeChain(next any, logger logging.Logger) []core.Actionlet {
	switch v := next.(type) {
	case core.Actionlet:
		return []core.Actionlet{v}
	case *core.Actionlet:
		if v == nil {
			return nil
		}
		return []core.Actionlet{*v}
	case []core.Actionlet:
		return v
	case core.Step:
		return v
	default:
		step, err := core.StepFromRaw(next)
		if err != nil {
			logger.Error("invalid continuation value", "error", err)
			return nil
		}
		return step
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// emit finalizes a response with the current turn identifiers and either
// stores it for collection or forwards it to the installed remote sink.
func (m *Manager) emit(r *core.Response) {
	r.ActivityID = m.kb.TurnContext
	if r.SessionID == "" && !r.IsStream() {
		r.SessionID = m.kb.SessionID
	}
	if r.IsStream() {
		if r.Headers == nil {
			r.Headers = map[string]string{}
		}
		r.Headers["X-Accel-Buffering"] = "no"
	}
	if m.remoteSink != nil {
		m.remoteSink(r)
		return
	}
	m.response = r
}
