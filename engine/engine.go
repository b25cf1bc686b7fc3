// Package engine coordinates the per-user workflow sessions: it owns the
// session registry, the active behaviour graph, staged graph reloads, idle
// purging, and the remote service lifecycle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/waypointhq/waypoint/activity"
	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/logging"
	"github.com/waypointhq/waypoint/store"
)

const (
	idlePurgePeriod = time.Hour
	idleThreshold   = 40 * time.Minute
)

// Reload reply strings surfaced to the backend operator.
const (
	ReloadOK      = "New Bot behaviours have been reloaded."
	ReloadCorrupt = "New Bot behaviours is corrupted, ignore."
)

// Event is one inbound workflow event from the HTTP surface.
type Event struct {
	UID        string         `json:"uid"`
	Name       string         `json:"name"`
	SessionID  string         `json:"session_id"`
	ActivityID string         `json:"activity_id"`
	Data       map[string]any `json:"data"`
}

// RemoteService is an out-of-band messaging integration managed by the
// engine. Init reports whether the service is able to run in this
// deployment; a service that declines is simply not registered.
type RemoteService interface {
	Name() string
	Init() bool
	Start()
	Stop()
	Fini()
}

// Config assembles an engine.
type Config struct {
	Graph     *core.BehaviourGraph
	Knowledge map[string]any
	Registry  activity.ExtensionResolver
	Timers    core.TimerService
	Store     store.Store
	Logger    *logging.SessionLogger

	// AutoPurgeIdleUsers enables the hourly idle session sweep.
	AutoPurgeIdleUsers bool
}

// Engine is the session registry. Locking discipline: the engine lock guards
// only the registry and graph slots and is never held across a call into a
// session manager, since managers call back into the engine while holding
// their own lock.
type Engine struct {
	mu      sync.Mutex
	members map[string]*activity.Manager

	graph     *core.BehaviourGraph
	knowledge map[string]any

	pendingGraph *core.BehaviourGraph
	pendingDrain int

	registry activity.ExtensionResolver
	timers   core.TimerService
	store    store.Store
	logger   *logging.SessionLogger

	purgeTimerID string
	services     []RemoteService
}

// New builds an engine around a validated behaviour graph.
func New(cfg Config) (*Engine, error) {
	if cfg.Graph == nil {
		return nil, fmt.Errorf("%w: engine requires a behaviour graph", core.ErrScript)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(nil)
	}
	logger = logger.WithComponent("engine")

	knowledge := cfg.Knowledge
	if knowledge == nil {
		knowledge = map[string]any{}
	}

	e := &Engine{
		members:   map[string]*activity.Manager{},
		graph:     cfg.Graph,
		knowledge: knowledge,
		registry:  cfg.Registry,
		timers:    cfg.Timers,
		store:     cfg.Store,
		logger:    logger,
	}
	if cfg.AutoPurgeIdleUsers && cfg.Timers != nil {
		e.purgeTimerID = cfg.Timers.AddTimer(e, idlePurgePeriod, idlePurgePeriod, -1)
	}
	return e, nil
}

// HandleEvent routes one workflow event: an activity id continues the
// matching turn, anything else opens a new one. A session that is still
// inside a user interaction answers busy.
func (e *Engine) HandleEvent(ev Event) *core.Response {
	if ev.UID == "" {
		return core.NewResponse(400, map[string]any{"message": "missing uid."})
	}

	member, err := e.member(ev.UID, ev.Name)
	if err != nil {
		e.logger.Error("unable to create session", "uid", ev.UID, "error", err)
		return core.NewResponse(500, map[string]any{"message": "unable to create a session."})
	}

	var accepted bool
	if ev.ActivityID != "" {
		accepted = member.ContinueWorkflow(ev.ActivityID, ev.Data)
	} else {
		accepted = member.StartUserWorkflow(ev.SessionID, ev.Data)
	}
	if !accepted {
		return core.NewResponse(429, map[string]any{"message": "System is busy, please try later."})
	}

	resp := member.GetResponse()
	if resp == nil {
		return core.NewResponse(406, map[string]any{"message": "I'm unable to process your question."})
	}
	return resp
}

// member returns the session for uid, creating and initializing it on first
// contact. New sessions start on the staged graph when a reload is draining.
func (e *Engine) member(uid, userName string) (*activity.Manager, error) {
	e.mu.Lock()
	if m, ok := e.members[uid]; ok {
		e.mu.Unlock()
		return m, nil
	}

	graph := e.graph
	if e.pendingGraph != nil {
		graph = e.pendingGraph
	}
	m, err := activity.NewManager(activity.Config{
		UID:       uid,
		UserName:  userName,
		Graph:     graph,
		Knowledge: e.knowledge,
		Registry:  e.registry,
		Timers:    e.timers,
		Logger:    e.logger,
	})
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.members[uid] = m
	e.mu.Unlock()

	m.Init()
	return m, nil
}

// HandleRemoteEvent routes an event arriving through a remote messenger
// rather than the HTTP surface. The sink receives everything the session
// emits for this conversation; the turn token is minted by the messenger.
// First contact opens the session with a user engagement instead of a
// workflow turn.
func (e *Engine) HandleRemoteEvent(uid, userName, turnContext string, data map[string]any, sink core.ResponseSink) error {
	e.mu.Lock()
	existing, ok := e.members[uid]
	e.mu.Unlock()

	if ok {
		existing.SetRemoteSink(sink)
		existing.UpdateTurnContext(turnContext, &core.UserMessage{
			UID:        uid,
			ActivityID: turnContext,
			Data:       data,
		})
		return nil
	}

	member, err := e.member(uid, userName)
	if err != nil {
		return err
	}
	member.SetRemoteSink(sink)
	member.StartUserEngagement(turnContext, data)
	return nil
}

// GetMember returns the session for uid, if one exists.
func (e *Engine) GetMember(uid string) (*activity.Manager, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.members[uid]
	return m, ok
}

// MemberCount reports the number of live sessions.
func (e *Engine) MemberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.members)
}

// ExecuteBehaviourForUID jumps an existing session to the named behaviour
// with extra knowledge merged in.
func (e *Engine) ExecuteBehaviourForUID(uid, behaviour string, knowledge map[string]any) error {
	m, ok := e.GetMember(uid)
	if !ok {
		return fmt.Errorf("unable to find uid %s for behaviour execution", uid)
	}
	m.ExecuteBehaviour(behaviour, knowledge)
	return nil
}

// CodeUpdate replaces the behaviour graph from an uploaded script, purging
// every live session. Development tooling path.
func (e *Engine) CodeUpdate(jsonCode []byte) *core.Response {
	graph, err := core.ParseBehaviourGraph(jsonCode)
	if err != nil {
		e.logger.Error("cannot load code update", "error", err)
		return core.NewResponse(400, map[string]any{"message": "unable to load code updates."})
	}

	e.logger.Info("code update received, purging all existing users")
	e.mu.Lock()
	purged := make([]*activity.Manager, 0, len(e.members))
	for _, m := range e.members {
		purged = append(purged, m)
	}
	e.members = map[string]*activity.Manager{}
	e.graph = graph
	e.pendingGraph = nil
	e.pendingDrain = 0
	e.mu.Unlock()

	for _, m := range purged {
		m.Fini()
	}
	return core.NewResponse(200, nil)
}

// ReloadBehaviours fetches a fresh graph from the store and stages it for
// every live session, swapping the engine default once all of them have
// drained into it. With no live sessions the swap is immediate. The return
// value is the operator reply.
func (e *Engine) ReloadBehaviours(ctx context.Context, name string) string {
	if e.store == nil {
		e.logger.Error("behaviour reload requested without a store")
		return ReloadCorrupt
	}
	graph, err := e.store.LoadGraph(ctx, name)
	if err != nil {
		e.logger.Error("behaviour reload failed", "name", name, "error", err)
		return ReloadCorrupt
	}
	knowledge, err := e.store.LoadKnowledge(ctx, name)
	if err != nil {
		e.logger.Warn("no fresh knowledge for reloaded behaviours", "name", name, "error", err)
		knowledge = nil
	}
	e.StageGraph(graph, knowledge)
	return ReloadOK
}

// StageGraph installs a replacement graph: immediately when the engine has
// no sessions, otherwise as a pending graph each session swaps in at its
// next turn boundary.
func (e *Engine) StageGraph(graph *core.BehaviourGraph, knowledge map[string]any) {
	e.mu.Lock()
	for k, v := range knowledge {
		e.knowledge[k] = v
	}
	drain := make([]*activity.Manager, 0, len(e.members))
	for _, m := range e.members {
		drain = append(drain, m)
	}
	if len(drain) == 0 {
		e.graph = graph
		e.pendingGraph = nil
		e.pendingDrain = 0
		e.mu.Unlock()
		e.logger.Info("behaviour graph swapped with no live sessions")
		return
	}
	e.pendingGraph = graph
	e.pendingDrain = len(drain)
	// snapshot under the lock: sessions merge this at their own turn
	// boundary, concurrently with later stagings writing e.knowledge
	baseKnowledge, _ := core.DeepCopy(e.knowledge).(map[string]any)
	e.mu.Unlock()

	for _, m := range drain {
		m.SetPendingGraph(graph, baseKnowledge, e.onPendingLoadComplete)
	}
	e.logger.Info("behaviour graph staged", "draining_sessions", len(drain))
}

// onPendingLoadComplete is called by a session, with its own lock held, once
// it has swapped to the staged graph.
func (e *Engine) onPendingLoadComplete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pendingDrain == 0 {
		return
	}
	e.pendingDrain--
	if e.pendingDrain == 0 && e.pendingGraph != nil {
		e.logger.Info("pending behaviours are fully loaded by members")
		e.graph = e.pendingGraph
		e.pendingGraph = nil
	}
}

// OnTimer implements core.TimerClient for the idle purge sweep.
func (e *Engine) OnTimer(id string) {
	if id == e.purgeTimerID {
		e.logger.Info("checking current online users, purging idle sessions")
		e.PurgeIdleMembers()
	}
}

// OnTimerLapsed implements core.TimerClient.
func (e *Engine) OnTimerLapsed(string) {}

// PurgeIdleMembers tears down sessions idle past the threshold.
func (e *Engine) PurgeIdleMembers() {
	e.mu.Lock()
	candidates := make(map[string]*activity.Manager, len(e.members))
	for uid, m := range e.members {
		candidates[uid] = m
	}
	e.mu.Unlock()

	idle := make([]string, 0)
	for uid, m := range candidates {
		if m.IdleTime() > idleThreshold {
			idle = append(idle, uid)
		}
	}
	if len(idle) == 0 {
		return
	}

	e.mu.Lock()
	purged := make([]*activity.Manager, 0, len(idle))
	for _, uid := range idle {
		if m, ok := e.members[uid]; ok {
			purged = append(purged, m)
			delete(e.members, uid)
		}
	}
	e.mu.Unlock()

	for _, m := range purged {
		m.Fini()
	}
	e.logger.Info("idle sessions purged", "count", len(purged))
}

// RegisterService offers a remote service to the engine; services that fail
// to initialise are skipped.
func (e *Engine) RegisterService(s RemoteService) {
	if !s.Init() {
		e.logger.Warn("remote service declined to initialise", "service", s.Name())
		return
	}
	e.mu.Lock()
	e.services = append(e.services, s)
	e.mu.Unlock()
	e.logger.Info("remote service initialised", "service", s.Name())
}

// StartServices starts every registered remote service.
func (e *Engine) StartServices() {
	e.mu.Lock()
	services := append([]RemoteService(nil), e.services...)
	e.mu.Unlock()
	for _, s := range services {
		s.Start()
	}
}

// Shutdown stops remote services and tears down every session.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	services := e.services
	e.services = nil
	members := e.members
	e.members = map[string]*activity.Manager{}
	if e.purgeTimerID != "" && e.timers != nil {
		e.timers.RemoveTimer(e.purgeTimerID)
		e.purgeTimerID = ""
	}
	e.mu.Unlock()

	for _, s := range services {
		s.Stop()
		s.Fini()
	}
	for _, m := range members {
		m.Fini()
	}
	e.logger.Info("engine shut down")
}
