package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cadreworks/cadre/internal/alerts"
	"github.com/cadreworks/cadre/internal/audit"
	"github.com/cadreworks/cadre/internal/metrics"
)

// Team lifecycle errors
var (
	ErrTeamRunning   = errors.New("team already running")
	ErrTeamNotPaused = errors.New("team is not paused")
	ErrTaskTerminal  = errors.New("task already finished")
	ErrTooManyAgents = errors.New("blueprint exceeds the agent cap")
)

// TeamConfig composes the per-subsystem tuning for one team
type TeamConfig struct {
	HeartbeatInterval time.Duration        `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	MaxAgents         int                  `json:"max_agents" yaml:"max_agents"`
	Bus               BusConfig            `json:"bus" yaml:"bus"`
	Blackboard        BlackboardConfig     `json:"blackboard" yaml:"blackboard"`
	Decision          DecisionConfig       `json:"decision" yaml:"decision"`
	Accountability    AccountabilityConfig `json:"accountability" yaml:"accountability"`
	Election          ElectionConfig       `json:"election" yaml:"election"`
	Recovery          RecoveryConfig       `json:"recovery" yaml:"recovery"`
}

// DefaultTeamConfig returns the default tuning for every subsystem
func DefaultTeamConfig() TeamConfig {
	return TeamConfig{
		HeartbeatInterval: 4 * time.Second,
		MaxAgents:         50,
		Bus:               DefaultBusConfig(),
		Blackboard:        DefaultBlackboardConfig(),
		Decision:          DefaultDecisionConfig(),
		Accountability:    DefaultAccountabilityConfig(),
		Election:          DefaultElectionConfig(),
		Recovery:          DefaultRecoveryConfig(),
	}
}

// Behaviors injects the domain logic each layer runs. Nil fields fall
// back to the built-in defaults (echo executor, single-subtask
// decomposer, approving reviewer, first-party arbitrator).
type Behaviors struct {
	Executor   Executor
	Decomposer Decomposer
	Reviewer   Reviewer
	Arbitrator Arbitrator
}

type structuralKind string

const (
	structuralReplace structuralKind = "replace"
	structuralDemote  structuralKind = "demote"
	structuralPromote structuralKind = "promote"
)

type structuralRequest struct {
	kind    structuralKind
	agentID string
	reason  string
}

var activeTeams atomic.Int64

// Team assembles and runs one task's agents: the clock, bus, blackboard,
// decision engine, accountability, election, and recovery around a
// blueprint-built roster. It implements Roster for the subsystems that
// resolve agents and LifecycleActions for the governance engines that
// request structural changes. Structural changes are queued and applied
// by the team's own tick listener, which runs after every other
// listener, so the roster never mutates under an in-flight tick.
type Team struct {
	task      *Task
	blueprint *Blueprint
	config    TeamConfig
	behaviors Behaviors
	stores    Stores

	clock    *Clock
	bus      *Bus
	board    *Blackboard
	engine   *Engine
	account  *Accountability
	election *Election
	recovery *Recovery
	monitor  *ExecutionMonitor
	pending  *PendingRequests
	events   *Emitter
	auditor  *audit.Logger

	log zerolog.Logger

	mu        sync.Mutex
	agents    map[string]*Agent
	runtimes  map[string]*Runtime
	order     []string
	specs     map[string]RoleSpec
	requests  []structuralRequest
	dirty     map[string]struct{}
	dissolved bool
}

// NewTeam builds a team for the task from a validated blueprint. Nothing
// runs until Start.
func NewTeam(task *Task, bp *Blueprint, config TeamConfig, behaviors Behaviors, stores Stores) (*Team, error) {
	if task == nil {
		return nil, fmt.Errorf("task is required")
	}
	if bp == nil {
		return nil, fmt.Errorf("blueprint is required")
	}
	if err := bp.Validate(); err != nil {
		return nil, fmt.Errorf("blueprint rejected: %w", err)
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultTeamConfig().HeartbeatInterval
	}
	if config.MaxAgents <= 0 {
		config.MaxAgents = DefaultTeamConfig().MaxAgents
	}
	if total := len(bp.Top) + len(bp.Mid) + len(bp.Bottom); total > config.MaxAgents {
		return nil, fmt.Errorf("%w: %d roles, cap %d", ErrTooManyAgents, total, config.MaxAgents)
	}

	t := &Team{
		task:      task,
		blueprint: bp,
		config:    config,
		behaviors: behaviors,
		stores:    stores,
		events:    NewEmitter(),
		monitor:   NewExecutionMonitor(),
		log:       log.With().Str("component", "team").Str("task_id", task.ID).Logger(),
		agents:    make(map[string]*Agent),
		runtimes:  make(map[string]*Runtime),
		specs:     make(map[string]RoleSpec),
		dirty:     make(map[string]struct{}),
	}
	t.pending = NewPendingRequests(t.monitor)
	t.auditor = audit.NewLogger(stores.Audits, true)
	t.clock = NewClock(config.HeartbeatInterval)
	t.bus = NewBus(task.ID, config.Bus, stores.Messages, t.events)

	boardStore := stores.Board
	if boardStore == nil {
		boardStore = NewMemoryDocStore()
	}
	t.board = NewBlackboard(task.ID, config.Blackboard, boardStore, t, t.events)

	t.engine = NewEngine(task.ID, config.Decision, t.bus, stores.Decisions, stores.Appeals, t.auditor, t.monitor, t.events, t)
	t.recovery = NewRecovery(config.Recovery)
	t.account = NewAccountability(task.ID, config.Accountability, t.bus, t.auditor, t, t)
	t.election = NewElection(task.ID, config.Election, t, t.account, t, t.auditor, t.bus, stores.Elections, t.events)

	if err := t.assemble(); err != nil {
		return nil, err
	}

	t.events.On(EventElectionCompleted, func(Event) { t.markAllDirty() })
	return t, nil
}

// assemble instantiates agents from the blueprint and wires the
// supervisor graph: mids round-robin across tops, bottoms to the mid
// whose domain prefixes their name, else the first mid.
func (t *Team) assemble() error {
	var tops, mids []*Agent
	for _, spec := range t.blueprint.Top {
		tops = append(tops, t.admit(spec, LayerTop, spec.Name))
	}
	for i, spec := range t.blueprint.Mid {
		mid := t.admit(spec, LayerMid, spec.Name)
		t.link(tops[i%len(tops)], mid)
		mids = append(mids, mid)
	}
	for _, spec := range t.blueprint.Bottom {
		bottom := t.admit(spec, LayerBottom, spec.Name)
		t.link(t.midForName(mids, spec.Name), bottom)
	}
	return nil
}

// admit builds one agent and its runtime from a role spec and registers
// both with the team
func (t *Team) admit(spec RoleSpec, layer Layer, id string) *Agent {
	agent := NewAgent(id, spec.Name, spec.Role, layer)
	agent.Config = spec.agentConfig()
	for _, c := range spec.Capabilities {
		agent.Capabilities = append(agent.Capabilities, Capability(c))
	}

	switch layer {
	case LayerTop:
		authority := make([]DecisionType, 0, len(spec.SignatureAuthority))
		for _, raw := range spec.SignatureAuthority {
			authority = append(authority, DecisionType(raw))
		}
		weight := spec.VoteWeight
		if weight <= 0 {
			weight = 1
		}
		agent.Top = &TopProfile{
			Power:              PowerKind(spec.Power),
			VoteWeight:         weight,
			SignatureAuthority: authority,
		}
	case LayerMid:
		agent.Mid = &MidProfile{
			Domain:          spec.Domain,
			MaxSubordinates: spec.MaxSubordinates,
		}
	case LayerBottom:
		agent.Bottom = &BottomProfile{Tools: append([]string(nil), spec.Tools...)}
	}

	rt := NewRuntime(t.task.ID, agent, t.behaviorFor(agent), t.bus, t.board, t.recovery, t.pending, t)

	t.mu.Lock()
	t.agents[agent.ID] = agent
	t.runtimes[agent.ID] = rt
	t.order = append(t.order, agent.ID)
	t.specs[agent.ID] = spec
	t.mu.Unlock()

	agent.OnStateChange(func(agentID string, _, _ State, _ string) {
		t.markDirty(agentID)
	})
	return agent
}

// behaviorFor builds the layer behavior for one agent. Behaviors hold
// per-agent state, so every agent gets its own instance.
func (t *Team) behaviorFor(agent *Agent) Behavior {
	switch agent.Layer {
	case LayerTop:
		return NewTopBehavior(t.engine, t.behaviors.Reviewer, t.behaviors.Arbitrator)
	case LayerMid:
		return NewMidBehavior(t.behaviors.Decomposer, t.account)
	default:
		return NewBottomBehavior(t.behaviors.Executor)
	}
}

// link wires a supervisor/subordinate pair in both directions
func (t *Team) link(supervisor, subordinate *Agent) {
	subordinate.SetSupervisor(supervisor.ID)
	supervisor.AddSubordinate(subordinate.ID)
}

// midForName picks the mid whose domain prefixes the bottom agent's
// name, falling back to the first mid
func (t *Team) midForName(mids []*Agent, name string) *Agent {
	for _, mid := range mids {
		if mid.Mid != nil && mid.Mid.Domain != "" && strings.HasPrefix(name, mid.Mid.Domain) {
			return mid
		}
	}
	return mids[0]
}

// Start initializes every agent in registration order, registers the
// tick listeners with the bus first, and starts the clock. A failed
// agent init aborts the start and fails the task.
func (t *Team) Start(ctx context.Context) error {
	if t.clock.IsRunning() {
		return ErrTeamRunning
	}
	if t.task.Status.Terminal() {
		return ErrTaskTerminal
	}

	t.log.Info().
		Str("blueprint", t.blueprint.Name).
		Int("agents", len(t.order)).
		Msg("Starting team")

	// The task row must exist before dependent rows (messages, audits)
	// reference it; agent init already sends registration traffic.
	t.persistTask(ctx)

	var inited []*Runtime
	for _, id := range t.snapshotOrder() {
		rt := t.runtime(id)
		if rt == nil {
			continue
		}
		if err := rt.Init(ctx); err != nil {
			for _, prev := range inited {
				_ = prev.Shutdown(ctx)
			}
			t.finishTask(ctx, TaskFailed)
			return fmt.Errorf("failed to initialize agent %s: %w", id, err)
		}
		inited = append(inited, rt)
	}

	t.clock.RegisterListener("bus", t.bus.OnTick)
	for _, id := range t.snapshotOrder() {
		rt := t.runtime(id)
		if rt == nil {
			continue
		}
		t.clock.RegisterListener(id, rt.OnTick)
	}
	t.clock.RegisterListener("election", t.election.OnTick)
	t.clock.RegisterListener("team", t.OnTick)

	t.setTaskStatus(ctx, TaskRunning)
	t.persistAgents(ctx)

	if err := t.clock.Start(); err != nil {
		return err
	}
	metrics.SetTeamsActive(int(activeTeams.Add(1)))
	return nil
}

// Pause suspends agent processing without stopping the clock, so
// liveness tracking and the decision timers stay warm. Paused agents
// keep acknowledging heartbeats but run no behavior.
func (t *Team) Pause(ctx context.Context) error {
	if t.task.Status != TaskRunning {
		return fmt.Errorf("cannot pause task in status %s", t.task.Status)
	}
	t.eachRuntime(func(rt *Runtime) { rt.SetPaused(true) })
	t.setTaskStatus(ctx, TaskPaused)
	t.log.Info().Msg("Team paused")
	return nil
}

// Resume lifts a pause
func (t *Team) Resume(ctx context.Context) error {
	if t.task.Status != TaskPaused {
		return ErrTeamNotPaused
	}
	t.eachRuntime(func(rt *Runtime) { rt.SetPaused(false) })
	t.setTaskStatus(ctx, TaskRunning)
	t.log.Info().Msg("Team resumed")
	return nil
}

// Complete finishes the task successfully and dissolves the team. The
// outcome travels on the task status event for external observers.
func (t *Team) Complete(ctx context.Context, outcome string) error {
	if t.task.Status.Terminal() {
		return ErrTaskTerminal
	}
	t.log.Info().Str("outcome", outcome).Msg("Task completed")
	t.finishTask(ctx, TaskCompleted, "outcome", outcome)
	return t.Dissolve(ctx)
}

// Cancel aborts the task and dissolves the team
func (t *Team) Cancel(ctx context.Context, reason string) error {
	if t.task.Status.Terminal() {
		return ErrTaskTerminal
	}
	t.log.Warn().Str("reason", reason).Msg("Task cancelled")
	t.finishTask(ctx, TaskCancelled, "reason", reason)
	return t.Dissolve(ctx)
}

// Fail marks the task failed and dissolves the team
func (t *Team) Fail(ctx context.Context, reason string) error {
	if t.task.Status.Terminal() {
		return ErrTaskTerminal
	}
	t.log.Error().Str("reason", reason).Msg("Task failed")
	alerts.AlertTeamFailed(ctx, t.task.ID, reason)
	t.finishTask(ctx, TaskFailed, "reason", reason)
	return t.Dissolve(ctx)
}

// Dissolve stops the clock, disarms every monitor watch, and shuts the
// agents down in parallel, waiting for each. Safe to call once; later
// calls are no-ops.
func (t *Team) Dissolve(ctx context.Context) error {
	t.mu.Lock()
	if t.dissolved {
		t.mu.Unlock()
		return nil
	}
	t.dissolved = true
	t.mu.Unlock()

	t.clock.Stop()
	t.monitor.CancelAll()

	var g errgroup.Group
	for _, id := range t.snapshotOrder() {
		rt := t.runtime(id)
		if rt == nil || rt.Agent().State() == StateTerminated {
			continue
		}
		g.Go(func() error {
			if err := rt.Shutdown(ctx); err != nil {
				return fmt.Errorf("failed to shut down agent %s: %w", rt.Agent().ID, err)
			}
			return nil
		})
	}
	err := g.Wait()

	t.persistAgents(ctx)
	metrics.SetTeamsActive(int(activeTeams.Add(-1)))
	t.log.Info().Int64("final_tick", t.clock.CurrentTick()).Msg("Team dissolved")
	return err
}

// Replace swaps an agent for a fresh instance of the same role. The
// operator-facing entry; dismissals arrive through RequestReplacement.
func (t *Team) Replace(ctx context.Context, agentID, reason string) error {
	t.mu.Lock()
	_, ok := t.agents[agentID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	return t.replaceAgent(ctx, agentID, reason)
}

// OnTick applies queued structural changes and flushes dirty agent
// snapshots. Registered after every other listener so the roster only
// mutates between complete passes.
func (t *Team) OnTick(tick int64) error {
	t.mu.Lock()
	requests := t.requests
	t.requests = nil
	t.mu.Unlock()

	if len(requests) == 0 {
		t.flushDirty()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, req := range requests {
		var err error
		switch req.kind {
		case structuralReplace:
			err = t.replaceAgent(ctx, req.agentID, req.reason)
		case structuralDemote:
			err = t.demoteAgent(ctx, req.agentID, req.reason)
		case structuralPromote:
			err = t.promoteAgent(ctx, req.agentID, req.reason)
		}
		if err != nil {
			t.log.Error().Err(err).
				Str("kind", string(req.kind)).
				Str("agent_id", req.agentID).
				Int64("tick", tick).
				Msg("Structural change failed")
		}
	}
	t.flushDirty()
	return nil
}

// RequestReplacement queues a replacement for the next lifecycle pass
func (t *Team) RequestReplacement(agentID, reason string) {
	t.enqueue(structuralRequest{kind: structuralReplace, agentID: agentID, reason: reason})
}

// RequestDemotion queues a layer demotion for the next lifecycle pass
func (t *Team) RequestDemotion(agentID, reason string) {
	t.enqueue(structuralRequest{kind: structuralDemote, agentID: agentID, reason: reason})
}

// RequestPromotion queues a layer promotion for the next lifecycle pass
func (t *Team) RequestPromotion(agentID, reason string) {
	t.enqueue(structuralRequest{kind: structuralPromote, agentID: agentID, reason: reason})
}

func (t *Team) enqueue(req structuralRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dissolved {
		return
	}
	t.requests = append(t.requests, req)
	t.log.Debug().
		Str("kind", string(req.kind)).
		Str("agent_id", req.agentID).
		Str("reason", req.reason).
		Msg("Structural change queued")
}

// replaceAgent retires the old instance and admits a fresh one under a
// new id with the same role spec. The replacement inherits the
// supervisor link and the subordinates; it starts idle with empty
// metrics.
func (t *Team) replaceAgent(ctx context.Context, agentID, reason string) error {
	t.mu.Lock()
	old, ok := t.agents[agentID]
	spec, hasSpec := t.specs[agentID]
	rt := t.runtimes[agentID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	if !hasSpec {
		return fmt.Errorf("no role spec recorded for agent %s", agentID)
	}

	if old.State() != StateTerminated && rt != nil {
		if err := rt.Shutdown(ctx); err != nil {
			t.log.Warn().Err(err).Str("agent_id", agentID).Msg("Shutdown before replacement failed")
		}
	}

	replacement := t.admit(spec, old.Layer, instanceID(spec.Name))

	if supervisorID := old.Supervisor(); supervisorID != "" {
		if supervisor, ok := t.Lookup(supervisorID); ok {
			supervisor.RemoveSubordinate(old.ID)
			t.link(supervisor, replacement)
		}
	}
	subordinates := old.Subordinates()
	replacement.SetSubordinates(subordinates)
	for _, subID := range subordinates {
		if sub, ok := t.Lookup(subID); ok {
			sub.SetSupervisor(replacement.ID)
		}
	}
	old.SetSubordinates(nil)

	// TODO: transfer the old agent's in-flight assignment instead of
	// relying on the supervisor to re-dispatch after the reject/timeout
	newRt := t.runtime(replacement.ID)
	if err := newRt.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize replacement for %s: %w", agentID, err)
	}
	t.clock.RegisterListener(replacement.ID, newRt.OnTick)
	t.markDirty(old.ID)
	t.markDirty(replacement.ID)

	t.log.Info().
		Str("old_agent_id", old.ID).
		Str("new_agent_id", replacement.ID).
		Str("reason", reason).
		Msg("Agent replaced")
	t.events.Emit(Event{
		Kind:   EventAgentReplaced,
		TaskID: t.task.ID,
		Tick:   t.clock.CurrentTick(),
		Payload: map[string]interface{}{
			"old_agent_id": old.ID,
			"new_agent_id": replacement.ID,
			"layer":        string(old.Layer),
			"reason":       reason,
		},
	})
	return nil
}

// demoteAgent moves a mid agent down to the bottom layer: the mid
// instance retires, its subordinates are rehomed across the remaining
// mids, and a fresh bottom instance joins under the best-matching mid.
// Refused when the mid layer is at its minimum size.
func (t *Team) demoteAgent(ctx context.Context, agentID, reason string) error {
	t.mu.Lock()
	old, ok := t.agents[agentID]
	spec := t.specs[agentID]
	rt := t.runtimes[agentID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	if old.Layer != LayerMid {
		return fmt.Errorf("cannot demote %s agent %s", old.Layer, agentID)
	}
	if len(t.liveInLayer(LayerMid, agentID)) < MinMidRoles {
		return fmt.Errorf("demotion of %s refused: mid layer at minimum size", agentID)
	}

	if old.State() != StateTerminated && rt != nil {
		if err := rt.Shutdown(ctx); err != nil {
			t.log.Warn().Err(err).Str("agent_id", agentID).Msg("Shutdown before demotion failed")
		}
	}
	if supervisor, ok := t.Lookup(old.Supervisor()); ok {
		supervisor.RemoveSubordinate(old.ID)
	}

	mids := t.liveInLayer(LayerMid, agentID)
	for _, subID := range old.Subordinates() {
		sub, ok := t.Lookup(subID)
		if !ok {
			continue
		}
		newMid := t.midForName(mids, sub.Name)
		t.link(newMid, sub)
	}
	old.SetSubordinates(nil)

	demotedSpec := RoleSpec{
		Name:         spec.Name,
		Role:         spec.Role,
		Capabilities: []string{string(CapExecute)},
		Tools:        []string{"general"},
		MaxRetries:   spec.MaxRetries,
		TimeoutMS:    spec.TimeoutMS,
	}
	demoted := t.admit(demotedSpec, LayerBottom, instanceID(spec.Name))
	t.link(t.midForName(mids, demoted.Name), demoted)

	newRt := t.runtime(demoted.ID)
	if err := newRt.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize demoted agent %s: %w", demoted.ID, err)
	}
	t.clock.RegisterListener(demoted.ID, newRt.OnTick)
	t.markDirty(old.ID)
	t.markDirty(demoted.ID)

	t.log.Warn().
		Str("old_agent_id", old.ID).
		Str("new_agent_id", demoted.ID).
		Str("reason", reason).
		Msg("Agent demoted to bottom layer")
	return nil
}

// promoteAgent moves a bottom agent up to the mid layer: the bottom
// instance retires and a fresh mid instance joins with its own domain
// and no subordinates. Refused when the mid layer is at its maximum.
func (t *Team) promoteAgent(ctx context.Context, agentID, reason string) error {
	t.mu.Lock()
	old, ok := t.agents[agentID]
	spec := t.specs[agentID]
	rt := t.runtimes[agentID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	if old.Layer != LayerBottom {
		return fmt.Errorf("cannot promote %s agent %s", old.Layer, agentID)
	}
	if len(t.liveInLayer(LayerMid, "")) >= MaxMidRoles {
		return fmt.Errorf("promotion of %s refused: mid layer at maximum size", agentID)
	}

	if old.State() != StateTerminated && rt != nil {
		if err := rt.Shutdown(ctx); err != nil {
			t.log.Warn().Err(err).Str("agent_id", agentID).Msg("Shutdown before promotion failed")
		}
	}
	if supervisor, ok := t.Lookup(old.Supervisor()); ok {
		supervisor.RemoveSubordinate(old.ID)
	}

	// The promoted agent's domain is its former name, which is unique
	// by admission and keeps any same-prefixed workers matchable to it
	promotedSpec := RoleSpec{
		Name:         spec.Name,
		Role:         spec.Role,
		Capabilities: []string{string(CapDelegate), string(CapCoordinate)},
		Domain:       spec.Name,
		MaxRetries:   spec.MaxRetries,
		TimeoutMS:    spec.TimeoutMS,
	}
	promoted := t.admit(promotedSpec, LayerMid, instanceID(spec.Name))

	tops := t.liveInLayer(LayerTop, "")
	if len(tops) == 0 {
		return fmt.Errorf("promotion of %s failed: no live top agents", agentID)
	}
	t.link(tops[len(t.liveInLayer(LayerMid, promoted.ID))%len(tops)], promoted)

	newRt := t.runtime(promoted.ID)
	if err := newRt.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize promoted agent %s: %w", promoted.ID, err)
	}
	t.clock.RegisterListener(promoted.ID, newRt.OnTick)
	t.markDirty(old.ID)
	t.markDirty(promoted.ID)

	t.log.Info().
		Str("old_agent_id", old.ID).
		Str("new_agent_id", promoted.ID).
		Str("domain", promotedSpec.Domain).
		Str("reason", reason).
		Msg("Agent promoted to mid layer")
	return nil
}

// Lookup resolves an agent by id
func (t *Team) Lookup(agentID string) (*Agent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	agent, ok := t.agents[agentID]
	return agent, ok
}

// AgentsInLayer returns every agent admitted to the layer, including
// terminated instances, in registration order. Callers that need live
// agents filter on state.
func (t *Team) AgentsInLayer(layer Layer) []*Agent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Agent
	for _, id := range t.order {
		if agent := t.agents[id]; agent != nil && agent.Layer == layer {
			out = append(out, agent)
		}
	}
	return out
}

// liveInLayer returns non-terminated agents in the layer, excluding one id
func (t *Team) liveInLayer(layer Layer, exclude string) []*Agent {
	var out []*Agent
	for _, agent := range t.AgentsInLayer(layer) {
		if agent.ID == exclude || agent.State() == StateTerminated {
			continue
		}
		out = append(out, agent)
	}
	return out
}

// Task returns a copy of the task record
func (t *Team) Task() Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.task
}

// Clock exposes the team's heartbeat clock
func (t *Team) Clock() *Clock { return t.clock }

// Bus exposes the team's message bus
func (t *Team) Bus() *Bus { return t.bus }

// Board exposes the team's blackboard
func (t *Team) Board() *Blackboard { return t.board }

// Engine exposes the team's decision engine
func (t *Team) Engine() *Engine { return t.engine }

// Events exposes the team's kernel event emitter
func (t *Team) Events() *Emitter { return t.events }

// Auditor exposes the team's audit logger
func (t *Team) Auditor() *audit.Logger { return t.auditor }

// AgentStatus is one roster row in a team status snapshot
type AgentStatus struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Layer      Layer  `json:"layer"`
	State      State  `json:"state"`
	Supervisor string `json:"supervisor,omitempty"`
	Score      int    `json:"performance_score"`
	Warnings   int    `json:"warnings"`
	Completed  int    `json:"tasks_completed"`
	Failed     int    `json:"tasks_failed"`
	QueueDepth int    `json:"queue_depth"`
}

// TeamStatus is a point-in-time operator snapshot
type TeamStatus struct {
	Task    Task          `json:"task"`
	Tick    int64         `json:"tick"`
	Running bool          `json:"running"`
	Agents  []AgentStatus `json:"agents"`
	Bus     BusStats      `json:"bus"`
}

// Status assembles an operator snapshot of the task, tick, roster, and
// bus counters
func (t *Team) Status() TeamStatus {
	status := TeamStatus{
		Task:    t.Task(),
		Tick:    t.clock.CurrentTick(),
		Running: t.clock.IsRunning(),
		Bus:     t.bus.Stats(),
	}
	for _, id := range t.snapshotOrder() {
		agent, ok := t.Lookup(id)
		if !ok {
			continue
		}
		m := agent.Metrics()
		status.Agents = append(status.Agents, AgentStatus{
			ID:         agent.ID,
			Name:       agent.Name,
			Layer:      agent.Layer,
			State:      agent.State(),
			Supervisor: agent.Supervisor(),
			Score:      m.PerformanceScore,
			Warnings:   m.WarningsReceived,
			Completed:  m.TasksCompleted,
			Failed:     m.TasksFailed,
			QueueDepth: t.bus.QueueDepth(agent.ID),
		})
	}
	return status
}

// setTaskStatus moves the task to a non-terminal status and persists it
func (t *Team) setTaskStatus(ctx context.Context, status TaskStatus) {
	t.mu.Lock()
	t.task.Status = status
	t.mu.Unlock()
	t.persistTask(ctx)
	t.emitTaskStatus(status, nil)
}

// finishTask stamps a terminal status with optional event detail
func (t *Team) finishTask(ctx context.Context, status TaskStatus, detail ...string) {
	t.mu.Lock()
	t.task.Finish(status)
	t.mu.Unlock()
	t.persistTask(ctx)

	payload := map[string]interface{}{}
	for i := 0; i+1 < len(detail); i += 2 {
		payload[detail[i]] = detail[i+1]
	}
	t.emitTaskStatus(status, payload)
}

func (t *Team) emitTaskStatus(status TaskStatus, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["status"] = string(status)
	t.events.Emit(Event{
		Kind:    EventTaskStatusChanged,
		TaskID:  t.task.ID,
		Tick:    t.clock.CurrentTick(),
		Payload: payload,
	})
}

func (t *Team) persistTask(ctx context.Context) {
	if t.stores.Tasks == nil {
		return
	}
	task := t.Task()
	if err := t.stores.Tasks.SaveTask(ctx, &task); err != nil {
		t.log.Error().Err(err).Msg("Failed to persist task")
		metrics.RecordError("persistence", "team")
	}
}

// persistAgents snapshots the whole roster
func (t *Team) persistAgents(ctx context.Context) {
	if t.stores.Agents == nil {
		return
	}
	for _, id := range t.snapshotOrder() {
		if agent, ok := t.Lookup(id); ok {
			if err := t.stores.Agents.SaveAgent(ctx, t.task.ID, agent); err != nil {
				t.log.Error().Err(err).Str("agent_id", id).Msg("Failed to persist agent")
				metrics.RecordError("persistence", "team")
			}
		}
	}
}

// flushDirty persists agents whose state or scores changed since the
// last pass
func (t *Team) flushDirty() {
	t.mu.Lock()
	if len(t.dirty) == 0 || t.stores.Agents == nil {
		t.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(t.dirty))
	for id := range t.dirty {
		ids = append(ids, id)
	}
	t.dirty = make(map[string]struct{})
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range ids {
		if agent, ok := t.Lookup(id); ok {
			if err := t.stores.Agents.SaveAgent(ctx, t.task.ID, agent); err != nil {
				t.log.Error().Err(err).Str("agent_id", id).Msg("Failed to persist agent")
				metrics.RecordError("persistence", "team")
			}
		}
	}
}

func (t *Team) markDirty(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty[agentID] = struct{}{}
}

func (t *Team) markAllDirty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.order {
		t.dirty[id] = struct{}{}
	}
}

func (t *Team) snapshotOrder() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

func (t *Team) runtime(agentID string) *Runtime {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runtimes[agentID]
}

func (t *Team) eachRuntime(fn func(*Runtime)) {
	for _, id := range t.snapshotOrder() {
		if rt := t.runtime(id); rt != nil {
			fn(rt)
		}
	}
}

// instanceID derives a fresh unique agent id from a role name
func instanceID(name string) string {
	return fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
}
