package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/alerts"
	"github.com/cadreworks/cadre/internal/metrics"
)

// TaskCarrier is implemented by behaviors that hold a transferable unit
// of work. The recovery pipeline uses it to hand the work to a peer.
type TaskCarrier interface {
	CurrentAssignment() *Assignment
	ClearAssignment()
}

// Runtime drives one agent through the per-tick procedure: drain the
// inbox, invoke the layer behavior, record metrics, acknowledge the
// heartbeat, and run the recovery pipeline when the behavior fails.
type Runtime struct {
	taskID   string
	agent    *Agent
	behavior Behavior
	bus      *Bus
	board    *Blackboard
	recovery *Recovery
	pending  *PendingRequests
	roster   Roster
	log      zerolog.Logger

	paused atomic.Bool

	mu         sync.Mutex
	queue      []*Message
	retryAfter time.Time
}

// NewRuntime wires an agent to its behavior and shared services
func NewRuntime(taskID string, agent *Agent, behavior Behavior, bus *Bus, board *Blackboard, recovery *Recovery, pending *PendingRequests, roster Roster) *Runtime {
	return &Runtime{
		taskID:   taskID,
		agent:    agent,
		behavior: behavior,
		bus:      bus,
		board:    board,
		recovery: recovery,
		pending:  pending,
		roster:   roster,
		log: log.With().
			Str("component", "runtime").
			Str("agent_id", agent.ID).
			Str("layer", string(agent.Layer)).
			Logger(),
	}
}

// Agent returns the agent this runtime drives
func (r *Runtime) Agent() *Agent {
	return r.agent
}

// TaskID returns the owning task id
func (r *Runtime) TaskID() string {
	return r.taskID
}

// Roster returns the team roster
func (r *Runtime) Roster() Roster {
	return r.roster
}

// Board returns the shared blackboard
func (r *Runtime) Board() *Blackboard {
	return r.board
}

// Tick returns the bus's current tick
func (r *Runtime) Tick() int64 {
	return r.bus.CurrentTick()
}

// SetPaused short-circuits tick processing without stopping the clock.
// A paused agent still acknowledges heartbeats so the bus keeps it live.
func (r *Runtime) SetPaused(paused bool) {
	r.paused.Store(paused)
}

// Send delivers a message from this agent through the bus
func (r *Runtime) Send(ctx context.Context, recipient string, kind MessageKind, content map[string]interface{}, priority Priority) error {
	msg := NewMessage(r.agent.ID, recipient, r.taskID, kind, content).WithPriority(priority)
	return r.bus.Send(ctx, msg)
}

// Reply delivers a correlated response to an earlier message
func (r *Runtime) Reply(ctx context.Context, to *Message, kind MessageKind, content map[string]interface{}, priority Priority) error {
	msg := NewMessage(r.agent.ID, to.Sender, r.taskID, kind, content).
		WithPriority(priority).
		WithReplyTo(to.ID)
	return r.bus.Send(ctx, msg)
}

// Init registers the agent with the bus, runs the behavior's OnInit, and
// moves the agent from initializing to idle
func (r *Runtime) Init(ctx context.Context) error {
	r.bus.RegisterAgent(r.agent.ID)
	if err := r.behavior.OnInit(ctx, r); err != nil {
		_ = r.agent.Transition(StateFailed, "initialization failed: "+err.Error())
		return fmt.Errorf("agent %s init failed: %w", r.agent.ID, err)
	}
	if err := r.agent.Transition(StateIdle, "initialization complete"); err != nil {
		return err
	}
	_ = r.Send(ctx, RecipientSystem, KindAgentRegister, map[string]interface{}{
		"layer": string(r.agent.Layer),
		"role":  r.agent.Role,
	}, PriorityNormal)
	r.log.Info().Msg("Agent initialized")
	return nil
}

// OnTick runs one tick of the agent. Registered as a clock listener;
// behavior errors are caught here and fed to the recovery pipeline, so
// the clock never sees them.
func (r *Runtime) OnTick(tick int64) error {
	switch r.agent.State() {
	case StateTerminated, StateShuttingDown, StateInitializing:
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.agent.Config.Timeout)
	defer cancel()

	if r.paused.Load() {
		r.sendAck(ctx, tick)
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.RecordAgentProcessing(string(r.agent.Layer), float64(time.Since(start).Milliseconds()))
	}()

	fetched := r.bus.GetMessages(r.agent.ID)
	r.mu.Lock()
	r.queue = append(r.queue, fetched...)
	r.mu.Unlock()

	r.applyControl()

	state := r.agent.State()
	if state == StateFailed || state == StateBlocked {
		// parked until a retry delay elapses, a takeover resolves, or a
		// recovery command arrives
		return nil
	}

	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	if len(batch) > 0 && state == StateIdle {
		_ = r.agent.Transition(StateWorking, "messages pending")
	}

	view := r.board.ViewFor(r.agent.ID)
	if err := r.behavior.OnProcess(ctx, r, batch, view); err != nil {
		r.handleFailure(ctx, err)
		return nil
	}

	r.agent.RecordHeartbeat(len(fetched), tick)
	r.sendAck(ctx, tick)
	if r.agent.State() == StateWorking {
		_ = r.agent.Transition(StateIdle, "tick complete")
	}
	r.agent.ResetRetry()
	return nil
}

// Shutdown walks the agent to terminated through the legal transitions,
// running the behavior's OnShutdown along the way
func (r *Runtime) Shutdown(ctx context.Context) error {
	for i := 0; i < 5 && r.agent.State() != StateShuttingDown; i++ {
		var next State
		switch r.agent.State() {
		case StateTerminated:
			return nil
		case StateInitializing, StateWorking, StateWaitingApproval:
			next = StateIdle
		case StateIdle:
			next = StateShuttingDown
		case StateBlocked, StateFailed:
			next = StateWorking
		}
		if err := r.agent.Transition(next, "shutdown"); err != nil {
			return fmt.Errorf("agent %s shutdown transition failed: %w", r.agent.ID, err)
		}
	}
	if err := r.behavior.OnShutdown(ctx, r); err != nil {
		r.log.Error().Err(err).Msg("Behavior shutdown failed")
	}
	_ = r.Send(ctx, RecipientSystem, KindAgentUnregister, map[string]interface{}{
		"layer": string(r.agent.Layer),
	}, PriorityNormal)
	r.bus.UnregisterAgent(r.agent.ID)
	if err := r.agent.Transition(StateTerminated, "shutdown complete"); err != nil {
		return err
	}
	r.log.Info().Msg("Agent terminated")
	return nil
}

// sendAck reports this tick's heartbeat to the system sink, which also
// refreshes the agent's liveness on the bus
func (r *Runtime) sendAck(ctx context.Context, tick int64) {
	if err := r.Send(ctx, RecipientSystem, KindHeartbeatAck, map[string]interface{}{
		"tick": tick,
	}, PriorityLow); err != nil {
		r.log.Warn().Err(err).Int64("tick", tick).Msg("Heartbeat ack failed")
	}
}

// applyControl consumes runtime-level messages before the behavior sees
// the queue: correlated responses feed pending waiters, recovery
// commands release parked agents, and an elapsed retry delay unparks a
// blocked agent.
func (r *Runtime) applyControl() {
	r.mu.Lock()
	kept := r.queue[:0]
	var commands []*Message
	for _, msg := range r.queue {
		if msg.ReplyTo != "" && r.pending.Resolve(msg.ReplyTo, msg) {
			continue
		}
		if msg.Kind == KindRecoveryCommand {
			commands = append(commands, msg)
			continue
		}
		kept = append(kept, msg)
	}
	r.queue = kept
	retryDue := !r.retryAfter.IsZero() && !time.Now().Before(r.retryAfter)
	if retryDue {
		r.retryAfter = time.Time{}
	}
	r.mu.Unlock()

	for _, cmd := range commands {
		r.applyRecoveryCommand(cmd)
	}
	if retryDue && r.agent.State() == StateBlocked {
		_ = r.agent.Transition(StateWorking, "retry delay elapsed")
	}
}

// applyRecoveryCommand releases a parked agent on supervisor request
func (r *Runtime) applyRecoveryCommand(msg *Message) {
	action, _ := msg.Content["action"].(string)
	switch action {
	case "", "resume", "retry":
		r.agent.ResetRetry()
		r.mu.Lock()
		r.retryAfter = time.Time{}
		r.mu.Unlock()
		switch r.agent.State() {
		case StateFailed, StateBlocked:
			if err := r.agent.Transition(StateWorking, "recovery command from "+msg.Sender); err != nil {
				r.log.Warn().Err(err).Msg("Recovery command transition failed")
			}
		}
	default:
		r.log.Warn().Str("action", action).Str("sender", msg.Sender).Msg("Unknown recovery command")
	}
}

// handleFailure runs the recovery pipeline for one behavior error
func (r *Runtime) handleFailure(ctx context.Context, procErr error) {
	r.agent.RecordMissedHeartbeat()
	attempt := r.agent.IncrementRetry()
	decision := r.recovery.Decide(procErr.Error(), attempt)
	r.log.Warn().
		Err(procErr).
		Int("attempt", attempt).
		Str("severity", string(decision.Severity)).
		Str("action", string(decision.Action)).
		Msg("Agent processing failed")

	switch decision.Action {
	case ActionRetry:
		r.mu.Lock()
		r.retryAfter = time.Now().Add(decision.Delay)
		r.mu.Unlock()
		if r.agent.State() == StateWorking {
			_ = r.agent.Transition(StateBlocked, "retry scheduled")
		}
	case ActionPeerTakeover:
		r.requestTakeover(ctx, decision, procErr)
	case ActionEscalateTop:
		r.escalate(ctx, decision, procErr, r.topRecipients())
		r.markFailed("recovery budget exhausted")
	case ActionEscalateSupervisor:
		r.escalate(ctx, decision, procErr, r.supervisorRecipients())
		r.markFailed("recovery budget exhausted")
	}
}

// requestTakeover asks the first idle same-layer peer to adopt the
// current assignment. The response arrives on a later tick; a timer
// bounds the wait and a declined or expired request falls through to
// supervisor escalation.
func (r *Runtime) requestTakeover(ctx context.Context, decision RecoveryDecision, procErr error) {
	carrier, ok := r.behavior.(TaskCarrier)
	var assignment *Assignment
	if ok {
		assignment = carrier.CurrentAssignment()
	}
	peer := r.idlePeer()
	if assignment == nil || peer == nil {
		r.escalate(ctx, decision, procErr, r.supervisorRecipients())
		r.markFailed("no peer available for takeover")
		return
	}

	content := assignmentContent(assignment)
	content["reason"] = procErr.Error()
	req := NewMessage(r.agent.ID, peer.ID, r.taskID, KindPeerHelpRequest, content).WithPriority(PriorityHigh)
	waiter := r.pending.Await(req.ID, r.agent.Config.Timeout)
	if err := r.bus.Send(ctx, req); err != nil {
		r.pending.Cancel(req.ID)
		r.escalate(ctx, decision, procErr, r.supervisorRecipients())
		r.markFailed("takeover request failed")
		return
	}
	if r.agent.State() == StateWorking {
		_ = r.agent.Transition(StateBlocked, "awaiting peer takeover")
	}
	r.log.Info().Str("peer_id", peer.ID).Str("subtask_id", assignment.SubtaskID).Msg("Peer takeover requested")

	go func() {
		resp := <-waiter
		accepted := false
		if resp != nil {
			accepted, _ = resp.Content["accepted"].(bool)
		}
		bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if accepted {
			carrier.ClearAssignment()
			r.agent.ResetRetry()
			if r.agent.State() == StateBlocked {
				_ = r.agent.Transition(StateWorking, "task transferred to peer")
			}
			r.log.Info().Str("peer_id", peer.ID).Msg("Peer accepted takeover")
			return
		}
		r.log.Warn().Str("peer_id", peer.ID).Msg("Peer takeover declined or timed out")
		r.escalate(bg, decision, procErr, r.supervisorRecipients())
		r.markFailed("peer takeover declined or timed out")
	}()
}

// idlePeer returns the first idle agent in the same layer, or nil
func (r *Runtime) idlePeer() *Agent {
	if r.roster == nil {
		return nil
	}
	for _, peer := range r.roster.AgentsInLayer(r.agent.Layer) {
		if peer.ID == r.agent.ID {
			continue
		}
		if peer.State() == StateIdle {
			return peer
		}
	}
	return nil
}

// escalate reports the exhausted error to each recipient. The in-flight
// subtask id rides along when the behavior carries one, so the
// supervisor can charge the failure to the right assignment.
func (r *Runtime) escalate(ctx context.Context, decision RecoveryDecision, procErr error, recipients []string) {
	alerts.AlertEscalation(ctx, r.taskID, r.agent.ID, string(decision.Severity), procErr)

	priority := PriorityHigh
	if decision.Severity == SeverityCritical {
		priority = PriorityUrgent
	}
	content := map[string]interface{}{
		"error":    procErr.Error(),
		"severity": string(decision.Severity),
		"attempts": decision.Attempt,
		"action":   string(decision.Action),
	}
	if carrier, ok := r.behavior.(TaskCarrier); ok {
		if assignment := carrier.CurrentAssignment(); assignment != nil {
			content["subtask_id"] = assignment.SubtaskID
		}
	}
	for _, recipient := range recipients {
		if err := r.Send(ctx, recipient, KindErrorReport, content, priority); err != nil {
			r.log.Error().Err(err).Str("recipient", recipient).Msg("Escalation send failed")
		}
	}
}

// supervisorRecipients returns the supervisor, falling back to the top
// layer when the agent has none
func (r *Runtime) supervisorRecipients() []string {
	if supervisor := r.agent.Supervisor(); supervisor != "" {
		return []string{supervisor}
	}
	return r.topRecipients()
}

// topRecipients returns every live top-layer agent except self
func (r *Runtime) topRecipients() []string {
	if r.roster == nil {
		return nil
	}
	tops := r.roster.AgentsInLayer(LayerTop)
	ids := make([]string, 0, len(tops))
	for _, top := range tops {
		if top.ID == r.agent.ID || top.State() == StateTerminated {
			continue
		}
		ids = append(ids, top.ID)
	}
	return ids
}

// markFailed walks the agent to failed through the legal transitions
func (r *Runtime) markFailed(reason string) {
	for i := 0; i < 3; i++ {
		switch r.agent.State() {
		case StateFailed, StateTerminated, StateShuttingDown:
			return
		case StateWorking, StateBlocked, StateInitializing:
			_ = r.agent.Transition(StateFailed, reason)
		case StateIdle:
			_ = r.agent.Transition(StateWorking, reason)
		case StateWaitingApproval:
			_ = r.agent.Transition(StateIdle, reason)
		}
	}
}
