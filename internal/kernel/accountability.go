package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/alerts"
	"github.com/cadreworks/cadre/internal/audit"
	"github.com/cadreworks/cadre/internal/metrics"
)

// LifecycleActions is how accountability and elections ask the team
// lifecycle for structural changes. The team implements it; the actual
// agent swaps happen there, not here.
type LifecycleActions interface {
	RequestReplacement(agentID, reason string)
	RequestDemotion(agentID, reason string)
	RequestPromotion(agentID, reason string)
}

// AccountabilityConfig tunes warning escalation
type AccountabilityConfig struct {
	WarningThreshold int `json:"warning_threshold" yaml:"warning_threshold"`
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
}

// DefaultAccountabilityConfig returns the default thresholds
func DefaultAccountabilityConfig() AccountabilityConfig {
	return AccountabilityConfig{
		WarningThreshold: 3,
		FailureThreshold: 1,
	}
}

// Accountability turns task failures into warnings and repeated warnings
// into dismissals
type Accountability struct {
	taskID    string
	config    AccountabilityConfig
	bus       *Bus
	auditor   *audit.Logger
	roster    Roster
	lifecycle LifecycleActions
	log       zerolog.Logger

	mu          sync.Mutex
	assignments map[string][]string
	failures    map[string]int
}

// NewAccountability creates the accountability engine for one task
func NewAccountability(taskID string, config AccountabilityConfig, bus *Bus, auditor *audit.Logger, roster Roster, lifecycle LifecycleActions) *Accountability {
	if config.WarningThreshold <= 0 {
		config.WarningThreshold = DefaultAccountabilityConfig().WarningThreshold
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultAccountabilityConfig().FailureThreshold
	}
	return &Accountability{
		taskID:      taskID,
		config:      config,
		bus:         bus,
		auditor:     auditor,
		roster:      roster,
		lifecycle:   lifecycle,
		log:         log.With().Str("component", "accountability").Str("task_id", taskID).Logger(),
		assignments: make(map[string][]string),
		failures:    make(map[string]int),
	}
}

// ObserveAssignment records who a subtask was assigned to, so a later
// failure report can find the responsible agents
func (a *Accountability) ObserveAssignment(subtaskID, agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.assignments[subtaskID] {
		if existing == agentID {
			return
		}
	}
	a.assignments[subtaskID] = append(a.assignments[subtaskID], agentID)
}

// OnTaskFailure warns every agent the failed subtask was assigned to once
// the failure count crosses the threshold
func (a *Accountability) OnTaskFailure(ctx context.Context, subtaskID, reason string) {
	a.mu.Lock()
	a.failures[subtaskID]++
	count := a.failures[subtaskID]
	responsible := append([]string(nil), a.assignments[subtaskID]...)
	a.mu.Unlock()

	if count < a.config.FailureThreshold {
		return
	}
	if len(responsible) == 0 {
		a.log.Warn().Str("subtask_id", subtaskID).Msg("Task failure with no recorded assignees")
		return
	}
	for _, agentID := range responsible {
		if err := a.IssueWarning(ctx, agentID, fmt.Sprintf("task %s failed: %s", subtaskID, reason)); err != nil {
			a.log.Error().Err(err).Str("agent_id", agentID).Msg("Failed to issue warning")
		}
	}
}

// IssueWarning writes a warning audit and bumps the agent's counter.
// Hitting the threshold dismisses the agent instead of notifying it.
func (a *Accountability) IssueWarning(ctx context.Context, agentID, reason string) error {
	agent, ok := a.roster.Lookup(agentID)
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	if agent.State() == StateTerminated {
		return fmt.Errorf("agent %s is terminated", agentID)
	}

	count := agent.AddWarning()
	metrics.RecordWarning()
	if a.auditor != nil {
		_ = a.auditor.LogWarning(ctx, a.taskID, agentID, reason, int64(count))
	}
	a.log.Warn().
		Str("agent_id", agentID).
		Str("reason", reason).
		Int("warning_count", count).
		Msg("Warning issued")

	if count >= a.config.WarningThreshold {
		return a.DismissAgent(ctx, agentID, fmt.Sprintf("warning threshold reached (%d warnings)", count))
	}

	a.send(ctx, agentID, KindWarningIssue, map[string]interface{}{
		"reason":        reason,
		"warning_count": count,
		"threshold":     a.config.WarningThreshold,
	}, PriorityUrgent)
	return nil
}

// DemoteAgent audits and announces a demotion. Bottom agents have nowhere
// to go, so demotion degrades to a warning. The layer move itself is a
// replacement-and-transfer run by the team lifecycle.
func (a *Accountability) DemoteAgent(ctx context.Context, agentID, reason string) error {
	agent, ok := a.roster.Lookup(agentID)
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	if agent.Layer == LayerBottom {
		return a.IssueWarning(ctx, agentID, reason)
	}

	metrics.RecordDemotion()
	if a.auditor != nil {
		_ = a.auditor.LogDemotion(ctx, a.taskID, agentID, reason)
	}
	a.log.Warn().
		Str("agent_id", agentID).
		Str("layer", string(agent.Layer)).
		Str("reason", reason).
		Msg("Agent demoted")

	a.send(ctx, agentID, KindDemotionNotice, map[string]interface{}{
		"reason": reason,
	}, PriorityUrgent)

	if a.lifecycle != nil {
		a.lifecycle.RequestDemotion(agentID, reason)
	}
	return nil
}

// DismissAgent terminates the agent, tells its supervisor, and asks the
// team lifecycle for a replacement
func (a *Accountability) DismissAgent(ctx context.Context, agentID, reason string) error {
	agent, ok := a.roster.Lookup(agentID)
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	if agent.State() == StateTerminated {
		return nil
	}

	metrics.RecordDismissal()
	if a.auditor != nil {
		_ = a.auditor.LogDismissal(ctx, a.taskID, agentID, reason)
	}
	if err := forceTerminate(agent, reason); err != nil {
		a.log.Error().Err(err).Str("agent_id", agentID).Msg("Failed to terminate dismissed agent")
	}
	a.log.Warn().
		Str("agent_id", agentID).
		Str("reason", reason).
		Msg("Agent dismissed")
	alerts.AlertAgentDismissed(ctx, a.taskID, agentID, reason)

	if supervisor := agent.Supervisor(); supervisor != "" {
		a.send(ctx, supervisor, KindDismissalNotice, map[string]interface{}{
			"agent_id": agentID,
			"reason":   reason,
		}, PriorityUrgent)
	}

	if a.lifecycle != nil {
		a.lifecycle.RequestReplacement(agentID, reason)
	}
	return nil
}

// send publishes an accountability notification through the bus
func (a *Accountability) send(ctx context.Context, recipient string, kind MessageKind, content map[string]interface{}, priority Priority) {
	if a.bus == nil {
		return
	}
	msg := NewMessage("system", recipient, a.taskID, kind, content).WithPriority(priority)
	if err := a.bus.Send(ctx, msg); err != nil {
		a.log.Error().Err(err).
			Str("recipient", recipient).
			Str("kind", string(kind)).
			Msg("Failed to send accountability notification")
	}
}

// forceTerminate walks the agent to terminated through legal transitions
// only, so state machine invariants hold even for forced exits
func forceTerminate(agent *Agent, reason string) error {
	for steps := 0; steps < 4; steps++ {
		state := agent.State()
		if state == StateTerminated {
			return nil
		}
		var next State
		switch state {
		case StateInitializing, StateWorking, StateBlocked:
			next = StateFailed
		case StateIdle:
			next = StateShuttingDown
		case StateWaitingApproval:
			next = StateIdle
		case StateFailed, StateShuttingDown:
			next = StateTerminated
		default:
			return fmt.Errorf("no termination path from %s", state)
		}
		if err := agent.Transition(next, reason); err != nil {
			return err
		}
	}
	return fmt.Errorf("termination did not converge from %s", agent.State())
}
