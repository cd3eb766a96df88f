package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/audit"
	"github.com/cadreworks/cadre/internal/metrics"
)

// ElectionAction is the outcome decided for one agent in a round
type ElectionAction string

const (
	ElectMaintain ElectionAction = "maintain"
	ElectPromote  ElectionAction = "promote"
	ElectDemote   ElectionAction = "demote"
	ElectDismiss  ElectionAction = "dismiss"
)

// ElectionThresholds are the score bands the election decides against
type ElectionThresholds struct {
	Excellent int `json:"excellent" yaml:"excellent"`
	Good      int `json:"good" yaml:"good"`
	Poor      int `json:"poor" yaml:"poor"`
	Failing   int `json:"failing" yaml:"failing"`
}

// ElectionConfig tunes cadence and thresholds
type ElectionConfig struct {
	IntervalTicks int64              `json:"interval_ticks" yaml:"interval_ticks"`
	Thresholds    ElectionThresholds `json:"thresholds" yaml:"thresholds"`
}

// DefaultElectionConfig returns the default election tuning
func DefaultElectionConfig() ElectionConfig {
	return ElectionConfig{
		IntervalTicks: 50,
		Thresholds: ElectionThresholds{
			Excellent: 80,
			Good:      60,
			Poor:      40,
			Failing:   20,
		},
	}
}

// ElectionRecord is one agent's persisted outcome in one round
type ElectionRecord struct {
	ID            string                 `json:"id"`
	TaskID        string                 `json:"task_id"`
	Round         int64                  `json:"round"`
	Action        ElectionAction         `json:"action"`
	TargetAgentID string                 `json:"target_agent_id"`
	Votes         map[string]int         `json:"votes"`
	Result        map[string]interface{} `json:"result"`
	CreatedAt     time.Time              `json:"created_at"`
}

// ElectionStore persists election outcomes
type ElectionStore interface {
	SaveElection(ctx context.Context, rec *ElectionRecord) error
}

// Election periodically rescores every layer and promotes, demotes, or
// dismisses agents against the thresholds. Demotions and dismissals go
// through Accountability so audits and notifications stay in one place.
type Election struct {
	taskID         string
	config         ElectionConfig
	roster         Roster
	accountability *Accountability
	lifecycle      LifecycleActions
	auditor        *audit.Logger
	bus            *Bus
	store          ElectionStore
	events         *Emitter
	log            zerolog.Logger

	mu    sync.Mutex
	round int64
}

// NewElection creates the election engine for one task
func NewElection(taskID string, config ElectionConfig, roster Roster, accountability *Accountability, lifecycle LifecycleActions, auditor *audit.Logger, bus *Bus, store ElectionStore, events *Emitter) *Election {
	if config.IntervalTicks <= 0 {
		config.IntervalTicks = DefaultElectionConfig().IntervalTicks
	}
	if config.Thresholds == (ElectionThresholds{}) {
		config.Thresholds = DefaultElectionConfig().Thresholds
	}
	return &Election{
		taskID:         taskID,
		config:         config,
		roster:         roster,
		accountability: accountability,
		lifecycle:      lifecycle,
		auditor:        auditor,
		bus:            bus,
		store:          store,
		events:         events,
		log:            log.With().Str("component", "election").Str("task_id", taskID).Logger(),
	}
}

// OnTick fires a round every IntervalTicks ticks. Registered as a clock
// listener after the agent runtimes.
func (el *Election) OnTick(tick int64) error {
	if tick == 0 || tick%el.config.IntervalTicks != 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	el.RunRound(ctx, tick)
	return nil
}

// Round returns how many rounds have run
func (el *Election) Round() int64 {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.round
}

// RunRound executes one election across all three layers
func (el *Election) RunRound(ctx context.Context, tick int64) {
	el.mu.Lock()
	el.round++
	round := el.round
	el.mu.Unlock()

	el.log.Info().Int64("round", round).Int64("tick", tick).Msg("Election round starting")
	el.broadcast(ctx, KindElectionStart, map[string]interface{}{
		"round": round,
		"tick":  tick,
	})

	actionCounts := make(map[string]int)
	for _, layer := range []Layer{LayerTop, LayerMid, LayerBottom} {
		for action, n := range el.electLayer(ctx, round, layer) {
			actionCounts[string(action)] += n
		}
	}

	metrics.RecordElection(actionCounts)
	el.broadcast(ctx, KindElectionResult, map[string]interface{}{
		"round":   round,
		"actions": actionCounts,
	})
	if el.events != nil {
		el.events.Emit(Event{
			Kind:   EventElectionCompleted,
			TaskID: el.taskID,
			Tick:   tick,
			Payload: map[string]interface{}{
				"round":   round,
				"actions": actionCounts,
			},
		})
	}
	el.log.Info().
		Int64("round", round).
		Interface("actions", actionCounts).
		Msg("Election round complete")
}

// electLayer scores one layer, decides an action per agent, applies the
// actions in descending score order, and persists every outcome
func (el *Election) electLayer(ctx context.Context, round int64, layer Layer) map[ElectionAction]int {
	counts := make(map[ElectionAction]int)

	agents := el.roster.AgentsInLayer(layer)
	live := agents[:0:0]
	scores := make(map[string]int, len(agents))
	for _, agent := range agents {
		if agent.State() == StateTerminated {
			continue
		}
		live = append(live, agent)
		score := ComputeScore(agent.Metrics())
		scores[agent.ID] = score.Overall
		agent.SetPerformanceScore(score.Overall)
		metrics.SetPerformanceScore(agent.ID, score.Overall)
	}
	sort.SliceStable(live, func(i, j int) bool {
		return scores[live[i].ID] > scores[live[j].ID]
	})

	for _, agent := range live {
		score := scores[agent.ID]
		action := el.decide(score, layer)
		counts[action]++

		el.persistOutcome(ctx, round, agent, layer, score, scores, action)
		el.apply(ctx, agent, score, action)
	}
	return counts
}

// decide maps a score to an action against the thresholds
func (el *Election) decide(score int, layer Layer) ElectionAction {
	t := el.config.Thresholds
	switch {
	case score < t.Failing:
		return ElectDismiss
	case score < t.Poor:
		if layer == LayerMid {
			return ElectDemote
		}
		return ElectDismiss
	case score >= t.Excellent && layer == LayerBottom:
		return ElectPromote
	default:
		return ElectMaintain
	}
}

// apply carries out one agent's action
func (el *Election) apply(ctx context.Context, agent *Agent, score int, action ElectionAction) {
	switch action {
	case ElectDismiss:
		if err := el.accountability.DismissAgent(ctx, agent.ID, el.reason(score, "dismissal")); err != nil {
			el.log.Error().Err(err).Str("agent_id", agent.ID).Msg("Election dismissal failed")
		}
	case ElectDemote:
		if err := el.accountability.DemoteAgent(ctx, agent.ID, el.reason(score, "demotion")); err != nil {
			el.log.Error().Err(err).Str("agent_id", agent.ID).Msg("Election demotion failed")
		}
	case ElectPromote:
		el.promote(ctx, agent, score)
	}
}

// promote audits and announces a promotion and asks the lifecycle to
// instantiate the agent at the next layer up
func (el *Election) promote(ctx context.Context, agent *Agent, score int) {
	reason := el.reason(score, "promotion")
	metrics.RecordPromotion()
	if el.auditor != nil {
		_ = el.auditor.LogPromotion(ctx, el.taskID, agent.ID, reason)
	}
	el.log.Info().
		Str("agent_id", agent.ID).
		Int("score", score).
		Msg("Agent promoted")

	el.send(ctx, agent.ID, KindPromotionNotice, map[string]interface{}{
		"reason": reason,
		"score":  score,
	}, PriorityNormal)

	if el.lifecycle != nil {
		el.lifecycle.RequestPromotion(agent.ID, reason)
	}
}

func (el *Election) reason(score int, what string) string {
	return fmt.Sprintf("election %s: score %d (%s)", what, score, RatingFor(score))
}

// persistOutcome writes one agent's round outcome; failures are logged
func (el *Election) persistOutcome(ctx context.Context, round int64, agent *Agent, layer Layer, score int, layerScores map[string]int, action ElectionAction) {
	if el.store == nil {
		return
	}
	votes := make(map[string]int, len(layerScores))
	for id, s := range layerScores {
		votes[id] = s
	}
	rec := &ElectionRecord{
		ID:            uuid.NewString(),
		TaskID:        el.taskID,
		Round:         round,
		Action:        action,
		TargetAgentID: agent.ID,
		Votes:         votes,
		Result: map[string]interface{}{
			"score":  score,
			"rating": string(RatingFor(score)),
			"layer":  string(layer),
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := el.store.SaveElection(ctx, rec); err != nil {
		metrics.RecordError("persistence", "election")
		el.log.Error().Err(err).Str("agent_id", agent.ID).Msg("Failed to persist election outcome")
	}
}

// send delivers one agent's election notification
func (el *Election) send(ctx context.Context, recipient string, kind MessageKind, content map[string]interface{}, priority Priority) {
	if el.bus == nil {
		return
	}
	msg := NewMessage("system", recipient, el.taskID, kind, content).WithPriority(priority)
	if err := el.bus.Send(ctx, msg); err != nil {
		el.log.Error().Err(err).Str("recipient", recipient).Msg("Failed to send election notification")
	}
}

// broadcast announces round lifecycle to every agent
func (el *Election) broadcast(ctx context.Context, kind MessageKind, content map[string]interface{}) {
	if el.bus == nil {
		return
	}
	msg := NewMessage("system", RecipientBroadcast, el.taskID, kind, content)
	if err := el.bus.Send(ctx, msg); err != nil {
		el.log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to broadcast election message")
	}
}
