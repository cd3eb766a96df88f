package kernel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// arbitrationTimeoutTicks bounds how long an arbiter waits for peer
// votes before resolving with what it has
const arbitrationTimeoutTicks = 5

// arbitration is one in-flight conflict resolution owned by the top
// agent that received the conflict_report
type arbitration struct {
	conflict  *Conflict
	votes     map[string]string
	voters    []string
	startTick int64
}

// TopBehavior carries the strategic duties: signing or vetoing pending
// decisions, voting on appeals, aggregating mid-layer progress, and
// arbitrating conflicts by peer majority.
type TopBehavior struct {
	engine     *Engine
	reviewer   Reviewer
	arbitrator Arbitrator

	mu           sync.Mutex
	progress     map[string]*subordinateStatus
	dirty        bool
	arbitrations map[string]*arbitration
}

// NewTopBehavior creates the strategic-layer behavior. Nil reviewer and
// arbitrator fall back to the package defaults.
func NewTopBehavior(engine *Engine, reviewer Reviewer, arbitrator Arbitrator) *TopBehavior {
	if reviewer == nil {
		reviewer = ApproveReviewer()
	}
	if arbitrator == nil {
		arbitrator = FirstPartyArbitrator()
	}
	return &TopBehavior{
		engine:       engine,
		reviewer:     reviewer,
		arbitrator:   arbitrator,
		progress:     make(map[string]*subordinateStatus),
		arbitrations: make(map[string]*arbitration),
	}
}

// OnInit implements Behavior
func (t *TopBehavior) OnInit(ctx context.Context, rt *Runtime) error {
	return nil
}

// OnShutdown implements Behavior
func (t *TopBehavior) OnShutdown(ctx context.Context, rt *Runtime) error {
	return nil
}

// OnProcess handles governance traffic, then publishes aggregated
// progress and sweeps stale arbitrations
func (t *TopBehavior) OnProcess(ctx context.Context, rt *Runtime, messages []*Message, view *View) error {
	for _, msg := range messages {
		switch msg.Kind {
		case KindSignatureRequest:
			t.handleSignatureRequest(ctx, rt, msg)
		case KindVoteRequest:
			t.handleVoteRequest(ctx, rt, msg)
		case KindProgressReport:
			t.handleProgress(msg)
		case KindTaskComplete:
			t.handleTaskComplete(ctx, rt, msg)
		case KindConflictReport:
			t.handleConflictReport(ctx, rt, msg)
		case KindArbitrationRequest:
			t.handleArbitrationRequest(ctx, rt, msg)
		case KindVoteResponse:
			t.handleArbitrationVote(ctx, rt, msg)
		case KindIssueEscalation:
			t.handleEscalation(msg, rt)
		case KindStatusQuery:
			t.handleStatusQuery(ctx, rt, msg)
		default:
		}
	}

	t.flushProgress(ctx, rt)
	t.sweepArbitrations(ctx, rt)
	return nil
}

// handleSignatureRequest reviews one pending decision and signs or
// vetoes it when this agent holds authority over the decision type
func (t *TopBehavior) handleSignatureRequest(ctx context.Context, rt *Runtime, msg *Message) {
	if t.engine == nil {
		return
	}
	decisionID := stringContent(msg.Content, "decision_id")
	if decisionID == "" {
		return
	}
	decision, ok := t.engine.GetDecision(decisionID)
	if !ok || decision.Status != DecisionPending {
		return
	}
	self := rt.Agent().ID
	if decision.hasActed(self) {
		return
	}
	if profile := rt.Agent().Top; profile != nil && !profile.CanSign(decision.Type) {
		rt.log.Debug().
			Str("decision_id", decisionID).
			Str("type", string(decision.Type)).
			Msg("No signature authority for decision type")
		return
	}

	approve, reason, err := t.reviewer.Review(ctx, decision)
	if err != nil {
		rt.log.Warn().Err(err).Str("decision_id", decisionID).Msg("Decision review failed")
		return
	}
	if approve {
		if err := t.engine.Sign(ctx, decisionID, self); err != nil {
			rt.log.Debug().Err(err).Str("decision_id", decisionID).Msg("Sign rejected")
		}
		return
	}
	if reason == "" {
		reason = "rejected on review"
	}
	if err := t.engine.Veto(ctx, decisionID, self, reason); err != nil {
		rt.log.Debug().Err(err).Str("decision_id", decisionID).Msg("Veto rejected")
	}
}

// handleVoteRequest casts this agent's appeal vote. The default stance
// supports the appeal unless this agent vetoed the decision itself.
func (t *TopBehavior) handleVoteRequest(ctx context.Context, rt *Runtime, msg *Message) {
	if t.engine == nil {
		return
	}
	decisionID := stringContent(msg.Content, "decision_id")
	if decisionID == "" {
		return
	}
	self := rt.Agent().ID
	support := true
	if decision, ok := t.engine.GetDecision(decisionID); ok {
		for _, vetoer := range decision.Vetoers {
			if vetoer == self {
				support = false
				break
			}
		}
	}
	if err := t.engine.Vote(ctx, decisionID, self, support); err != nil {
		rt.log.Debug().Err(err).Str("decision_id", decisionID).Msg("Appeal vote rejected")
	}
}

// handleProgress aggregates a mid agent's report
func (t *TopBehavior) handleProgress(msg *Message) {
	status, _ := msg.Content["status"].(string)
	if status == "" {
		if summary, ok := msg.Content["summary"].(bool); ok && summary {
			status = "summary"
		}
	}
	t.mu.Lock()
	t.progress[msg.Sender] = &subordinateStatus{
		SubtaskID: stringContent(msg.Content, "subtask_id"),
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}
	t.dirty = true
	t.mu.Unlock()
}

// handleTaskComplete turns a coordinator's completion report into a
// milestone confirmation for the top layer to countersign. Approval of
// that decision is what marks the milestone reached; a lone coordinator
// cannot declare it.
func (t *TopBehavior) handleTaskComplete(ctx context.Context, rt *Runtime, msg *Message) {
	milestone := stringContent(msg.Content, "subtask_id")

	t.mu.Lock()
	t.progress[msg.Sender] = &subordinateStatus{
		SubtaskID: milestone,
		Status:    "completed",
		UpdatedAt: time.Now().UTC(),
	}
	t.dirty = true
	t.mu.Unlock()

	if t.engine == nil || milestone == "" {
		return
	}

	var signers []string
	for _, top := range rt.Roster().AgentsInLayer(LayerTop) {
		if top.State() == StateTerminated {
			continue
		}
		if top.Top != nil && top.Top.CanSign(DecisionMilestoneConfirmation) {
			signers = append(signers, top.ID)
		}
	}
	sort.Strings(signers)
	if len(signers) == 0 {
		rt.log.Warn().Str("milestone", milestone).Msg("No milestone signature authority in the top layer")
		return
	}

	decision, err := t.engine.Propose(ctx, rt.Agent().ID, DecisionMilestoneConfirmation, map[string]interface{}{
		"milestone":   milestone,
		"description": stringContent(msg.Content, "description"),
		"reported_by": msg.Sender,
	}, signers)
	if err != nil {
		rt.log.Warn().Err(err).Str("milestone", milestone).Msg("Milestone proposal failed")
		return
	}
	rt.log.Info().
		Str("decision_id", decision.ID).
		Str("milestone", milestone).
		Msg("Milestone confirmation proposed")
}

// handleEscalation records trouble reported by a mid agent
func (t *TopBehavior) handleEscalation(msg *Message, rt *Runtime) {
	severity := stringContent(msg.Content, "severity")
	t.mu.Lock()
	t.progress[msg.Sender] = &subordinateStatus{
		Status:    "escalated",
		Detail:    severity,
		UpdatedAt: time.Now().UTC(),
	}
	t.dirty = true
	t.mu.Unlock()
	rt.log.Warn().
		Str("from", msg.Sender).
		Str("severity", severity).
		Interface("agents", msg.Content["agents"]).
		Msg("Issue escalated")
}

func (t *TopBehavior) handleStatusQuery(ctx context.Context, rt *Runtime, msg *Message) {
	t.mu.Lock()
	summary := make(map[string]interface{}, len(t.progress))
	for id, st := range t.progress {
		summary[id] = st.Status
	}
	t.mu.Unlock()
	_ = rt.Reply(ctx, msg, KindStatusReport, map[string]interface{}{
		"status":       string(rt.Agent().State()),
		"subordinates": summary,
	}, PriorityNormal)
}

// handleConflictReport opens an arbitration: this agent votes first,
// then asks its peer top agents for theirs
func (t *TopBehavior) handleConflictReport(ctx context.Context, rt *Runtime, msg *Message) {
	conflict, err := parseConflict(msg)
	if err != nil {
		rt.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Unusable conflict report")
		return
	}

	self := rt.Agent().ID
	ownVote, err := t.arbitrator.Arbitrate(ctx, conflict)
	if err != nil {
		rt.log.Warn().Err(err).Str("conflict_id", conflict.ID).Msg("Arbitration vote failed")
		ownVote = conflict.Parties[0]
	}

	peers := t.peerTops(rt)
	arb := &arbitration{
		conflict:  conflict,
		votes:     map[string]string{self: ownVote},
		voters:    append([]string{self}, peers...),
		startTick: rt.Tick(),
	}
	t.mu.Lock()
	t.arbitrations[conflict.ID] = arb
	t.mu.Unlock()

	if len(peers) == 0 {
		t.resolveArbitration(ctx, rt, conflict.ID)
		return
	}
	for _, peer := range peers {
		_ = rt.Send(ctx, peer, KindArbitrationRequest, map[string]interface{}{
			"arbitration_id": conflict.ID,
			"subject":        conflict.Subject,
			"parties":        conflict.Parties,
			"claims":         conflict.Claims,
		}, PriorityHigh)
	}
}

// handleArbitrationRequest casts this agent's vote in a peer's
// arbitration
func (t *TopBehavior) handleArbitrationRequest(ctx context.Context, rt *Runtime, msg *Message) {
	arbitrationID := stringContent(msg.Content, "arbitration_id")
	conflict, err := parseConflict(msg)
	if err != nil {
		rt.log.Warn().Err(err).Str("arbitration_id", arbitrationID).Msg("Unusable arbitration request")
		return
	}
	conflict.ID = arbitrationID

	party, err := t.arbitrator.Arbitrate(ctx, conflict)
	if err != nil {
		rt.log.Warn().Err(err).Str("arbitration_id", arbitrationID).Msg("Arbitration vote failed")
		return
	}
	_ = rt.Reply(ctx, msg, KindVoteResponse, map[string]interface{}{
		"arbitration_id": arbitrationID,
		"party":          party,
	}, PriorityHigh)
}

// handleArbitrationVote records a peer's vote and resolves once every
// voter has answered
func (t *TopBehavior) handleArbitrationVote(ctx context.Context, rt *Runtime, msg *Message) {
	arbitrationID := stringContent(msg.Content, "arbitration_id")
	party := stringContent(msg.Content, "party")
	if arbitrationID == "" || party == "" {
		return
	}

	t.mu.Lock()
	arb, ok := t.arbitrations[arbitrationID]
	if ok {
		arb.votes[msg.Sender] = party
	}
	complete := ok && len(arb.votes) >= len(arb.voters)
	t.mu.Unlock()

	if complete {
		t.resolveArbitration(ctx, rt, arbitrationID)
	}
}

// sweepArbitrations resolves arbitrations whose peers went quiet
func (t *TopBehavior) sweepArbitrations(ctx context.Context, rt *Runtime) {
	tick := rt.Tick()
	var stale []string
	t.mu.Lock()
	for id, arb := range t.arbitrations {
		if tick-arb.startTick > arbitrationTimeoutTicks {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()
	for _, id := range stale {
		t.resolveArbitration(ctx, rt, id)
	}
}

// resolveArbitration tallies votes, publishes the ruling to the global
// whiteboard, and notifies the parties. Ties go to the arbiter's vote.
func (t *TopBehavior) resolveArbitration(ctx context.Context, rt *Runtime, arbitrationID string) {
	self := rt.Agent().ID

	t.mu.Lock()
	arb, ok := t.arbitrations[arbitrationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.arbitrations, arbitrationID)
	tally := make(map[string]int)
	for _, party := range arb.votes {
		tally[party]++
	}
	ownVote := arb.votes[self]
	t.mu.Unlock()

	winner := ownVote
	best := -1
	parties := make([]string, 0, len(tally))
	for party := range tally {
		parties = append(parties, party)
	}
	sort.Strings(parties)
	for _, party := range parties {
		if tally[party] > best {
			best = tally[party]
			winner = party
		}
	}
	if ownVote != "" && tally[ownVote] == best {
		winner = ownVote
	}

	ruling := fmt.Sprintf("**Arbitration %s**: subject %q resolved in favor of %s (votes: %d of %d)",
		arbitrationID, arb.conflict.Subject, winner, tally[winner], len(arb.votes))
	if err := rt.Board().Append(ctx, GlobalScope(), self, ruling); err != nil {
		rt.log.Warn().Err(err).Str("arbitration_id", arbitrationID).Msg("Ruling publish failed")
	}

	for _, party := range arb.conflict.Parties {
		_ = rt.Send(ctx, party, KindArbitrationResult, map[string]interface{}{
			"arbitration_id": arbitrationID,
			"subject":        arb.conflict.Subject,
			"ruling":         winner,
		}, PriorityHigh)
	}
	rt.log.Info().
		Str("arbitration_id", arbitrationID).
		Str("winner", winner).
		Msg("Conflict arbitrated")
}

// flushProgress appends the aggregated mid-layer view to the shared top
// whiteboard when it changed this tick
func (t *TopBehavior) flushProgress(ctx context.Context, rt *Runtime) {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return
	}
	t.dirty = false
	ids := make([]string, 0, len(t.progress))
	for id := range t.progress {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var sb strings.Builder
	sb.WriteString("| Coordinator | Status | Detail |\n|-------------|--------|--------|\n")
	for _, id := range ids {
		st := t.progress[id]
		fmt.Fprintf(&sb, "| %s | %s | %s |\n", id, st.Status, st.Detail)
	}
	t.mu.Unlock()

	if err := rt.Board().Append(ctx, TopScope(), rt.Agent().ID, sb.String()); err != nil {
		rt.log.Warn().Err(err).Msg("Progress board append failed")
	}
}

// peerTops returns the other live top agents
func (t *TopBehavior) peerTops(rt *Runtime) []string {
	var peers []string
	for _, top := range rt.Roster().AgentsInLayer(LayerTop) {
		if top.ID == rt.Agent().ID || top.State() == StateTerminated {
			continue
		}
		peers = append(peers, top.ID)
	}
	sort.Strings(peers)
	return peers
}
