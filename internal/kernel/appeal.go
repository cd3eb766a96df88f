package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadreworks/cadre/internal/metrics"
)

// Appeal errors
var (
	ErrAppealNotAllowed = errors.New("appeal not allowed")
	ErrAppealNotFound   = errors.New("no appeal for decision")
	ErrAppealResolved   = errors.New("appeal already resolved")
	ErrNotAppealVoter   = errors.New("agent is not in the appeal roster")
	ErrAlreadyVoted     = errors.New("agent already voted")
)

// Appeal outcomes
const (
	AppealSuccess = "success"
	AppealFailed  = "failed"
)

// Appeal is one challenge to a rejected decision, voted on by the top-layer
// roster as it stood when the appeal opened
type Appeal struct {
	ID         string          `json:"id"`
	DecisionID string          `json:"decision_id"`
	AppealerID string          `json:"appealer_id"`
	Arguments  string          `json:"arguments"`
	Votes      map[string]bool `json:"votes"`
	Roster     []string        `json:"roster,omitempty"`
	Result     string          `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

func (a *Appeal) clone() *Appeal {
	c := *a
	c.Roster = append([]string(nil), a.Roster...)
	votes := make(map[string]bool, len(a.Votes))
	for k, v := range a.Votes {
		votes[k] = v
	}
	c.Votes = votes
	return &c
}

func (a *Appeal) inRoster(id string) bool {
	for _, r := range a.Roster {
		if r == id {
			return true
		}
	}
	return false
}

// AppealStore persists appeal records
type AppealStore interface {
	SaveAppeal(ctx context.Context, a *Appeal) error
}

// Appeal opens a challenge to a rejected decision. Only the proposer may
// appeal. The decision moves to appealing and the top-layer roster is asked
// to vote before a deadline.
func (e *Engine) Appeal(ctx context.Context, decisionID, appealer, arguments string) (*Appeal, error) {
	e.mu.Lock()
	d, ok := e.decisions[decisionID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDecisionNotFound, decisionID)
	}
	if d.Status != DecisionRejected {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: decision is %s, only rejected decisions may be appealed", ErrAppealNotAllowed, d.Status)
	}
	if appealer != d.ProposerID {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: only the proposer may appeal", ErrAppealNotAllowed)
	}
	if _, appealed := e.appeals[decisionID]; appealed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: decision %s was already appealed", ErrAppealNotAllowed, decisionID)
	}

	var rosterIDs []string
	if e.roster != nil {
		for _, agent := range e.roster.AgentsInLayer(LayerTop) {
			if agent.State() != StateTerminated {
				rosterIDs = append(rosterIDs, agent.ID)
			}
		}
	}
	if len(rosterIDs) == 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: no top-layer agents available to vote", ErrAppealNotAllowed)
	}

	a := &Appeal{
		ID:         uuid.NewString(),
		DecisionID: decisionID,
		AppealerID: appealer,
		Arguments:  arguments,
		Votes:      make(map[string]bool),
		Roster:     rosterIDs,
		CreatedAt:  time.Now().UTC(),
	}
	e.appeals[decisionID] = a
	d.Status = DecisionAppealing
	e.mu.Unlock()

	metrics.RecordDecision(string(d.Type), "appealing")
	e.log.Info().
		Str("decision_id", decisionID).
		Str("appealer", appealer).
		Strs("roster", rosterIDs).
		Msg("Appeal opened")
	e.persist(ctx, d)
	e.persistAppeal(ctx, a)
	if e.auditor != nil {
		_ = e.auditor.LogAppeal(ctx, e.taskID, appealer, decisionID, "created")
	}

	deadline := time.Now().UTC().Add(e.config.Timeout)
	for _, voter := range rosterIDs {
		e.send(ctx, voter, KindVoteRequest, map[string]interface{}{
			"decision_id": decisionID,
			"appeal_id":   a.ID,
			"arguments":   arguments,
			"deadline":    deadline.Format(time.RFC3339),
		}, PriorityHigh)
	}
	e.monitor.Watch("appeal:"+decisionID, e.config.Timeout, func() {
		e.expireAppeal(decisionID)
	})
	return a.clone(), nil
}

// Vote records one roster member's vote. When the last vote lands the
// appeal resolves: enough support re-approves the decision, otherwise it
// returns to rejected for good.
func (e *Engine) Vote(ctx context.Context, decisionID, voter string, support bool) error {
	e.mu.Lock()
	a, ok := e.appeals[decisionID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAppealNotFound, decisionID)
	}
	if a.Result != "" {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAppealResolved, decisionID)
	}
	if !a.inRoster(voter) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotAppealVoter, voter)
	}
	if _, voted := a.Votes[voter]; voted {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyVoted, voter)
	}

	a.Votes[voter] = support
	allIn := len(a.Votes) == len(a.Roster)
	var d *Decision
	if allIn {
		d = e.resolveAppealLocked(a)
	}
	e.mu.Unlock()

	e.log.Debug().
		Str("decision_id", decisionID).
		Str("voter", voter).
		Bool("support", support).
		Msg("Appeal vote recorded")
	e.persistAppeal(ctx, a)

	if allIn {
		e.finishAppeal(ctx, a, d)
	}
	return nil
}

// GetAppeal returns a copy of the appeal for a decision
func (e *Engine) GetAppeal(decisionID string) (*Appeal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.appeals[decisionID]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// resolveAppealLocked tallies votes and moves the decision to its final
// status. Caller holds the lock.
func (e *Engine) resolveAppealLocked(a *Appeal) *Decision {
	support := 0
	for _, s := range a.Votes {
		if s {
			support++
		}
	}
	total := len(a.Roster)
	success := float64(support) >= e.config.AppealSupportRatio*float64(total)-1e-9

	now := time.Now().UTC()
	a.ResolvedAt = &now
	if success {
		a.Result = AppealSuccess
	} else {
		a.Result = AppealFailed
	}

	d := e.decisions[a.DecisionID]
	if d != nil {
		if success {
			d.Status = DecisionApproved
			d.ApprovedAt = &now
		} else {
			d.Status = DecisionRejected
			d.RejectedAt = &now
		}
	}
	return d
}

// finishAppeal performs the IO half of resolution: persistence, audit,
// notifications, and events
func (e *Engine) finishAppeal(ctx context.Context, a *Appeal, d *Decision) {
	e.monitor.Cancel("appeal:" + a.DecisionID)
	metrics.RecordAppeal(a.Result)
	e.log.Info().
		Str("decision_id", a.DecisionID).
		Str("result", a.Result).
		Msg("Appeal resolved")

	e.persistAppeal(ctx, a)
	if d != nil {
		e.persist(ctx, d)
	}
	if e.auditor != nil {
		_ = e.auditor.LogAppeal(ctx, e.taskID, a.AppealerID, a.DecisionID, a.Result)
	}
	e.send(ctx, a.AppealerID, KindAppealResult, map[string]interface{}{
		"decision_id": a.DecisionID,
		"appeal_id":   a.ID,
		"result":      a.Result,
	}, PriorityNormal)

	if d != nil {
		e.emitResolved(d)
	}
	if e.events != nil {
		e.events.Emit(Event{
			Kind:   EventAppealResolved,
			TaskID: e.taskID,
			Payload: map[string]interface{}{
				"decision_id": a.DecisionID,
				"result":      a.Result,
			},
		})
	}
}

// expireAppeal resolves an appeal whose deadline passed with votes still
// outstanding. Missing votes count as opposition; the roster size stays the
// denominator.
func (e *Engine) expireAppeal(decisionID string) {
	e.timeoutSem <- struct{}{}
	defer func() { <-e.timeoutSem }()

	e.mu.Lock()
	a, ok := e.appeals[decisionID]
	if !ok || a.Result != "" {
		e.mu.Unlock()
		return
	}
	d := e.resolveAppealLocked(a)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.log.Warn().
		Str("decision_id", decisionID).
		Int("votes_cast", len(a.Votes)).
		Int("roster_size", len(a.Roster)).
		Msg("Appeal deadline passed, resolving with votes cast")
	e.finishAppeal(ctx, a, d)
}

// persistAppeal writes the appeal through the store; failures are logged
func (e *Engine) persistAppeal(ctx context.Context, a *Appeal) {
	if e.appealStore == nil {
		return
	}
	e.mu.RLock()
	snapshot := a.clone()
	e.mu.RUnlock()
	if err := e.appealStore.SaveAppeal(ctx, snapshot); err != nil {
		metrics.RecordError("persistence", "decision_engine")
		e.log.Error().Err(err).Str("appeal_id", a.ID).Msg("Failed to persist appeal")
	}
}
