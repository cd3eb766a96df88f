package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/alerts"
	"github.com/cadreworks/cadre/internal/audit"
	"github.com/cadreworks/cadre/internal/metrics"
)

// Decision engine errors
var (
	ErrDecisionNotFound   = errors.New("decision not found")
	ErrDecisionNotPending = errors.New("decision is not pending")
	ErrNotRequiredSigner  = errors.New("agent is not a required signer")
	ErrAlreadySigned      = errors.New("agent already signed or vetoed")
	ErrInvalidProposal    = errors.New("invalid decision proposal")
	ErrTooManyPending     = errors.New("too many pending decisions")
)

// DecisionType is the closed set of decision kinds
type DecisionType string

const (
	DecisionTechnicalProposal     DecisionType = "technical_proposal"
	DecisionTaskAllocation        DecisionType = "task_allocation"
	DecisionResourceAdjustment    DecisionType = "resource_adjustment"
	DecisionMilestoneConfirmation DecisionType = "milestone_confirmation"
)

// DecisionTypes is the full closed set
var DecisionTypes = []DecisionType{
	DecisionTechnicalProposal,
	DecisionTaskAllocation,
	DecisionResourceAdjustment,
	DecisionMilestoneConfirmation,
}

// Valid reports whether t is a defined decision type
func (t DecisionType) Valid() bool {
	for _, known := range DecisionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// requiredContentKeys lists the content fields each type must carry
var requiredContentKeys = map[DecisionType][]string{
	DecisionTechnicalProposal:     {"proposal"},
	DecisionTaskAllocation:        {"task_id", "assignee"},
	DecisionResourceAdjustment:    {"adjustment"},
	DecisionMilestoneConfirmation: {"milestone"},
}

// SignatureThreshold returns how many signatures approve a decision type.
// Milestone confirmations need all three top agents; everything else needs
// two of three.
func SignatureThreshold(t DecisionType) int {
	if t == DecisionMilestoneConfirmation {
		return 3
	}
	return 2
}

// DecisionStatus is a decision's lifecycle status
type DecisionStatus string

const (
	DecisionPending   DecisionStatus = "pending"
	DecisionApproved  DecisionStatus = "approved"
	DecisionRejected  DecisionStatus = "rejected"
	DecisionAppealing DecisionStatus = "appealing"
)

// Terminal reports whether the status rejects further signatures and votes.
// Appealing is non-terminal; the appeal vote will land it on approved or
// rejected.
func (s DecisionStatus) Terminal() bool {
	return s == DecisionApproved || s == DecisionRejected
}

// Decision is one proposal moving through the signature process
type Decision struct {
	ID              string                 `json:"id"`
	TaskID          string                 `json:"task_id"`
	ProposerID      string                 `json:"proposer_id"`
	Type            DecisionType           `json:"type"`
	Content         map[string]interface{} `json:"content"`
	RequiredSigners []string               `json:"required_signers"`
	Signers         []string               `json:"signers"`
	Vetoers         []string               `json:"vetoers"`
	Status          DecisionStatus         `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	ApprovedAt      *time.Time             `json:"approved_at,omitempty"`
	RejectedAt      *time.Time             `json:"rejected_at,omitempty"`
}

// clone returns a deep-enough copy for callers outside the engine lock
func (d *Decision) clone() *Decision {
	c := *d
	c.RequiredSigners = append([]string(nil), d.RequiredSigners...)
	c.Signers = append([]string(nil), d.Signers...)
	c.Vetoers = append([]string(nil), d.Vetoers...)
	content := make(map[string]interface{}, len(d.Content))
	for k, v := range d.Content {
		content[k] = v
	}
	c.Content = content
	return &c
}

func (d *Decision) isRequiredSigner(id string) bool {
	for _, s := range d.RequiredSigners {
		if s == id {
			return true
		}
	}
	return false
}

func (d *Decision) hasActed(id string) bool {
	for _, s := range d.Signers {
		if s == id {
			return true
		}
	}
	for _, v := range d.Vetoers {
		if v == id {
			return true
		}
	}
	return false
}

// DecisionStore persists decision records. The engine's in-memory map stays
// authoritative during a run; store failures are logged, not surfaced.
type DecisionStore interface {
	SaveDecision(ctx context.Context, d *Decision) error
}

// DecisionConfig tunes the signature process
type DecisionConfig struct {
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	EnableReminders    bool          `json:"enable_reminders" yaml:"enable_reminders"`
	AppealSupportRatio float64       `json:"appeal_support_ratio" yaml:"appeal_support_ratio"`
	MaxPending         int           `json:"max_pending" yaml:"max_pending"`
}

// DefaultDecisionConfig returns the default decision tuning
func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		Timeout:            5 * time.Minute,
		EnableReminders:    true,
		AppealSupportRatio: 2.0 / 3.0,
		MaxPending:         100,
	}
}

// Engine runs the signature, veto, and appeal process for one team. All
// mutations to a decision happen under the engine lock, one at a time.
type Engine struct {
	taskID      string
	config      DecisionConfig
	bus         *Bus
	store       DecisionStore
	appealStore AppealStore
	auditor     *audit.Logger
	monitor     *ExecutionMonitor
	events      *Emitter
	roster      Roster
	log         zerolog.Logger

	mu        sync.RWMutex
	decisions map[string]*Decision
	appeals   map[string]*Appeal

	// Bounds concurrent timeout handlers so a burst of expiries cannot
	// spawn unbounded goroutine work.
	timeoutSem chan struct{}
}

// NewEngine creates a decision engine for one task
func NewEngine(taskID string, config DecisionConfig, bus *Bus, store DecisionStore, appealStore AppealStore, auditor *audit.Logger, monitor *ExecutionMonitor, events *Emitter, roster Roster) *Engine {
	if config.Timeout <= 0 {
		config.Timeout = DefaultDecisionConfig().Timeout
	}
	if config.AppealSupportRatio <= 0 || config.AppealSupportRatio > 1 {
		config.AppealSupportRatio = DefaultDecisionConfig().AppealSupportRatio
	}
	if config.MaxPending <= 0 {
		config.MaxPending = DefaultDecisionConfig().MaxPending
	}
	return &Engine{
		taskID:      taskID,
		config:      config,
		bus:         bus,
		store:       store,
		appealStore: appealStore,
		auditor:     auditor,
		monitor:     monitor,
		events:      events,
		roster:      roster,
		log:         log.With().Str("component", "decision_engine").Str("task_id", taskID).Logger(),
		decisions:   make(map[string]*Decision),
		appeals:     make(map[string]*Appeal),
		timeoutSem:  make(chan struct{}, 8),
	}
}

// Propose validates and opens a new decision. Every required signer
// receives a signature_request; a timeout and reminder series are armed.
func (e *Engine) Propose(ctx context.Context, proposer string, dtype DecisionType, content map[string]interface{}, requiredSigners []string) (*Decision, error) {
	if err := validateProposal(proposer, dtype, content, requiredSigners); err != nil {
		return nil, err
	}

	e.mu.Lock()
	pending := 0
	for _, d := range e.decisions {
		if d.Status == DecisionPending {
			pending++
		}
	}
	if pending >= e.config.MaxPending {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d pending", ErrTooManyPending, pending)
	}

	d := &Decision{
		ID:              uuid.NewString(),
		TaskID:          e.taskID,
		ProposerID:      proposer,
		Type:            dtype,
		Content:         content,
		RequiredSigners: append([]string(nil), requiredSigners...),
		Signers:         []string{},
		Vetoers:         []string{},
		Status:          DecisionPending,
		CreatedAt:       time.Now().UTC(),
	}
	e.decisions[d.ID] = d
	e.mu.Unlock()

	e.persist(ctx, d)
	metrics.RecordDecision(string(dtype), "proposed")
	if e.auditor != nil {
		_ = e.auditor.LogDecision(ctx, e.taskID, proposer, d.ID, "proposed")
	}
	e.log.Info().
		Str("decision_id", d.ID).
		Str("type", string(dtype)).
		Str("proposer", proposer).
		Strs("required_signers", requiredSigners).
		Msg("Decision proposed")

	for _, signer := range requiredSigners {
		e.send(ctx, signer, KindSignatureRequest, map[string]interface{}{
			"decision_id":   d.ID,
			"decision_type": string(dtype),
			"proposer":      proposer,
			"content":       content,
		}, PriorityNormal)
	}

	e.armTimers(d.ID)
	return d.clone(), nil
}

// validateProposal applies the proposal preconditions
func validateProposal(proposer string, dtype DecisionType, content map[string]interface{}, requiredSigners []string) error {
	if proposer == "" {
		return fmt.Errorf("%w: empty proposer", ErrInvalidProposal)
	}
	if !dtype.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidProposal, dtype)
	}
	if content == nil {
		return fmt.Errorf("%w: missing content", ErrInvalidProposal)
	}
	for _, key := range requiredContentKeys[dtype] {
		v, ok := content[key]
		if !ok || v == nil {
			return fmt.Errorf("%w: %s requires content key %q", ErrInvalidProposal, dtype, key)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return fmt.Errorf("%w: %s requires non-empty %q", ErrInvalidProposal, dtype, key)
		}
	}
	if len(requiredSigners) == 0 {
		return fmt.Errorf("%w: required_signers must not be empty", ErrInvalidProposal)
	}
	for _, s := range requiredSigners {
		if s == "" {
			return fmt.Errorf("%w: empty signer id", ErrInvalidProposal)
		}
	}
	return nil
}

// Sign appends a signature. Reaching the type threshold approves the
// decision, cancels its timers, and notifies the proposer.
func (e *Engine) Sign(ctx context.Context, decisionID, signer string) error {
	e.mu.Lock()
	d, ok := e.decisions[decisionID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDecisionNotFound, decisionID)
	}
	if d.Status != DecisionPending {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrDecisionNotPending, decisionID, d.Status)
	}
	if !d.isRequiredSigner(signer) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRequiredSigner, signer)
	}
	if d.hasActed(signer) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySigned, signer)
	}

	d.Signers = append(d.Signers, signer)
	approved := len(d.Signers) >= SignatureThreshold(d.Type)
	if approved {
		now := time.Now().UTC()
		d.Status = DecisionApproved
		d.ApprovedAt = &now
	}
	e.mu.Unlock()

	metrics.RecordSignature()
	e.log.Info().
		Str("decision_id", decisionID).
		Str("signer", signer).
		Bool("approved", approved).
		Msg("Decision signed")
	e.persist(ctx, d)

	if approved {
		e.disarmTimers(decisionID)
		metrics.RecordDecision(string(d.Type), "approved")
		if e.auditor != nil {
			_ = e.auditor.LogDecision(ctx, e.taskID, d.ProposerID, decisionID, "approved")
		}
		e.send(ctx, d.ProposerID, KindSignatureApprove, map[string]interface{}{
			"decision_id": decisionID,
			"signers":     append([]string(nil), d.Signers...),
		}, PriorityNormal)
		e.emitResolved(d)
	}
	return nil
}

// Veto rejects the decision outright. A signer who already signed cannot
// turn around and veto; signers and vetoers stay disjoint.
func (e *Engine) Veto(ctx context.Context, decisionID, vetoer, reason string) error {
	e.mu.Lock()
	d, ok := e.decisions[decisionID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDecisionNotFound, decisionID)
	}
	if d.Status != DecisionPending {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrDecisionNotPending, decisionID, d.Status)
	}
	if !d.isRequiredSigner(vetoer) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRequiredSigner, vetoer)
	}
	if d.hasActed(vetoer) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySigned, vetoer)
	}

	now := time.Now().UTC()
	d.Vetoers = append(d.Vetoers, vetoer)
	d.Status = DecisionRejected
	d.RejectedAt = &now
	e.mu.Unlock()

	metrics.RecordVeto()
	metrics.RecordDecision(string(d.Type), "rejected")
	e.log.Warn().
		Str("decision_id", decisionID).
		Str("vetoer", vetoer).
		Str("reason", reason).
		Msg("Decision vetoed")
	e.persist(ctx, d)
	e.disarmTimers(decisionID)

	if e.auditor != nil {
		_ = e.auditor.LogVeto(ctx, e.taskID, vetoer, decisionID, reason)
	}
	e.send(ctx, d.ProposerID, KindSignatureVeto, map[string]interface{}{
		"decision_id": decisionID,
		"vetoer":      vetoer,
		"reason":      reason,
	}, PriorityNormal)
	e.emitResolved(d)
	return nil
}

// GetDecision returns a copy of the decision
func (e *Engine) GetDecision(decisionID string) (*Decision, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.decisions[decisionID]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// ListDecisions returns copies of all decisions
func (e *Engine) ListDecisions() []*Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Decision, 0, len(e.decisions))
	for _, d := range e.decisions {
		out = append(out, d.clone())
	}
	return out
}

// PendingFor returns ids of pending decisions awaiting the signer
func (e *Engine) PendingFor(signer string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []string
	for id, d := range e.decisions {
		if d.Status == DecisionPending && d.isRequiredSigner(signer) && !d.hasActed(signer) {
			ids = append(ids, id)
		}
	}
	return ids
}

// armTimers schedules the expiry and, if enabled, the escalating reminder
// series at two thirds and five sixths of the timeout
func (e *Engine) armTimers(decisionID string) {
	e.monitor.Watch("decision:"+decisionID, e.config.Timeout, func() {
		e.expire(decisionID)
	})
	if !e.config.EnableReminders {
		return
	}
	e.monitor.Watch("decision-remind-high:"+decisionID, e.config.Timeout*2/3, func() {
		e.remind(decisionID, PriorityHigh)
	})
	e.monitor.Watch("decision-remind-urgent:"+decisionID, e.config.Timeout*5/6, func() {
		e.remind(decisionID, PriorityUrgent)
	})
}

// disarmTimers cancels the expiry and reminders once a decision resolves
func (e *Engine) disarmTimers(decisionID string) {
	e.monitor.Cancel("decision:" + decisionID)
	e.monitor.Cancel("decision-remind-high:" + decisionID)
	e.monitor.Cancel("decision-remind-urgent:" + decisionID)
}

// expire rejects a decision whose timeout fired. Runs off-clock; the status
// is re-checked under the lock because a signature may have landed between
// the timer firing and the handler running.
func (e *Engine) expire(decisionID string) {
	e.timeoutSem <- struct{}{}
	defer func() { <-e.timeoutSem }()

	e.mu.Lock()
	d, ok := e.decisions[decisionID]
	if !ok || d.Status != DecisionPending {
		e.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	d.Status = DecisionRejected
	d.RejectedAt = &now
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metrics.RecordDecision(string(d.Type), "timeout")
	e.log.Warn().
		Str("decision_id", decisionID).
		Str("type", string(d.Type)).
		Msg("Decision timed out")
	alerts.AlertDecisionExpired(ctx, decisionID, string(d.Type))
	e.persist(ctx, d)
	e.disarmTimers(decisionID)

	if e.auditor != nil {
		_ = e.auditor.LogDecision(ctx, e.taskID, d.ProposerID, decisionID, "timeout")
	}
	e.send(ctx, d.ProposerID, KindSignatureVeto, map[string]interface{}{
		"decision_id": decisionID,
		"reason":      "timeout",
	}, PriorityNormal)
	e.emitResolved(d)
}

// remind re-sends the signature request to signers who have not acted yet
func (e *Engine) remind(decisionID string, priority Priority) {
	e.mu.RLock()
	d, ok := e.decisions[decisionID]
	if !ok || d.Status != DecisionPending {
		e.mu.RUnlock()
		return
	}
	var laggards []string
	for _, signer := range d.RequiredSigners {
		if !d.hasActed(signer) {
			laggards = append(laggards, signer)
		}
	}
	dtype := d.Type
	proposer := d.ProposerID
	e.mu.RUnlock()

	if len(laggards) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metrics.RecordDecisionReminder()
	e.log.Info().
		Str("decision_id", decisionID).
		Strs("signers", laggards).
		Int("priority", int(priority)).
		Msg("Sending signature reminders")
	for _, signer := range laggards {
		e.send(ctx, signer, KindSignatureRequest, map[string]interface{}{
			"decision_id":   decisionID,
			"decision_type": string(dtype),
			"proposer":      proposer,
			"reminder":      true,
		}, priority)
	}
}

// persist writes the decision through the store; failures are logged only
func (e *Engine) persist(ctx context.Context, d *Decision) {
	if e.store == nil {
		return
	}
	e.mu.RLock()
	snapshot := d.clone()
	e.mu.RUnlock()
	if err := e.store.SaveDecision(ctx, snapshot); err != nil {
		metrics.RecordError("persistence", "decision_engine")
		e.log.Error().Err(err).Str("decision_id", d.ID).Msg("Failed to persist decision")
	}
}

// send publishes an engine notification through the bus
func (e *Engine) send(ctx context.Context, recipient string, kind MessageKind, content map[string]interface{}, priority Priority) {
	if e.bus == nil {
		return
	}
	msg := NewMessage("system", recipient, e.taskID, kind, content).WithPriority(priority)
	if err := e.bus.Send(ctx, msg); err != nil {
		e.log.Error().Err(err).
			Str("recipient", recipient).
			Str("kind", string(kind)).
			Msg("Failed to send decision notification")
	}
}

// emitResolved publishes the decision's terminal state to event listeners
func (e *Engine) emitResolved(d *Decision) {
	if e.events == nil {
		return
	}
	e.events.Emit(Event{
		Kind:   EventDecisionResolved,
		TaskID: e.taskID,
		Payload: map[string]interface{}{
			"decision_id": d.ID,
			"type":        string(d.Type),
			"status":      string(d.Status),
		},
	})
}
