package kernel

import (
	"sync"
	"time"
)

// Layer places an agent in the three-tier hierarchy
type Layer string

const (
	LayerTop    Layer = "top"
	LayerMid    Layer = "mid"
	LayerBottom Layer = "bottom"
)

// Valid reports whether l is a defined layer
func (l Layer) Valid() bool {
	return l == LayerTop || l == LayerMid || l == LayerBottom
}

// Capability is a closed-vocabulary tag declaring what roles an agent may fill
type Capability string

const (
	CapPlan       Capability = "plan"
	CapExecute    Capability = "execute"
	CapReflect    Capability = "reflect"
	CapToolCall   Capability = "tool_call"
	CapCodeGen    Capability = "code_gen"
	CapTestExec   Capability = "test_exec"
	CapReview     Capability = "review"
	CapCoordinate Capability = "coordinate"
	CapDelegate   Capability = "delegate"
	CapArbitrate  Capability = "arbitrate"
)

// Capabilities is the full closed vocabulary
var Capabilities = []Capability{
	CapPlan, CapExecute, CapReflect, CapToolCall, CapCodeGen,
	CapTestExec, CapReview, CapCoordinate, CapDelegate, CapArbitrate,
}

// Valid reports whether c is in the closed vocabulary
func (c Capability) Valid() bool {
	for _, known := range Capabilities {
		if c == known {
			return true
		}
	}
	return false
}

// PowerKind labels the three top-layer agents whose signature authority is
// partitioned so no single one can approve every decision
type PowerKind string

const (
	PowerA PowerKind = "A"
	PowerB PowerKind = "B"
	PowerC PowerKind = "C"
)

// TopProfile carries top-layer attributes
type TopProfile struct {
	Power              PowerKind      `json:"power"`
	VoteWeight         float64        `json:"vote_weight"`
	SignatureAuthority []DecisionType `json:"signature_authority"`
}

// CanSign reports whether the profile's authority covers the decision type
func (p *TopProfile) CanSign(dt DecisionType) bool {
	for _, authorized := range p.SignatureAuthority {
		if authorized == dt {
			return true
		}
	}
	return false
}

// MidProfile carries mid-layer attributes
type MidProfile struct {
	Domain          string `json:"domain"`
	MaxSubordinates int    `json:"max_subordinates"`
}

// BottomProfile carries bottom-layer attributes
type BottomProfile struct {
	Tools []string `json:"tools"`
}

// Metrics is a snapshot of an agent's counters
type Metrics struct {
	TasksCompleted      int     `json:"tasks_completed"`
	TasksFailed         int     `json:"tasks_failed"`
	AvgTaskDurationMs   float64 `json:"avg_task_duration_ms"`
	MessagesProcessed   int     `json:"messages_processed"`
	HeartbeatsResponded int     `json:"heartbeats_responded"`
	HeartbeatsMissed    int     `json:"heartbeats_missed"`
	WarningsReceived    int     `json:"warnings_received"`
	LastActiveTick      int64   `json:"last_active_tick"`
	PerformanceScore    int     `json:"performance_score"`
}

// AgentConfig bounds an agent's retries and execution time
type AgentConfig struct {
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`
}

// DefaultAgentConfig returns the default per-agent limits
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxRetries: 3,
		Timeout:    30 * time.Second,
	}
}

// Agent is one participant: identity, hierarchy links, a layer profile,
// guarded metrics, and a state machine. Mutated only by its runtime, the
// state machine, accountability, and election.
type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Role         string       `json:"role"`
	Layer        Layer        `json:"layer"`
	Capabilities []Capability `json:"capabilities"`

	Top    *TopProfile    `json:"top,omitempty"`
	Mid    *MidProfile    `json:"mid,omitempty"`
	Bottom *BottomProfile `json:"bottom,omitempty"`

	Config AgentConfig `json:"config"`

	sm *StateMachine

	mu           sync.Mutex
	supervisor   string
	subordinates []string
	metrics      Metrics
	retryCount   int
}

// NewAgent creates an agent in the initializing state
func NewAgent(id, name, role string, layer Layer) *Agent {
	return &Agent{
		ID:     id,
		Name:   name,
		Role:   role,
		Layer:  layer,
		Config: DefaultAgentConfig(),
		sm:     NewStateMachine(id),
	}
}

// State returns the agent's current lifecycle state
func (a *Agent) State() State {
	return a.sm.Current()
}

// Transition moves the agent through its state machine
func (a *Agent) Transition(to State, reason string) error {
	return a.sm.TransitionTo(to, reason)
}

// OnStateChange registers a hook on the agent's state machine
func (a *Agent) OnStateChange(hook StateChangeHook) {
	a.sm.OnChange(hook)
}

// Supervisor returns the supervising agent id, empty for top agents
func (a *Agent) Supervisor() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.supervisor
}

// SetSupervisor rewires the agent's supervisor link
func (a *Agent) SetSupervisor(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.supervisor = id
}

// Subordinates returns a copy of the subordinate id list
func (a *Agent) Subordinates() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.subordinates))
	copy(out, a.subordinates)
	return out
}

// AddSubordinate links a subordinate if not already present
func (a *Agent) AddSubordinate(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.subordinates {
		if existing == id {
			return
		}
	}
	a.subordinates = append(a.subordinates, id)
}

// RemoveSubordinate unlinks a subordinate; unknown ids are a no-op
func (a *Agent) RemoveSubordinate(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.subordinates {
		if existing == id {
			a.subordinates = append(a.subordinates[:i], a.subordinates[i+1:]...)
			return
		}
	}
}

// SetSubordinates replaces the subordinate list
func (a *Agent) SetSubordinates(ids []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subordinates = make([]string, len(ids))
	copy(a.subordinates, ids)
}

// Metrics returns a snapshot copy of the agent's counters
func (a *Agent) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// RecordHeartbeat notes a responded heartbeat and the messages it processed
func (a *Agent) RecordHeartbeat(processed int, tick int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.HeartbeatsResponded++
	a.metrics.MessagesProcessed += processed
	a.metrics.LastActiveTick = tick
}

// RecordMissedHeartbeat notes a failed tick
func (a *Agent) RecordMissedHeartbeat() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.HeartbeatsMissed++
}

// RecordTaskCompleted folds a completed task into the incremental mean
func (a *Agent) RecordTaskCompleted(durationMs float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.TasksCompleted++
	a.foldDuration(durationMs)
}

// RecordTaskFailed folds a failed task into the incremental mean
func (a *Agent) RecordTaskFailed(durationMs float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.TasksFailed++
	a.foldDuration(durationMs)
}

// foldDuration updates the running mean. Caller holds the lock.
func (a *Agent) foldDuration(durationMs float64) {
	n := a.metrics.TasksCompleted + a.metrics.TasksFailed
	a.metrics.AvgTaskDurationMs += (durationMs - a.metrics.AvgTaskDurationMs) / float64(n)
}

// AddWarning increments the warning counter and returns the new total
func (a *Agent) AddWarning() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.WarningsReceived++
	return a.metrics.WarningsReceived
}

// SetPerformanceScore records the most recent computed score
func (a *Agent) SetPerformanceScore(score int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.PerformanceScore = score
}

// RetryCount returns the current consecutive-failure counter
func (a *Agent) RetryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retryCount
}

// IncrementRetry bumps the failure counter and returns the prior value,
// which is the attempt number the recovery pipeline budgets against
func (a *Agent) IncrementRetry() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.retryCount
	a.retryCount++
	return n
}

// ResetRetry clears the failure counter after a successful tick
func (a *Agent) ResetRetry() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retryCount = 0
}
