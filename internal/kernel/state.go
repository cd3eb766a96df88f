package kernel

import (
	"errors"
	"fmt"
	"sync"
)

// State is an agent lifecycle state
type State string

const (
	StateInitializing    State = "initializing"
	StateIdle            State = "idle"
	StateWorking         State = "working"
	StateWaitingApproval State = "waiting_approval"
	StateBlocked         State = "blocked"
	StateFailed          State = "failed"
	StateShuttingDown    State = "shutting_down"
	StateTerminated      State = "terminated"
)

// ErrInvalidTransition is returned when a transition is not in the allowed set
var ErrInvalidTransition = errors.New("invalid state transition")

// allowedTransitions is the complete transition table. Everything absent
// is a fault.
var allowedTransitions = map[State][]State{
	StateInitializing:    {StateIdle, StateFailed},
	StateIdle:            {StateWorking, StateWaitingApproval, StateShuttingDown},
	StateWorking:         {StateIdle, StateBlocked, StateFailed, StateWaitingApproval},
	StateWaitingApproval: {StateWorking, StateIdle, StateBlocked},
	StateBlocked:         {StateWorking, StateFailed},
	StateFailed:          {StateWorking, StateTerminated},
	StateShuttingDown:    {StateTerminated},
	StateTerminated:      {},
}

// CanTransition reports whether from → to is allowed
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateChangeHook observes successful transitions
type StateChangeHook func(agentID string, from, to State, reason string)

// StateMachine guards an agent's state against invalid transitions
type StateMachine struct {
	agentID string

	mu      sync.Mutex
	current State
	hooks   []StateChangeHook
}

// NewStateMachine creates a machine in the initializing state
func NewStateMachine(agentID string) *StateMachine {
	return &StateMachine{
		agentID: agentID,
		current: StateInitializing,
	}
}

// OnChange registers a hook invoked after each successful transition
func (sm *StateMachine) OnChange(hook StateChangeHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, hook)
}

// Current returns the current state
func (sm *StateMachine) Current() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// TransitionTo moves to the target state, failing loudly when the
// transition is not allowed
func (sm *StateMachine) TransitionTo(to State, reason string) error {
	sm.mu.Lock()
	from := sm.current
	if !CanTransition(from, to) {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s to %s for agent %s", ErrInvalidTransition, from, to, sm.agentID)
	}
	sm.current = to
	hooks := make([]StateChangeHook, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mu.Unlock()

	for _, hook := range hooks {
		hook(sm.agentID, from, to, reason)
	}
	return nil
}
