package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCanTransition tests representative rows of the transition table
func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateInitializing, StateIdle},
		{StateInitializing, StateFailed},
		{StateIdle, StateWorking},
		{StateIdle, StateWaitingApproval},
		{StateIdle, StateShuttingDown},
		{StateWorking, StateIdle},
		{StateWorking, StateBlocked},
		{StateWorking, StateFailed},
		{StateWorking, StateWaitingApproval},
		{StateWaitingApproval, StateWorking},
		{StateWaitingApproval, StateBlocked},
		{StateBlocked, StateWorking},
		{StateBlocked, StateFailed},
		{StateFailed, StateWorking},
		{StateFailed, StateTerminated},
		{StateShuttingDown, StateTerminated},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to State }{
		{StateInitializing, StateWorking},
		{StateIdle, StateBlocked},
		{StateIdle, StateTerminated},
		{StateWorking, StateShuttingDown},
		{StateBlocked, StateIdle},
		{StateFailed, StateIdle},
		{StateShuttingDown, StateIdle},
		{StateIdle, StateIdle},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	// Terminated is absorbing.
	for _, to := range []State{
		StateInitializing, StateIdle, StateWorking, StateWaitingApproval,
		StateBlocked, StateFailed, StateShuttingDown, StateTerminated,
	} {
		assert.False(t, CanTransition(StateTerminated, to), "terminated -> %s", to)
	}
}

// TestStateMachineTransitionTo tests that invalid transitions fail loudly
// and leave the state untouched
func TestStateMachineTransitionTo(t *testing.T) {
	sm := NewStateMachine("agent-1")
	assert.Equal(t, StateInitializing, sm.Current())

	err := sm.TransitionTo(StateWorking, "too eager")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "agent-1")
	assert.Equal(t, StateInitializing, sm.Current())

	require.NoError(t, sm.TransitionTo(StateIdle, "init done"))
	require.NoError(t, sm.TransitionTo(StateWorking, "picked up work"))
	require.NoError(t, sm.TransitionTo(StateFailed, "tool crashed"))
	require.NoError(t, sm.TransitionTo(StateTerminated, "dismissed"))
	assert.Equal(t, StateTerminated, sm.Current())

	err = sm.TransitionTo(StateWorking, "resurrection")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// TestStateMachineHooks tests that hooks observe each successful
// transition with its reason, in registration order
func TestStateMachineHooks(t *testing.T) {
	sm := NewStateMachine("agent-1")

	type change struct {
		agentID string
		from    State
		to      State
		reason  string
	}
	var first, second []change
	sm.OnChange(func(agentID string, from, to State, reason string) {
		first = append(first, change{agentID, from, to, reason})
	})
	sm.OnChange(func(agentID string, from, to State, reason string) {
		second = append(second, change{agentID, from, to, reason})
	})

	require.NoError(t, sm.TransitionTo(StateIdle, "init done"))

	err := sm.TransitionTo(StateBlocked, "not allowed from idle")
	require.Error(t, err)

	require.Len(t, first, 1, "failed transitions must not fire hooks")
	assert.Equal(t, change{"agent-1", StateInitializing, StateIdle, "init done"}, first[0])
	assert.Equal(t, first, second)
}
