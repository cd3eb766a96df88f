package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewAgentDefaults tests the initial state, config, and empty links
func TestNewAgentDefaults(t *testing.T) {
	a := NewAgent("worker-1", "research-worker", "worker", LayerBottom)

	assert.Equal(t, "worker-1", a.ID)
	assert.Equal(t, LayerBottom, a.Layer)
	assert.Equal(t, StateInitializing, a.State())
	assert.Equal(t, 3, a.Config.MaxRetries)
	assert.Equal(t, 30*time.Second, a.Config.Timeout)
	assert.Empty(t, a.Supervisor())
	assert.Empty(t, a.Subordinates())
	assert.Equal(t, Metrics{}, a.Metrics())
}

// TestAgentHierarchyLinks tests supervisor and subordinate wiring
func TestAgentHierarchyLinks(t *testing.T) {
	a := NewAgent("mid-1", "coordinator", "coordinator", LayerMid)

	a.SetSupervisor("top-1")
	assert.Equal(t, "top-1", a.Supervisor())

	a.AddSubordinate("bottom-1")
	a.AddSubordinate("bottom-2")
	a.AddSubordinate("bottom-1")
	assert.Equal(t, []string{"bottom-1", "bottom-2"}, a.Subordinates())

	a.RemoveSubordinate("bottom-1")
	a.RemoveSubordinate("missing")
	assert.Equal(t, []string{"bottom-2"}, a.Subordinates())

	ids := []string{"bottom-3", "bottom-4"}
	a.SetSubordinates(ids)
	ids[0] = "mutated"
	assert.Equal(t, []string{"bottom-3", "bottom-4"}, a.Subordinates(), "list is copied in")

	subs := a.Subordinates()
	subs[0] = "mutated"
	assert.Equal(t, []string{"bottom-3", "bottom-4"}, a.Subordinates(), "list is copied out")
}

// TestAgentTaskCounters tests the incremental duration mean across
// completed and failed tasks
func TestAgentTaskCounters(t *testing.T) {
	a := NewAgent("worker-1", "worker", "worker", LayerBottom)

	a.RecordTaskCompleted(100)
	a.RecordTaskFailed(200)
	a.RecordTaskCompleted(300)

	m := a.Metrics()
	assert.Equal(t, 2, m.TasksCompleted)
	assert.Equal(t, 1, m.TasksFailed)
	assert.InDelta(t, 200.0, m.AvgTaskDurationMs, 0.001)
}

// TestAgentHeartbeatCounters tests heartbeat bookkeeping
func TestAgentHeartbeatCounters(t *testing.T) {
	a := NewAgent("worker-1", "worker", "worker", LayerBottom)

	a.RecordHeartbeat(3, 7)
	a.RecordHeartbeat(0, 8)
	a.RecordMissedHeartbeat()

	m := a.Metrics()
	assert.Equal(t, 2, m.HeartbeatsResponded)
	assert.Equal(t, 1, m.HeartbeatsMissed)
	assert.Equal(t, 3, m.MessagesProcessed)
	assert.Equal(t, int64(8), m.LastActiveTick)
}

// TestAgentWarnings tests that AddWarning returns the running total
func TestAgentWarnings(t *testing.T) {
	a := NewAgent("worker-1", "worker", "worker", LayerBottom)

	assert.Equal(t, 1, a.AddWarning())
	assert.Equal(t, 2, a.AddWarning())
	assert.Equal(t, 2, a.Metrics().WarningsReceived)
}

// TestAgentRetryCounter tests that IncrementRetry returns the prior value,
// which is the attempt number recovery budgets against
func TestAgentRetryCounter(t *testing.T) {
	a := NewAgent("worker-1", "worker", "worker", LayerBottom)

	assert.Equal(t, 0, a.IncrementRetry())
	assert.Equal(t, 1, a.IncrementRetry())
	assert.Equal(t, 2, a.RetryCount())

	a.ResetRetry()
	assert.Equal(t, 0, a.RetryCount())
	assert.Equal(t, 0, a.IncrementRetry())
}

// TestAgentStateHooks tests that hooks registered on the agent observe its
// transitions
func TestAgentStateHooks(t *testing.T) {
	a := NewAgent("worker-1", "worker", "worker", LayerBottom)

	var observed []State
	a.OnStateChange(func(agentID string, from, to State, reason string) {
		assert.Equal(t, "worker-1", agentID)
		observed = append(observed, to)
	})

	require.NoError(t, a.Transition(StateIdle, "init done"))
	require.NoError(t, a.Transition(StateWorking, "assigned"))
	assert.Equal(t, []State{StateIdle, StateWorking}, observed)
}

// TestAgentPerformanceScore tests the score setter used by elections
func TestAgentPerformanceScore(t *testing.T) {
	a := NewAgent("worker-1", "worker", "worker", LayerBottom)
	a.SetPerformanceScore(87)
	assert.Equal(t, 87, a.Metrics().PerformanceScore)
}

// TestLayerAndCapabilityValidity tests the closed vocabularies
func TestLayerAndCapabilityValidity(t *testing.T) {
	assert.True(t, LayerTop.Valid())
	assert.True(t, LayerMid.Valid())
	assert.True(t, LayerBottom.Valid())
	assert.False(t, Layer("middle").Valid())

	for _, c := range Capabilities {
		assert.True(t, c.Valid(), "capability %s", c)
	}
	assert.False(t, Capability("fly").Valid())
	assert.False(t, Capability("").Valid())
}

// TestTopProfileCanSign tests signature authority lookups
func TestTopProfileCanSign(t *testing.T) {
	p := &TopProfile{
		Power:              PowerA,
		VoteWeight:         1.0,
		SignatureAuthority: []DecisionType{DecisionTechnicalProposal, DecisionMilestoneConfirmation},
	}

	assert.True(t, p.CanSign(DecisionTechnicalProposal))
	assert.True(t, p.CanSign(DecisionMilestoneConfirmation))
	assert.False(t, p.CanSign(DecisionTaskAllocation))
	assert.False(t, p.CanSign(DecisionResourceAdjustment))
}
