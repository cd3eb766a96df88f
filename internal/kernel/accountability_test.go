package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadreworks/cadre/internal/audit"
)

func setupTestAccountability(t *testing.T) (*Accountability, *Bus, *stubRoster, *lifecycleRecorder, *audit.MemStore) {
	t.Helper()
	auditStore := audit.NewMemStore()
	roster := newStubRoster()
	lifecycle := &lifecycleRecorder{}
	bus := NewBus("task-1", DefaultBusConfig(), nil, nil)
	acct := NewAccountability("task-1", DefaultAccountabilityConfig(), bus,
		audit.NewLogger(auditStore, true), roster, lifecycle)
	return acct, bus, roster, lifecycle, auditStore
}

// TestIssueWarningNotifiesAgent tests that a warning below the threshold
// reaches the agent as an urgent message with the running count
func TestIssueWarningNotifiesAgent(t *testing.T) {
	acct, bus, roster, lifecycle, auditStore := setupTestAccountability(t)
	worker := idleAgent(t, "bottom-1", "worker", "worker", LayerBottom)
	roster.add(worker)
	bus.RegisterAgent("bottom-1")
	ctx := context.Background()

	require.NoError(t, acct.IssueWarning(ctx, "bottom-1", "subtask went sideways"))

	assert.Equal(t, 1, worker.Metrics().WarningsReceived)
	assert.Equal(t, 1, auditStore.Len())
	assert.Empty(t, lifecycle.replaced())

	msgs := drainInbox(t, bus, 1, "bottom-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, KindWarningIssue, msgs[0].Kind)
	assert.Equal(t, PriorityUrgent, msgs[0].Priority)
	assert.Equal(t, "subtask went sideways", msgs[0].Content["reason"])
	assert.Equal(t, 1, msgs[0].Content["warning_count"])
	assert.Equal(t, 3, msgs[0].Content["threshold"])
}

// TestWarningThresholdDismisses tests that the third warning dismisses the
// agent instead of notifying it
func TestWarningThresholdDismisses(t *testing.T) {
	acct, bus, roster, lifecycle, auditStore := setupTestAccountability(t)
	worker := idleAgent(t, "bottom-1", "worker", "worker", LayerBottom)
	worker.SetSupervisor("mid-1")
	roster.add(worker)
	bus.RegisterAgent("bottom-1")
	bus.RegisterAgent("mid-1")
	ctx := context.Background()

	require.NoError(t, acct.IssueWarning(ctx, "bottom-1", "first"))
	require.NoError(t, acct.IssueWarning(ctx, "bottom-1", "second"))
	require.NoError(t, acct.IssueWarning(ctx, "bottom-1", "third"))

	assert.Equal(t, StateTerminated, worker.State())
	assert.Equal(t, []string{"bottom-1"}, lifecycle.replaced())

	// Three warning audits plus the dismissal audit.
	assert.Equal(t, 4, auditStore.Len())
	dismissals, err := auditStore.Query(ctx, &audit.QueryFilters{EventType: audit.EventTypeDismissal})
	require.NoError(t, err)
	require.Len(t, dismissals, 1)
	assert.Equal(t, "bottom-1", dismissals[0].AgentID)

	supMsgs := drainInbox(t, bus, 1, "mid-1")
	require.Len(t, supMsgs, 1)
	assert.Equal(t, KindDismissalNotice, supMsgs[0].Kind)
	assert.Equal(t, "bottom-1", supMsgs[0].Content["agent_id"])

	// The dismissed agent got two warning notices, no third.
	workerMsgs := bus.GetMessages("bottom-1")
	assert.Len(t, workerMsgs, 2)
	assert.Equal(t, []MessageKind{KindWarningIssue, KindWarningIssue}, kindsOf(workerMsgs))
}

// TestIssueWarningUnknownAgent tests lookup failures
func TestIssueWarningUnknownAgent(t *testing.T) {
	acct, _, _, _, _ := setupTestAccountability(t)
	err := acct.IssueWarning(context.Background(), "ghost", "reason")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent")
}

// TestIssueWarningTerminatedAgent tests that dead agents cannot be warned
func TestIssueWarningTerminatedAgent(t *testing.T) {
	acct, _, roster, _, _ := setupTestAccountability(t)
	worker := idleAgent(t, "bottom-1", "worker", "worker", LayerBottom)
	require.NoError(t, worker.Transition(StateShuttingDown, "done"))
	require.NoError(t, worker.Transition(StateTerminated, "done"))
	roster.add(worker)

	err := acct.IssueWarning(context.Background(), "bottom-1", "reason")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminated")
}

// TestTaskFailureWarnsAssignees tests that a failed subtask warns exactly
// the agents it was assigned to
func TestTaskFailureWarnsAssignees(t *testing.T) {
	acct, bus, roster, _, _ := setupTestAccountability(t)
	w1 := idleAgent(t, "bottom-1", "worker", "worker", LayerBottom)
	w2 := idleAgent(t, "bottom-2", "worker", "worker", LayerBottom)
	bystander := idleAgent(t, "bottom-3", "worker", "worker", LayerBottom)
	roster.add(w1)
	roster.add(w2)
	roster.add(bystander)
	for _, id := range []string{"bottom-1", "bottom-2", "bottom-3"} {
		bus.RegisterAgent(id)
	}

	acct.ObserveAssignment("task-1-4", "bottom-1")
	acct.ObserveAssignment("task-1-4", "bottom-2")
	acct.ObserveAssignment("task-1-4", "bottom-1")

	acct.OnTaskFailure(context.Background(), "task-1-4", "executor crashed")

	assert.Equal(t, 1, w1.Metrics().WarningsReceived)
	assert.Equal(t, 1, w2.Metrics().WarningsReceived)
	assert.Equal(t, 0, bystander.Metrics().WarningsReceived)
}

// TestTaskFailureWithoutAssignees tests that an unattributed failure warns
// no one
func TestTaskFailureWithoutAssignees(t *testing.T) {
	acct, _, roster, lifecycle, auditStore := setupTestAccountability(t)
	roster.add(idleAgent(t, "bottom-1", "worker", "worker", LayerBottom))

	acct.OnTaskFailure(context.Background(), "task-1-9", "mystery failure")

	assert.Equal(t, 0, auditStore.Len())
	assert.Empty(t, lifecycle.replaced())
}

// TestDemoteMidAgent tests the demotion notice and the lifecycle request
func TestDemoteMidAgent(t *testing.T) {
	acct, bus, roster, lifecycle, auditStore := setupTestAccountability(t)
	mid := idleAgent(t, "mid-1", "coordinator", "coordinator", LayerMid)
	roster.add(mid)
	bus.RegisterAgent("mid-1")
	ctx := context.Background()

	require.NoError(t, acct.DemoteAgent(ctx, "mid-1", "sustained poor scores"))

	assert.Equal(t, []string{"mid-1"}, lifecycle.demoted())
	demotions, err := auditStore.Query(ctx, &audit.QueryFilters{EventType: audit.EventTypeDemotion})
	require.NoError(t, err)
	assert.Len(t, demotions, 1)

	msgs := drainInbox(t, bus, 1, "mid-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, KindDemotionNotice, msgs[0].Kind)
	assert.Equal(t, PriorityUrgent, msgs[0].Priority)
	assert.Equal(t, 0, mid.Metrics().WarningsReceived, "demotion is not a warning for mid agents")
}

// TestDemoteBottomDegradesToWarning tests that bottom agents have no lower
// layer to land in
func TestDemoteBottomDegradesToWarning(t *testing.T) {
	acct, bus, roster, lifecycle, _ := setupTestAccountability(t)
	worker := idleAgent(t, "bottom-1", "worker", "worker", LayerBottom)
	roster.add(worker)
	bus.RegisterAgent("bottom-1")

	require.NoError(t, acct.DemoteAgent(context.Background(), "bottom-1", "poor scores"))

	assert.Empty(t, lifecycle.demoted())
	assert.Equal(t, 1, worker.Metrics().WarningsReceived)

	msgs := drainInbox(t, bus, 1, "bottom-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, KindWarningIssue, msgs[0].Kind)
}

// TestDismissAgentIdempotent tests that dismissing a terminated agent is a
// quiet no-op
func TestDismissAgentIdempotent(t *testing.T) {
	acct, _, roster, lifecycle, auditStore := setupTestAccountability(t)
	worker := idleAgent(t, "bottom-1", "worker", "worker", LayerBottom)
	roster.add(worker)
	ctx := context.Background()

	require.NoError(t, acct.DismissAgent(ctx, "bottom-1", "first dismissal"))
	assert.Equal(t, StateTerminated, worker.State())
	require.NoError(t, acct.DismissAgent(ctx, "bottom-1", "second dismissal"))

	assert.Equal(t, []string{"bottom-1"}, lifecycle.replaced(), "one replacement request only")
	assert.Equal(t, 1, auditStore.Len())
}

// TestDismissAgentFromWorking tests dismissal while the agent holds work
func TestDismissAgentFromWorking(t *testing.T) {
	acct, _, roster, _, _ := setupTestAccountability(t)
	worker := idleAgent(t, "bottom-1", "worker", "worker", LayerBottom)
	require.NoError(t, worker.Transition(StateWorking, "assigned"))
	roster.add(worker)

	require.NoError(t, acct.DismissAgent(context.Background(), "bottom-1", "urgent removal"))
	assert.Equal(t, StateTerminated, worker.State())
}

// TestForceTerminate tests the legal-transition walk from every state
func TestForceTerminate(t *testing.T) {
	paths := []struct {
		name  string
		setup func(t *testing.T, a *Agent)
	}{
		{"initializing", func(t *testing.T, a *Agent) {}},
		{"idle", func(t *testing.T, a *Agent) {
			require.NoError(t, a.Transition(StateIdle, "test"))
		}},
		{"working", func(t *testing.T, a *Agent) {
			require.NoError(t, a.Transition(StateIdle, "test"))
			require.NoError(t, a.Transition(StateWorking, "test"))
		}},
		{"waiting approval", func(t *testing.T, a *Agent) {
			require.NoError(t, a.Transition(StateIdle, "test"))
			require.NoError(t, a.Transition(StateWaitingApproval, "test"))
		}},
		{"blocked", func(t *testing.T, a *Agent) {
			require.NoError(t, a.Transition(StateIdle, "test"))
			require.NoError(t, a.Transition(StateWorking, "test"))
			require.NoError(t, a.Transition(StateBlocked, "test"))
		}},
		{"failed", func(t *testing.T, a *Agent) {
			require.NoError(t, a.Transition(StateFailed, "test"))
		}},
	}
	for _, tc := range paths {
		a := NewAgent("agent-1", "agent", "worker", LayerBottom)
		tc.setup(t, a)
		require.NoError(t, forceTerminate(a, "dismissed"), tc.name)
		assert.Equal(t, StateTerminated, a.State(), tc.name)
	}
}
