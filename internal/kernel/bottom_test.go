package kernel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupBottomAgent wires a bottom behavior into a runtime with mid-1 and
// bottom-2 registered as correspondents.
func setupBottomAgent(t *testing.T, executor Executor) (*runtimeHarness, *BottomBehavior, *Agent) {
	t.Helper()
	agent := NewAgent("bottom-1", "research-worker-1", "worker", LayerBottom)
	agent.SetSupervisor("mid-1")
	behavior := NewBottomBehavior(executor)
	h := setupTestRuntime(t, agent, behavior, time.Hour)
	require.NoError(t, h.rt.Init(context.Background()))
	h.bus.RegisterAgent("mid-1")
	h.bus.RegisterAgent("bottom-2")
	return h, behavior, agent
}

func assignMessage(subtaskID, description string) *Message {
	return NewMessage("mid-1", "bottom-1", "task-1", KindTaskAssign, map[string]interface{}{
		"subtask_id":  subtaskID,
		"description": description,
	})
}

// TestBottomAcceptsAndExecutes tests the two-tick assignment cycle: accept
// on arrival, execute on the next tick, then report and record the result.
func TestBottomAcceptsAndExecutes(t *testing.T) {
	var calls int32
	executor := ExecutorFunc(func(ctx context.Context, assignment *Assignment, view *View) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "Indexed 42 documents", nil
	})
	h, behavior, agent := setupBottomAgent(t, executor)

	h.deliver(t, assignMessage("sub-1", "index the corpus"))
	require.NoError(t, h.bus.OnTick(1))
	require.NoError(t, h.rt.OnTick(1))

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "execution is deferred one tick")
	current := behavior.CurrentAssignment()
	require.NotNil(t, current)
	assert.Equal(t, "sub-1", current.SubtaskID)
	assert.Equal(t, "mid-1", current.AssignedBy)

	accepts := drainInbox(t, h.bus, 2, "mid-1")
	require.Len(t, accepts, 1)
	assert.Equal(t, KindTaskAccept, accepts[0].Kind)
	assert.Equal(t, "sub-1", accepts[0].Content["subtask_id"])
	assert.NotEmpty(t, accepts[0].ReplyTo)

	require.NoError(t, h.rt.OnTick(2))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Nil(t, behavior.CurrentAssignment(), "a finished assignment is released")
	assert.Equal(t, int64(1), agent.Metrics().TasksCompleted)

	reports := drainInbox(t, h.bus, 3, "mid-1")
	require.Len(t, reports, 1)
	assert.Equal(t, KindProgressReport, reports[0].Kind)
	assert.Equal(t, "sub-1", reports[0].Content["subtask_id"])
	assert.Equal(t, "completed", reports[0].Content["status"])
	assert.Contains(t, reports[0].Content, "duration_ms")

	doc, err := h.board.Read(context.Background(), BottomScope("bottom-1"), "bottom-1")
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "Indexed 42 documents")
	assert.Contains(t, doc.Content, "**By**: bottom-1")
}

// TestBottomRejectsWhileBusy tests that a second assignment is bounced
// back so the supervisor can rehome it.
func TestBottomRejectsWhileBusy(t *testing.T) {
	var calls int32
	executor := ExecutorFunc(func(ctx context.Context, assignment *Assignment, view *View) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "done", nil
	})
	h, _, _ := setupBottomAgent(t, executor)

	h.deliver(t, assignMessage("sub-1", "index the corpus"))
	require.NoError(t, h.bus.OnTick(1))
	require.NoError(t, h.rt.OnTick(1))

	h.deliver(t, assignMessage("sub-2", "summarize findings"))
	require.NoError(t, h.bus.OnTick(2))
	require.NoError(t, h.rt.OnTick(2))

	msgs := drainInbox(t, h.bus, 3, "mid-1")
	require.Len(t, msgs, 3)
	assert.Equal(t, []MessageKind{KindTaskAccept, KindTaskReject, KindProgressReport}, kindsOf(msgs))
	reject := msgs[1]
	assert.Equal(t, "sub-2", reject.Content["subtask_id"])
	assert.Equal(t, "busy", reject.Content["reason"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "only the first assignment runs")
}

// TestBottomExecutorFailure tests that a failed execution reports at high
// priority, keeps the assignment, and surfaces the error to the runtime.
func TestBottomExecutorFailure(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, assignment *Assignment, view *View) (string, error) {
		return "", errors.New("tool crashed")
	})
	h, behavior, agent := setupBottomAgent(t, executor)

	h.deliver(t, assignMessage("sub-1", "index the corpus"))
	require.NoError(t, h.bus.OnTick(1))
	require.NoError(t, h.rt.OnTick(1))
	require.NoError(t, h.rt.OnTick(2))

	assert.Equal(t, int64(1), agent.Metrics().TasksFailed)
	assert.Equal(t, int64(1), agent.Metrics().HeartbeatsMissed, "the runtime should see the failure")
	assert.Equal(t, 1, agent.RetryCount())
	assert.NotNil(t, behavior.CurrentAssignment(), "a failed assignment is retained for retry")

	msgs := drainInbox(t, h.bus, 3, "mid-1")
	var report *Message
	for _, m := range msgs {
		if m.Kind == KindProgressReport {
			report = m
		}
	}
	require.NotNil(t, report)
	assert.Equal(t, PriorityHigh, report.Priority)
	assert.Equal(t, "failed", report.Content["status"])
	assert.Equal(t, "tool crashed", report.Content["error"])
}

// TestBottomAdoptsPeerWork tests that an idle agent accepts a peer help
// request and reports progress to the requesting peer, not the original
// supervisor.
func TestBottomAdoptsPeerWork(t *testing.T) {
	h, behavior, _ := setupBottomAgent(t, nil)

	help := NewMessage("bottom-2", "bottom-1", "task-1", KindPeerHelpRequest, map[string]interface{}{
		"subtask_id":  "sub-7",
		"description": "rescue the stalled crawl",
		"reason":      "connection reset by peer",
	}).WithPriority(PriorityHigh)
	h.deliver(t, help)
	require.NoError(t, h.bus.OnTick(1))
	require.NoError(t, h.rt.OnTick(1))

	current := behavior.CurrentAssignment()
	require.NotNil(t, current)
	assert.Equal(t, "sub-7", current.SubtaskID)
	assert.Equal(t, "bottom-2", current.AssignedBy, "adopted work reports to the requester")

	responses := drainInbox(t, h.bus, 2, "bottom-2")
	require.Len(t, responses, 1)
	assert.Equal(t, KindPeerHelpResponse, responses[0].Kind)
	assert.Equal(t, PriorityHigh, responses[0].Priority)
	assert.Equal(t, true, responses[0].Content["accepted"])
	assert.Equal(t, help.ID, responses[0].ReplyTo)

	require.NoError(t, h.rt.OnTick(2))
	reports := drainInbox(t, h.bus, 3, "bottom-2")
	require.Len(t, reports, 1)
	assert.Equal(t, KindProgressReport, reports[0].Kind)
	assert.Equal(t, "completed", reports[0].Content["status"])
}

// TestBottomDeclinesHelpWhileBusy tests that a busy agent declines peer
// help and shares its board section instead.
func TestBottomDeclinesHelpWhileBusy(t *testing.T) {
	h, _, _ := setupBottomAgent(t, nil)

	h.deliver(t, assignMessage("sub-1", "index the corpus"))
	require.NoError(t, h.bus.OnTick(1))
	require.NoError(t, h.rt.OnTick(1))

	h.deliver(t, NewMessage("bottom-2", "bottom-1", "task-1", KindPeerHelpRequest, map[string]interface{}{
		"subtask_id":  "sub-7",
		"description": "rescue the stalled crawl",
	}))
	require.NoError(t, h.bus.OnTick(2))
	require.NoError(t, h.rt.OnTick(2))

	responses := drainInbox(t, h.bus, 3, "bottom-2")
	require.Len(t, responses, 1)
	assert.Equal(t, KindPeerHelpResponse, responses[0].Kind)
	assert.Equal(t, false, responses[0].Content["accepted"])
	assert.Equal(t, "busy", responses[0].Content["reason"])
	board, ok := responses[0].Content["board"].(string)
	require.True(t, ok, "a busy decline should include the board section")
	assert.NotEmpty(t, board)
}

// TestBottomStatusReport tests the status_query reply shape.
func TestBottomStatusReport(t *testing.T) {
	h, _, _ := setupBottomAgent(t, nil)

	h.deliver(t, assignMessage("sub-1", "index the corpus"))
	require.NoError(t, h.bus.OnTick(1))
	require.NoError(t, h.rt.OnTick(1))

	h.deliver(t, NewMessage("mid-1", "bottom-1", "task-1", KindStatusQuery, nil))
	require.NoError(t, h.bus.OnTick(2))
	require.NoError(t, h.rt.OnTick(2))

	msgs := drainInbox(t, h.bus, 3, "mid-1")
	var report *Message
	for _, m := range msgs {
		if m.Kind == KindStatusReport {
			report = m
		}
	}
	require.NotNil(t, report)
	assert.Equal(t, string(StateWorking), report.Content["status"])
	assert.Equal(t, "sub-1", report.Content["current_subtask"])
	assert.Equal(t, int64(0), report.Content["tasks_completed"])
	assert.Equal(t, int64(0), report.Content["tasks_failed"])
}

// TestBottomRejectsMalformedAssignments tests that unparseable assignments
// and help requests are refused with the parse error.
func TestBottomRejectsMalformedAssignments(t *testing.T) {
	var calls int32
	executor := ExecutorFunc(func(ctx context.Context, assignment *Assignment, view *View) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "done", nil
	})
	h, behavior, _ := setupBottomAgent(t, executor)

	h.deliver(t, NewMessage("mid-1", "bottom-1", "task-1", KindTaskAssign,
		map[string]interface{}{"subtask_id": "sub-1"}))
	h.deliver(t, NewMessage("bottom-2", "bottom-1", "task-1", KindPeerHelpRequest,
		map[string]interface{}{"description": "no id"}))
	require.NoError(t, h.bus.OnTick(1))
	require.NoError(t, h.rt.OnTick(1))

	assert.Nil(t, behavior.CurrentAssignment())

	rejects := drainInbox(t, h.bus, 2, "mid-1")
	require.Len(t, rejects, 1)
	assert.Equal(t, KindTaskReject, rejects[0].Kind)
	assert.Contains(t, rejects[0].Content["reason"], "missing description")

	declines := h.bus.GetMessages("bottom-2")
	require.Len(t, declines, 1)
	assert.Equal(t, KindPeerHelpResponse, declines[0].Kind)
	assert.Equal(t, false, declines[0].Content["accepted"])
	assert.Contains(t, declines[0].Content["reason"], "missing subtask_id")

	require.NoError(t, h.rt.OnTick(2))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
