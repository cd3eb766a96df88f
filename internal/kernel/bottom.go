package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BottomBehavior runs assigned work through an executor. One assignment
// at a time; further task_assign messages are rejected while busy so the
// supervisor can reassign them.
type BottomBehavior struct {
	executor Executor

	mu      sync.Mutex
	current *Assignment
	armed   bool
}

// NewBottomBehavior creates the executor-layer behavior. A nil executor
// gets a stand-in that marks every assignment done, which keeps teams
// usable in tests and dry runs.
func NewBottomBehavior(executor Executor) *BottomBehavior {
	if executor == nil {
		executor = ExecutorFunc(func(ctx context.Context, assignment *Assignment, view *View) (string, error) {
			return fmt.Sprintf("Completed: %s", assignment.Description), nil
		})
	}
	return &BottomBehavior{executor: executor}
}

// CurrentAssignment implements TaskCarrier
func (b *BottomBehavior) CurrentAssignment() *Assignment {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil
	}
	copied := *b.current
	return &copied
}

// ClearAssignment implements TaskCarrier
func (b *BottomBehavior) ClearAssignment() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = nil
	b.armed = false
}

// OnInit implements Behavior
func (b *BottomBehavior) OnInit(ctx context.Context, rt *Runtime) error {
	return nil
}

// OnShutdown implements Behavior
func (b *BottomBehavior) OnShutdown(ctx context.Context, rt *Runtime) error {
	return nil
}

// OnProcess handles the inbox, then runs the current assignment. An
// assignment accepted in tick k starts executing in tick k+1.
func (b *BottomBehavior) OnProcess(ctx context.Context, rt *Runtime, messages []*Message, view *View) error {
	for _, msg := range messages {
		switch msg.Kind {
		case KindTaskAssign:
			b.handleAssign(ctx, rt, msg)
		case KindPeerHelpRequest:
			b.handleHelpRequest(ctx, rt, msg, view)
		case KindStatusQuery:
			b.handleStatusQuery(ctx, rt, msg)
		default:
			// notices and broadcasts need no action here
		}
	}
	return b.runCurrent(ctx, rt, view)
}

func (b *BottomBehavior) handleAssign(ctx context.Context, rt *Runtime, msg *Message) {
	assignment, err := parseAssignment(msg)
	if err != nil {
		_ = rt.Reply(ctx, msg, KindTaskReject, map[string]interface{}{
			"reason": err.Error(),
		}, PriorityNormal)
		return
	}

	b.mu.Lock()
	busy := b.current != nil
	if !busy {
		b.current = assignment
		b.armed = false
	}
	b.mu.Unlock()

	if busy {
		_ = rt.Reply(ctx, msg, KindTaskReject, map[string]interface{}{
			"subtask_id": assignment.SubtaskID,
			"reason":     "busy",
		}, PriorityNormal)
		return
	}
	_ = rt.Reply(ctx, msg, KindTaskAccept, map[string]interface{}{
		"subtask_id": assignment.SubtaskID,
	}, PriorityNormal)
}

// handleHelpRequest accepts the offered work when idle, otherwise shares
// this agent's board section with the requester
func (b *BottomBehavior) handleHelpRequest(ctx context.Context, rt *Runtime, msg *Message, view *View) {
	assignment, err := parseAssignment(msg)
	if err != nil {
		_ = rt.Reply(ctx, msg, KindPeerHelpResponse, map[string]interface{}{
			"accepted": false,
			"reason":   err.Error(),
		}, PriorityNormal)
		return
	}

	b.mu.Lock()
	adopt := b.current == nil
	if adopt {
		assignment.AssignedBy = msg.Sender
		b.current = assignment
		b.armed = false
	}
	b.mu.Unlock()

	if adopt {
		_ = rt.Reply(ctx, msg, KindPeerHelpResponse, map[string]interface{}{
			"accepted":   true,
			"subtask_id": assignment.SubtaskID,
		}, PriorityHigh)
		return
	}

	content := map[string]interface{}{
		"accepted": false,
		"reason":   "busy",
	}
	if doc, err := view.Read(ctx, BottomScope(rt.Agent().ID)); err == nil {
		content["board"] = doc.Content
	}
	_ = rt.Reply(ctx, msg, KindPeerHelpResponse, content, PriorityNormal)
}

func (b *BottomBehavior) handleStatusQuery(ctx context.Context, rt *Runtime, msg *Message) {
	b.mu.Lock()
	var subtaskID string
	if b.current != nil {
		subtaskID = b.current.SubtaskID
	}
	b.mu.Unlock()

	m := rt.Agent().Metrics()
	_ = rt.Reply(ctx, msg, KindStatusReport, map[string]interface{}{
		"status":          string(rt.Agent().State()),
		"current_subtask": subtaskID,
		"tasks_completed": m.TasksCompleted,
		"tasks_failed":    m.TasksFailed,
		"warnings":        m.WarningsReceived,
	}, PriorityNormal)
}

// runCurrent executes the held assignment. The first pass after adoption
// only arms it, deferring execution to the next tick.
func (b *BottomBehavior) runCurrent(ctx context.Context, rt *Runtime, view *View) error {
	b.mu.Lock()
	assignment := b.current
	armed := b.armed
	if assignment != nil && !armed {
		b.armed = true
	}
	b.mu.Unlock()
	if assignment == nil || !armed {
		return nil
	}

	start := time.Now()
	result, err := b.executor.Execute(ctx, assignment, view)
	durationMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		rt.Agent().RecordTaskFailed(durationMs)
		_ = rt.Send(ctx, assignment.AssignedBy, KindProgressReport, map[string]interface{}{
			"subtask_id": assignment.SubtaskID,
			"status":     "failed",
			"error":      err.Error(),
		}, PriorityHigh)
		return fmt.Errorf("execute subtask %s: %w", assignment.SubtaskID, err)
	}

	if err := rt.Board().Append(ctx, BottomScope(rt.Agent().ID), rt.Agent().ID, result); err != nil {
		rt.Agent().RecordTaskFailed(durationMs)
		return fmt.Errorf("record result for subtask %s: %w", assignment.SubtaskID, err)
	}

	rt.Agent().RecordTaskCompleted(durationMs)
	_ = rt.Send(ctx, assignment.AssignedBy, KindProgressReport, map[string]interface{}{
		"subtask_id":  assignment.SubtaskID,
		"status":      "completed",
		"duration_ms": durationMs,
	}, PriorityNormal)

	b.ClearAssignment()
	return nil
}
