package kernel

import (
	"context"
	"errors"
	"fmt"
)

// Behavior is the layer-specific half of an agent runtime. The runtime
// owns the tick procedure; the behavior owns what happens inside it.
// OnProcess runs to completion within the agent's tick slot.
type Behavior interface {
	OnInit(ctx context.Context, rt *Runtime) error
	OnProcess(ctx context.Context, rt *Runtime, messages []*Message, view *View) error
	OnShutdown(ctx context.Context, rt *Runtime) error
}

// Executor runs one unit of bottom-layer work and returns its result as
// markdown for the blackboard. Implementations may call out to tools,
// models, or external services; the runtime bounds the call with the
// agent's configured timeout.
type Executor interface {
	Execute(ctx context.Context, assignment *Assignment, view *View) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, assignment *Assignment, view *View) (string, error)

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, assignment *Assignment, view *View) (string, error) {
	return f(ctx, assignment, view)
}

// Subtask is one piece of a decomposed task
type Subtask struct {
	Description string
	Assignee    string
}

// Decomposer splits a task description into subtasks for a mid agent's
// subordinates. Assignee may be left empty; the mid behavior then
// distributes subtasks round-robin.
type Decomposer interface {
	Decompose(ctx context.Context, description string, subordinates []string) ([]Subtask, error)
}

// DecomposerFunc adapts a function to the Decomposer interface
type DecomposerFunc func(ctx context.Context, description string, subordinates []string) ([]Subtask, error)

// Decompose implements Decomposer
func (f DecomposerFunc) Decompose(ctx context.Context, description string, subordinates []string) ([]Subtask, error) {
	return f(ctx, description, subordinates)
}

// Reviewer decides whether a top agent signs or vetoes a pending
// decision it has authority over
type Reviewer interface {
	Review(ctx context.Context, decision *Decision) (approve bool, reason string, err error)
}

// ReviewerFunc adapts a function to the Reviewer interface
type ReviewerFunc func(ctx context.Context, decision *Decision) (bool, string, error)

// Review implements Reviewer
func (f ReviewerFunc) Review(ctx context.Context, decision *Decision) (bool, string, error) {
	return f(ctx, decision)
}

// ApproveReviewer signs everything. It is the default when no external
// review policy is supplied.
func ApproveReviewer() Reviewer {
	return ReviewerFunc(func(ctx context.Context, decision *Decision) (bool, string, error) {
		return true, "", nil
	})
}

// Conflict is a dispute raised by a conflict_report message
type Conflict struct {
	ID      string
	Subject string
	Parties []string
	Claims  map[string]string
}

// Arbitrator picks the party an arbitration vote should favor
type Arbitrator interface {
	Arbitrate(ctx context.Context, conflict *Conflict) (party string, err error)
}

// ArbitratorFunc adapts a function to the Arbitrator interface
type ArbitratorFunc func(ctx context.Context, conflict *Conflict) (string, error)

// Arbitrate implements Arbitrator
func (f ArbitratorFunc) Arbitrate(ctx context.Context, conflict *Conflict) (string, error) {
	return f(ctx, conflict)
}

// FirstPartyArbitrator votes for the reporting party. It is the default
// when no external arbitration policy is supplied.
func FirstPartyArbitrator() Arbitrator {
	return ArbitratorFunc(func(ctx context.Context, conflict *Conflict) (string, error) {
		if len(conflict.Parties) == 0 {
			return "", errors.New("conflict has no parties")
		}
		return conflict.Parties[0], nil
	})
}

// Assignment is the payload of a task_assign message
type Assignment struct {
	SubtaskID    string
	Description  string
	AssignedBy   string
	ReceivedTick int64
}

// parseAssignment extracts an assignment from a task_assign message
func parseAssignment(msg *Message) (*Assignment, error) {
	subtaskID, _ := msg.Content["subtask_id"].(string)
	if subtaskID == "" {
		return nil, fmt.Errorf("task_assign %s missing subtask_id", msg.ID)
	}
	description, _ := msg.Content["description"].(string)
	if description == "" {
		return nil, fmt.Errorf("task_assign %s missing description", msg.ID)
	}
	return &Assignment{
		SubtaskID:    subtaskID,
		Description:  description,
		AssignedBy:   msg.Sender,
		ReceivedTick: msg.Tick,
	}, nil
}

// assignmentContent renders an assignment as task_assign content
func assignmentContent(a *Assignment) map[string]interface{} {
	return map[string]interface{}{
		"subtask_id":  a.SubtaskID,
		"description": a.Description,
	}
}

// parseConflict extracts a conflict from a conflict_report message
func parseConflict(msg *Message) (*Conflict, error) {
	subject, _ := msg.Content["subject"].(string)
	rawParties, _ := msg.Content["parties"].([]interface{})
	parties := make([]string, 0, len(rawParties))
	for _, p := range rawParties {
		if s, ok := p.(string); ok && s != "" {
			parties = append(parties, s)
		}
	}
	if len(parties) < 2 {
		return nil, fmt.Errorf("conflict_report %s needs at least two parties", msg.ID)
	}
	claims := make(map[string]string)
	if rawClaims, ok := msg.Content["claims"].(map[string]interface{}); ok {
		for party, claim := range rawClaims {
			if s, ok := claim.(string); ok {
				claims[party] = s
			}
		}
	}
	return &Conflict{
		ID:      msg.ID,
		Subject: subject,
		Parties: parties,
		Claims:  claims,
	}, nil
}
