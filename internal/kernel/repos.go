package kernel

import (
	"context"

	"github.com/cadreworks/cadre/internal/audit"
)

// The kernel consumes narrow per-table store interfaces; each lives next
// to the subsystem that writes through it (MessageStore in bus.go,
// DecisionStore in decision.go, AppealStore in appeal.go, ElectionStore
// in election.go). This file holds the two the team lifecycle writes
// through and the bundle that carries all of them.

// TaskStore persists task lifecycle snapshots
type TaskStore interface {
	SaveTask(ctx context.Context, t *Task) error
}

// AgentStore persists agent snapshots: profile, links, status, metrics
type AgentStore interface {
	SaveAgent(ctx context.Context, taskID string, agent *Agent) error
}

// Stores bundles every persistence surface a team writes through. Any
// nil field disables that surface; persistence failures are logged and
// never disrupt coordination.
type Stores struct {
	Tasks     TaskStore
	Agents    AgentStore
	Messages  MessageStore
	Decisions DecisionStore
	Appeals   AppealStore
	Elections ElectionStore
	Audits    audit.Store
	Board     DocStore
}
