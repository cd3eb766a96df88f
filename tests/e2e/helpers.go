// Package e2e runs whole teams against the real clock: every layer,
// the decision engine, and the bridge wired together the way the
// runner assembles them. The suite needs no external services; it uses
// in-memory stores and an embedded NATS server, and skips under
// -short.
package e2e

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"github.com/cadreworks/cadre/internal/kernel"
)

// heartbeat is the clock interval every scenario runs at; wall-clock
// waits below are multiples of it
const heartbeat = 20 * time.Millisecond

// deadline bounds every scenario wait, sized for loaded CI machines
const deadline = 15 * time.Second

// startEmbeddedNATS runs a NATS server on a random localhost port and
// returns its client URL. The server stops with the test.
func startEmbeddedNATS(t *testing.T) string {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		t.Fatal("embedded NATS server did not become ready")
	}

	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

// newTeam assembles a default-blueprint team over in-memory stores with
// a fast clock and a retry backoff to match. Election rounds are pushed
// past any test's lifetime so scoring never reshuffles a scenario
// mid-flight. Nothing runs until Start.
func newTeam(t *testing.T, task *kernel.Task, behaviors kernel.Behaviors, stores kernel.Stores) *kernel.Team {
	t.Helper()

	config := kernel.DefaultTeamConfig()
	config.HeartbeatInterval = heartbeat
	config.Recovery = kernel.RecoveryConfig{BaseDelay: heartbeat}
	config.Election.IntervalTicks = 1 << 30

	team, err := kernel.NewTeam(task, kernel.DefaultBlueprint(), config, behaviors, stores)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = team.Dissolve(ctx)
	})
	return team
}

// seedRootTask hands the root assignment to the first coordinator, the
// same way the runner does after Start
func seedRootTask(t *testing.T, team *kernel.Team) {
	t.Helper()

	mids := team.AgentsInLayer(kernel.LayerMid)
	require.NotEmpty(t, mids, "blueprint has no mid layer")

	task := team.Task()
	seed := kernel.NewMessage(kernel.RecipientSystem, mids[0].ID, task.ID, kernel.KindTaskAssign,
		map[string]interface{}{
			"subtask_id":  task.ID,
			"description": task.Description,
		})
	require.NoError(t, team.Bus().Send(context.Background(), seed))
}

// watchTerminal returns a channel that delivers the task's status once
// it turns terminal. Registered before Start so nothing is missed.
func watchTerminal(team *kernel.Team) <-chan kernel.TaskStatus {
	done := make(chan kernel.TaskStatus, 1)
	team.Events().On(kernel.EventTaskStatusChanged, func(e kernel.Event) {
		status, _ := e.Payload["status"].(string)
		if ts := kernel.TaskStatus(status); ts.Terminal() {
			select {
			case done <- ts:
			default:
			}
		}
	})
	return done
}

// watchMilestone returns a channel that delivers the decision id of an
// approved milestone confirmation for the team's root task
func watchMilestone(team *kernel.Team) <-chan string {
	task := team.Task()
	confirmed := make(chan string, 1)
	team.Events().On(kernel.EventDecisionResolved, func(e kernel.Event) {
		dtype, _ := e.Payload["type"].(string)
		status, _ := e.Payload["status"].(string)
		if dtype != string(kernel.DecisionMilestoneConfirmation) || status != string(kernel.DecisionApproved) {
			return
		}
		decisionID, _ := e.Payload["decision_id"].(string)
		decision, ok := team.Engine().GetDecision(decisionID)
		if !ok || decision.Content["milestone"] != task.ID {
			return
		}
		select {
		case confirmed <- decisionID:
		default:
		}
	})
	return confirmed
}

// completeOnMilestone installs the runner's auto-mode ending: an
// approved milestone confirmation for the root task completes the run.
// Complete dissolves the team and waits for the tick loop, so it must
// not run on the event handler's goroutine.
func completeOnMilestone(team *kernel.Team) {
	confirmed := watchMilestone(team)
	go func() {
		<-confirmed
		_ = team.Complete(context.Background(), "milestone confirmed by the top layer")
	}()
}

// waitFor polls cond once per heartbeat until it holds or the deadline
// passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	timeout := time.After(deadline)
	for {
		select {
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(heartbeat):
			if cond() {
				return
			}
		}
	}
}

// receiveStatus waits for a terminal status from watchTerminal
func receiveStatus(t *testing.T, done <-chan kernel.TaskStatus) kernel.TaskStatus {
	t.Helper()

	select {
	case status := <-done:
		return status
	case <-time.After(deadline):
		t.Fatal("task never reached a terminal status")
		return ""
	}
}

// receiveDecision waits for a decision id from watchMilestone
func receiveDecision(t *testing.T, confirmed <-chan string) string {
	t.Helper()

	select {
	case id := <-confirmed:
		return id
	case <-time.After(deadline):
		t.Fatal("milestone confirmation never resolved")
		return ""
	}
}
