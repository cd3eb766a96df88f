package kernel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// subordinateStatus is one row of a mid agent's aggregation map
type subordinateStatus struct {
	SubtaskID string
	Status    string
	Detail    string
	UpdatedAt time.Time
}

// pendingSubtask tracks one dispatched piece of work until it completes
type pendingSubtask struct {
	assignment *Assignment
	assignee   string
	root       string
	rejects    int
}

// rootAssignment tracks one accepted task until every piece of it has
// been reported complete
type rootAssignment struct {
	description string
	outstanding int
}

// MidBehavior coordinates a group of bottom agents: it decomposes
// incoming work, tracks subordinate progress, escalates trouble, and
// reports a periodic summary upward.
type MidBehavior struct {
	decomposer     Decomposer
	accountability *Accountability

	mu       sync.Mutex
	rrIndex  int
	statuses map[string]*subordinateStatus
	pending  map[string]*pendingSubtask
	roots    map[string]*rootAssignment
	backlog  []*Assignment
	troubled map[string]State
	dirty    bool
}

// NewMidBehavior creates the coordinator-layer behavior. The decomposer
// may be nil; whole tasks are then distributed round-robin.
func NewMidBehavior(decomposer Decomposer, accountability *Accountability) *MidBehavior {
	return &MidBehavior{
		decomposer:     decomposer,
		accountability: accountability,
		statuses:       make(map[string]*subordinateStatus),
		pending:        make(map[string]*pendingSubtask),
		roots:          make(map[string]*rootAssignment),
		troubled:       make(map[string]State),
	}
}

// OnInit implements Behavior
func (m *MidBehavior) OnInit(ctx context.Context, rt *Runtime) error {
	return nil
}

// OnShutdown implements Behavior
func (m *MidBehavior) OnShutdown(ctx context.Context, rt *Runtime) error {
	return nil
}

// OnProcess handles the inbox, drains the backlog when capacity freed
// up, checks subordinate health, and publishes aggregated status
func (m *MidBehavior) OnProcess(ctx context.Context, rt *Runtime, messages []*Message, view *View) error {
	for _, msg := range messages {
		switch msg.Kind {
		case KindTaskAssign:
			if err := m.handleAssign(ctx, rt, msg); err != nil {
				return err
			}
		case KindProgressReport:
			m.handleProgress(ctx, rt, msg)
		case KindTaskReject:
			m.handleReject(ctx, rt, msg)
		case KindErrorReport:
			m.handleError(ctx, rt, msg)
		case KindPeerCoordination:
			m.handleCoordination(ctx, rt, msg)
		case KindStatusQuery:
			m.handleStatusQuery(ctx, rt, msg)
		default:
		}
	}

	m.dispatchBacklog(ctx, rt)
	m.checkSubordinates(ctx, rt)
	m.flushBoard(ctx, rt)
	m.maybeSummarize(ctx, rt)
	return nil
}

// handleAssign decomposes an incoming task and distributes the pieces
// across subordinates
func (m *MidBehavior) handleAssign(ctx context.Context, rt *Runtime, msg *Message) error {
	assignment, err := parseAssignment(msg)
	if err != nil {
		_ = rt.Reply(ctx, msg, KindTaskReject, map[string]interface{}{
			"reason": err.Error(),
		}, PriorityNormal)
		return nil
	}

	subs := m.liveSubordinates(rt)
	if len(subs) == 0 {
		_ = rt.Reply(ctx, msg, KindTaskReject, map[string]interface{}{
			"subtask_id": assignment.SubtaskID,
			"reason":     "no live subordinates",
		}, PriorityHigh)
		return nil
	}

	var subtasks []Subtask
	if m.decomposer != nil {
		subtasks, err = m.decomposer.Decompose(ctx, assignment.Description, subs)
		if err != nil {
			return fmt.Errorf("decompose %s: %w", assignment.SubtaskID, err)
		}
	}
	if len(subtasks) == 0 {
		subtasks = []Subtask{{Description: assignment.Description}}
	}

	_ = rt.Reply(ctx, msg, KindTaskAccept, map[string]interface{}{
		"subtask_id": assignment.SubtaskID,
		"subtasks":   len(subtasks),
	}, PriorityNormal)

	m.mu.Lock()
	m.roots[assignment.SubtaskID] = &rootAssignment{
		description: assignment.Description,
		outstanding: len(subtasks),
	}
	m.mu.Unlock()

	for i, st := range subtasks {
		subID := fmt.Sprintf("%s-%d", assignment.SubtaskID, i+1)
		assignee := st.Assignee
		if assignee == "" {
			m.mu.Lock()
			assignee = subs[m.rrIndex%len(subs)]
			m.rrIndex++
			m.mu.Unlock()
		}
		m.dispatch(ctx, rt, &Assignment{SubtaskID: subID, Description: st.Description}, assignee, assignment.SubtaskID)
	}
	return nil
}

// dispatch sends one subtask to one subordinate and records who is
// responsible for it. root names the incoming task the piece belongs
// to; re-dispatches pass "" and keep the recorded one.
func (m *MidBehavior) dispatch(ctx context.Context, rt *Runtime, assignment *Assignment, assignee, root string) {
	m.mu.Lock()
	tracked := m.pending[assignment.SubtaskID]
	if tracked == nil {
		tracked = &pendingSubtask{assignment: assignment, root: root}
		m.pending[assignment.SubtaskID] = tracked
	}
	tracked.assignee = assignee
	m.statuses[assignee] = &subordinateStatus{
		SubtaskID: assignment.SubtaskID,
		Status:    "assigned",
		UpdatedAt: time.Now().UTC(),
	}
	m.dirty = true
	m.mu.Unlock()

	if m.accountability != nil {
		m.accountability.ObserveAssignment(assignment.SubtaskID, assignee)
	}
	if err := rt.Send(ctx, assignee, KindTaskAssign, assignmentContent(assignment), PriorityNormal); err != nil {
		m.mu.Lock()
		m.backlog = append(m.backlog, assignment)
		m.mu.Unlock()
	}
}

// handleReject moves a refused subtask to the next subordinate, parking
// it in the backlog once everyone has refused
func (m *MidBehavior) handleReject(ctx context.Context, rt *Runtime, msg *Message) {
	subtaskID, _ := msg.Content["subtask_id"].(string)
	subs := m.liveSubordinates(rt)

	m.mu.Lock()
	tracked := m.pending[subtaskID]
	if tracked == nil {
		m.mu.Unlock()
		return
	}
	tracked.rejects++
	exhausted := tracked.rejects >= len(subs)
	next := ""
	if !exhausted {
		for range subs {
			candidate := subs[m.rrIndex%len(subs)]
			m.rrIndex++
			if candidate != msg.Sender {
				next = candidate
				break
			}
		}
	}
	if next == "" {
		m.backlog = append(m.backlog, tracked.assignment)
	}
	m.mu.Unlock()

	if next != "" {
		m.dispatch(ctx, rt, tracked.assignment, next, "")
	}
}

// handleProgress records a subordinate's report; a completed subtask
// leaves the pending set, and draining the last piece of a task reports
// the whole task complete to the supervisor
func (m *MidBehavior) handleProgress(ctx context.Context, rt *Runtime, msg *Message) {
	status, _ := msg.Content["status"].(string)
	subtaskID, _ := msg.Content["subtask_id"].(string)
	detail, _ := msg.Content["error"].(string)

	m.mu.Lock()
	m.statuses[msg.Sender] = &subordinateStatus{
		SubtaskID: subtaskID,
		Status:    status,
		Detail:    detail,
		UpdatedAt: time.Now().UTC(),
	}
	m.dirty = true
	doneRoot, doneDesc := "", ""
	if status == "completed" {
		if tracked := m.pending[subtaskID]; tracked != nil {
			delete(m.pending, subtaskID)
			if root := m.roots[tracked.root]; root != nil {
				root.outstanding--
				if root.outstanding <= 0 {
					delete(m.roots, tracked.root)
					doneRoot, doneDesc = tracked.root, root.description
				}
			}
		}
	}
	m.mu.Unlock()

	if doneRoot != "" {
		m.reportComplete(ctx, rt, doneRoot, doneDesc)
	}
}

// reportComplete tells the supervisor that every piece of an accepted
// task finished
func (m *MidBehavior) reportComplete(ctx context.Context, rt *Runtime, rootID, description string) {
	rt.log.Info().Str("subtask_id", rootID).Msg("All subtasks complete")

	supervisor := rt.Agent().Supervisor()
	if supervisor == "" {
		return
	}
	if err := rt.Send(ctx, supervisor, KindTaskComplete, map[string]interface{}{
		"subtask_id":  rootID,
		"description": description,
	}, PriorityHigh); err != nil {
		rt.log.Warn().Err(err).Str("subtask_id", rootID).Msg("Completion report failed")
	}
}

// handleError is the accountability trigger: a subordinate exhausted its
// recovery budget
func (m *MidBehavior) handleError(ctx context.Context, rt *Runtime, msg *Message) {
	reason, _ := msg.Content["error"].(string)
	if reason == "" {
		reason = "agent reported an unrecoverable error"
	}
	m.mu.Lock()
	m.statuses[msg.Sender] = &subordinateStatus{
		SubtaskID: stringContent(msg.Content, "subtask_id"),
		Status:    "error",
		Detail:    reason,
		UpdatedAt: time.Now().UTC(),
	}
	m.dirty = true
	m.mu.Unlock()

	if m.accountability == nil {
		return
	}
	if subtaskID := stringContent(msg.Content, "subtask_id"); subtaskID != "" {
		m.accountability.OnTaskFailure(ctx, subtaskID, reason)
		return
	}
	if err := m.accountability.IssueWarning(ctx, msg.Sender, reason); err != nil {
		rt.log.Warn().Err(err).Str("agent_id", msg.Sender).Msg("Warning issue failed")
	}
}

// handleCoordination answers a peer mid's coordination request with this
// group's domain and current status map
func (m *MidBehavior) handleCoordination(ctx context.Context, rt *Runtime, msg *Message) {
	domain := ""
	if rt.Agent().Mid != nil {
		domain = rt.Agent().Mid.Domain
	}
	_ = rt.Reply(ctx, msg, KindPeerCoordinationResponse, map[string]interface{}{
		"domain":   domain,
		"statuses": m.statusSummary(),
	}, PriorityNormal)
}

func (m *MidBehavior) handleStatusQuery(ctx context.Context, rt *Runtime, msg *Message) {
	_ = rt.Reply(ctx, msg, KindStatusReport, map[string]interface{}{
		"status":       string(rt.Agent().State()),
		"subordinates": m.statusSummary(),
	}, PriorityNormal)
}

// dispatchBacklog retries parked subtasks while any subordinate is idle
func (m *MidBehavior) dispatchBacklog(ctx context.Context, rt *Runtime) {
	for {
		m.mu.Lock()
		if len(m.backlog) == 0 {
			m.mu.Unlock()
			return
		}
		assignment := m.backlog[0]
		m.mu.Unlock()

		assignee := m.idleSubordinate(rt)
		if assignee == "" {
			return
		}
		m.mu.Lock()
		m.backlog = m.backlog[1:]
		m.mu.Unlock()
		m.dispatch(ctx, rt, assignment, assignee, "")
	}
}

// checkSubordinates escalates blocked or failed subordinates to the
// supervisor; only a changed troubled set re-escalates
func (m *MidBehavior) checkSubordinates(ctx context.Context, rt *Runtime) {
	current := make(map[string]State)
	anyFailed := false
	for _, subID := range rt.Agent().Subordinates() {
		sub, ok := rt.Roster().Lookup(subID)
		if !ok {
			continue
		}
		switch sub.State() {
		case StateBlocked:
			current[subID] = StateBlocked
		case StateFailed:
			current[subID] = StateFailed
			anyFailed = true
		}
	}

	m.mu.Lock()
	changed := len(current) != len(m.troubled)
	if !changed {
		for id, state := range current {
			if m.troubled[id] != state {
				changed = true
				break
			}
		}
	}
	m.troubled = current
	m.mu.Unlock()

	if len(current) == 0 || !changed {
		return
	}

	severity := "medium"
	if anyFailed {
		severity = "high"
	}
	agents := make([]string, 0, len(current))
	for id := range current {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	supervisor := rt.Agent().Supervisor()
	if supervisor == "" {
		return
	}
	_ = rt.Send(ctx, supervisor, KindIssueEscalation, map[string]interface{}{
		"agents":   agents,
		"severity": severity,
	}, PriorityHigh)
}

// flushBoard appends the aggregated status table to this mid's own
// whiteboard when it changed this tick
func (m *MidBehavior) flushBoard(ctx context.Context, rt *Runtime) {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return
	}
	m.dirty = false
	table := m.renderStatusLocked()
	m.mu.Unlock()

	scope := MidScope(rt.Agent().ID)
	if err := rt.Board().Append(ctx, scope, rt.Agent().ID, table); err != nil {
		rt.log.Warn().Err(err).Msg("Status board append failed")
	}
}

// maybeSummarize sends the aggregate upward on every tenth heartbeat
func (m *MidBehavior) maybeSummarize(ctx context.Context, rt *Runtime) {
	responded := rt.Agent().Metrics().HeartbeatsResponded
	if responded == 0 || responded%10 != 0 {
		return
	}
	supervisor := rt.Agent().Supervisor()
	if supervisor == "" {
		return
	}
	_ = rt.Send(ctx, supervisor, KindProgressReport, map[string]interface{}{
		"summary":      true,
		"subordinates": m.statusSummary(),
	}, PriorityNormal)
}

// statusSummary snapshots the per-subordinate map as message content
func (m *MidBehavior) statusSummary() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := make(map[string]interface{}, len(m.statuses))
	for id, st := range m.statuses {
		summary[id] = map[string]interface{}{
			"subtask_id": st.SubtaskID,
			"status":     st.Status,
			"detail":     st.Detail,
		}
	}
	return summary
}

// renderStatusLocked renders the aggregation map as a markdown table
func (m *MidBehavior) renderStatusLocked() string {
	ids := make([]string, 0, len(m.statuses))
	for id := range m.statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	sb.WriteString("| Agent | Subtask | Status | Detail |\n")
	sb.WriteString("|-------|---------|--------|--------|\n")
	for _, id := range ids {
		st := m.statuses[id]
		fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n", id, st.SubtaskID, st.Status, st.Detail)
	}
	return sb.String()
}

// liveSubordinates returns subordinate ids that are not terminated
func (m *MidBehavior) liveSubordinates(rt *Runtime) []string {
	var subs []string
	for _, subID := range rt.Agent().Subordinates() {
		sub, ok := rt.Roster().Lookup(subID)
		if !ok || sub.State() == StateTerminated {
			continue
		}
		subs = append(subs, subID)
	}
	return subs
}

// idleSubordinate returns the first idle subordinate id, or ""
func (m *MidBehavior) idleSubordinate(rt *Runtime) string {
	for _, subID := range rt.Agent().Subordinates() {
		sub, ok := rt.Roster().Lookup(subID)
		if ok && sub.State() == StateIdle {
			return subID
		}
	}
	return ""
}

// stringContent reads an optional string field out of message content
func stringContent(content map[string]interface{}, key string) string {
	s, _ := content[key].(string)
	return s
}
