package kernel

import (
	"context"
	"sync"

	"github.com/cadreworks/cadre/internal/audit"
)

// In-memory repositories for DB-less runs and tests. Each store keeps
// deep-enough copies so later mutation of the saved value cannot leak
// back in, and upserts by id so re-saves overwrite.

// MemoryStores returns a Stores bundle backed entirely by memory
func MemoryStores() Stores {
	return Stores{
		Tasks:     NewMemoryTaskStore(),
		Agents:    NewMemoryAgentStore(),
		Messages:  NewMemoryMessageStore(),
		Decisions: NewMemoryDecisionStore(),
		Appeals:   NewMemoryAppealStore(),
		Elections: NewMemoryElectionStore(),
		Audits:    audit.NewMemStore(),
		Board:     NewMemoryDocStore(),
	}
}

// MemoryTaskStore keeps task snapshots keyed by id
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	order []string
}

// NewMemoryTaskStore creates an empty task store
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]Task)}
}

// SaveTask upserts a task snapshot
func (s *MemoryTaskStore) SaveTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		s.order = append(s.order, t.ID)
	}
	s.tasks[t.ID] = *t
	return nil
}

// GetTask returns a saved task snapshot
func (s *MemoryTaskStore) GetTask(_ context.Context, id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return &t, true
}

// ListTasks returns all saved tasks in first-save order
func (s *MemoryTaskStore) ListTasks(_ context.Context) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id])
	}
	return out
}

// AgentRecord is the flat persisted form of an agent
type AgentRecord struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"task_id"`
	Name         string       `json:"name"`
	Role         string       `json:"role"`
	Layer        Layer        `json:"layer"`
	Capabilities []Capability `json:"capabilities"`
	Supervisor   string       `json:"supervisor,omitempty"`
	Subordinates []string     `json:"subordinates,omitempty"`
	Status       State        `json:"status"`
	Metrics      Metrics      `json:"metrics"`
}

// SnapshotAgent flattens an agent into its persisted record form
func SnapshotAgent(taskID string, agent *Agent) AgentRecord {
	return AgentRecord{
		ID:           agent.ID,
		TaskID:       taskID,
		Name:         agent.Name,
		Role:         agent.Role,
		Layer:        agent.Layer,
		Capabilities: append([]Capability(nil), agent.Capabilities...),
		Supervisor:   agent.Supervisor(),
		Subordinates: agent.Subordinates(),
		Status:       agent.State(),
		Metrics:      agent.Metrics(),
	}
}

// MemoryAgentStore keeps agent snapshots keyed by agent id
type MemoryAgentStore struct {
	mu     sync.Mutex
	agents map[string]AgentRecord
	order  []string
}

// NewMemoryAgentStore creates an empty agent store
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]AgentRecord)}
}

// SaveAgent upserts an agent snapshot
func (s *MemoryAgentStore) SaveAgent(_ context.Context, taskID string, agent *Agent) error {
	rec := SnapshotAgent(taskID, agent)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.agents[rec.ID] = rec
	return nil
}

// GetAgent returns a saved agent snapshot
func (s *MemoryAgentStore) GetAgent(_ context.Context, id string) (*AgentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	return &rec, true
}

// ListAgents returns all saved agent snapshots in first-save order
func (s *MemoryAgentStore) ListAgents(_ context.Context, taskID string) []AgentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentRecord, 0, len(s.order))
	for _, id := range s.order {
		rec := s.agents[id]
		if taskID == "" || rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out
}

// MemoryMessageStore keeps every saved message in send order
type MemoryMessageStore struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemoryMessageStore creates an empty message store
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{}
}

// SaveMessage appends a message snapshot
func (s *MemoryMessageStore) SaveMessage(_ context.Context, msg *Message) error {
	copied := *msg
	content := make(map[string]interface{}, len(msg.Content))
	for k, v := range msg.Content {
		content[k] = v
	}
	copied.Content = content

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, copied)
	return nil
}

// Messages returns all saved messages in send order
func (s *MemoryMessageStore) Messages(_ context.Context) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// MessagesOfKind returns saved messages matching the kind, in send order
func (s *MemoryMessageStore) MessagesOfKind(_ context.Context, kind MessageKind) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, msg := range s.messages {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

// MemoryDecisionStore keeps decision snapshots keyed by id
type MemoryDecisionStore struct {
	mu        sync.Mutex
	decisions map[string]*Decision
	order     []string
}

// NewMemoryDecisionStore creates an empty decision store
func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{decisions: make(map[string]*Decision)}
}

// SaveDecision upserts a decision snapshot
func (s *MemoryDecisionStore) SaveDecision(_ context.Context, d *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[d.ID]; !ok {
		s.order = append(s.order, d.ID)
	}
	s.decisions[d.ID] = d.clone()
	return nil
}

// GetDecision returns a saved decision snapshot
func (s *MemoryDecisionStore) GetDecision(_ context.Context, id string) (*Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[id]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// ListDecisions returns all saved decisions in first-save order
func (s *MemoryDecisionStore) ListDecisions(_ context.Context) []*Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Decision, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.decisions[id].clone())
	}
	return out
}

// MemoryAppealStore keeps appeal snapshots keyed by decision id
type MemoryAppealStore struct {
	mu      sync.Mutex
	appeals map[string]*Appeal
	order   []string
}

// NewMemoryAppealStore creates an empty appeal store
func NewMemoryAppealStore() *MemoryAppealStore {
	return &MemoryAppealStore{appeals: make(map[string]*Appeal)}
}

// SaveAppeal upserts an appeal snapshot
func (s *MemoryAppealStore) SaveAppeal(_ context.Context, a *Appeal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.appeals[a.DecisionID]; !ok {
		s.order = append(s.order, a.DecisionID)
	}
	s.appeals[a.DecisionID] = a.clone()
	return nil
}

// GetAppeal returns the saved appeal for a decision
func (s *MemoryAppealStore) GetAppeal(_ context.Context, decisionID string) (*Appeal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appeals[decisionID]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// ListAppeals returns all saved appeals in first-save order
func (s *MemoryAppealStore) ListAppeals(_ context.Context) []*Appeal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Appeal, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.appeals[id].clone())
	}
	return out
}

// MemoryElectionStore keeps election outcome records in save order
type MemoryElectionStore struct {
	mu      sync.Mutex
	records []ElectionRecord
}

// NewMemoryElectionStore creates an empty election store
func NewMemoryElectionStore() *MemoryElectionStore {
	return &MemoryElectionStore{}
}

// SaveElection appends an election outcome record
func (s *MemoryElectionStore) SaveElection(_ context.Context, rec *ElectionRecord) error {
	copied := *rec
	votes := make(map[string]int, len(rec.Votes))
	for k, v := range rec.Votes {
		votes[k] = v
	}
	copied.Votes = votes
	result := make(map[string]interface{}, len(rec.Result))
	for k, v := range rec.Result {
		result[k] = v
	}
	copied.Result = result

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, copied)
	return nil
}

// Elections returns all saved election records in save order
func (s *MemoryElectionStore) Elections(_ context.Context) []ElectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ElectionRecord(nil), s.records...)
}

// ElectionsForRound returns saved records for one round, in save order
func (s *MemoryElectionStore) ElectionsForRound(_ context.Context, round int64) []ElectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ElectionRecord
	for _, rec := range s.records {
		if rec.Round == round {
			out = append(out, rec)
		}
	}
	return out
}
