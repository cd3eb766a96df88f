package kernel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubRoster is a fixed agent directory for tests that exercise a single
// subsystem without assembling a full team.
type stubRoster struct {
	mu     sync.Mutex
	agents []*Agent
}

func newStubRoster(agents ...*Agent) *stubRoster {
	return &stubRoster{agents: agents}
}

func (r *stubRoster) add(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, a)
}

func (r *stubRoster) Lookup(agentID string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.ID == agentID {
			return a, true
		}
	}
	return nil, false
}

func (r *stubRoster) AgentsInLayer(layer Layer) []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Layer == layer {
			out = append(out, a)
		}
	}
	return out
}

// lifecycleRecorder captures structural requests without acting on them.
type lifecycleRecorder struct {
	mu           sync.Mutex
	replacements []string
	demotions    []string
	promotions   []string
}

func (l *lifecycleRecorder) RequestReplacement(agentID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replacements = append(l.replacements, agentID)
}

func (l *lifecycleRecorder) RequestDemotion(agentID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.demotions = append(l.demotions, agentID)
}

func (l *lifecycleRecorder) RequestPromotion(agentID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.promotions = append(l.promotions, agentID)
}

func (l *lifecycleRecorder) replaced() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.replacements))
	copy(out, l.replacements)
	return out
}

func (l *lifecycleRecorder) demoted() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.demotions))
	copy(out, l.demotions)
	return out
}

func (l *lifecycleRecorder) promoted() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.promotions))
	copy(out, l.promotions)
	return out
}

// idleAgent creates an agent already moved out of initializing, which is
// what most subsystems expect to see.
func idleAgent(t *testing.T, id, name, role string, layer Layer) *Agent {
	t.Helper()
	a := NewAgent(id, name, role, layer)
	require.NoError(t, a.Transition(StateIdle, "test setup"))
	return a
}

// drainInbox advances the bus one tick and returns everything queued for
// the recipient. Messages staged during tick k become visible at k+1.
func drainInbox(t *testing.T, bus *Bus, tick int64, agentID string) []*Message {
	t.Helper()
	require.NoError(t, bus.OnTick(tick))
	return bus.GetMessages(agentID)
}

// kindsOf projects a message batch onto its kinds, preserving order.
func kindsOf(msgs []*Message) []MessageKind {
	kinds := make([]MessageKind, len(msgs))
	for i, m := range msgs {
		kinds[i] = m.Kind
	}
	return kinds
}
