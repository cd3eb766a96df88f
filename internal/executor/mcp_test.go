package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadreworks/cadre/internal/kernel"
)

// fakeSession stands in for a live tool server session
type fakeSession struct {
	mu     sync.Mutex
	calls  []*mcp.CallToolParams
	result *mcp.CallToolResult
	err    error
	closed bool
}

func (f *fakeSession) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func stdioConfig() ServerConfig {
	return ServerConfig{
		Name:      "research-tools",
		Transport: TransportStdio,
		Command:   "research-server",
	}
}

func testAssignment() *kernel.Assignment {
	return &kernel.Assignment{
		SubtaskID:    "task-A-1",
		Description:  "summarize the incident report",
		AssignedBy:   "mid-1",
		ReceivedTick: 12,
	}
}

func TestMCPExecutorExecute(t *testing.T) {
	exec := NewMCPExecutor(stdioConfig(), "run_subtask", NewPassthroughBreakers(), zerolog.Nop())
	fake := &fakeSession{result: textResult("summary: three findings, no blockers")}
	exec.session = fake

	out, err := exec.Execute(context.Background(), testAssignment(), nil)
	require.NoError(t, err)
	assert.Equal(t, "summary: three findings, no blockers", out)

	require.Len(t, fake.calls, 1)
	call := fake.calls[0]
	assert.Equal(t, "run_subtask", call.Name)

	args, ok := call.Arguments.(map[string]interface{})
	require.True(t, ok, "expected map arguments")
	assert.Equal(t, "task-A-1", args["subtask_id"])
	assert.Equal(t, "summarize the incident report", args["description"])
	assert.Equal(t, "mid-1", args["assigned_by"])
}

// rosterStub satisfies kernel.Roster for blackboard construction
type rosterStub struct{}

func (rosterStub) Lookup(agentID string) (*kernel.Agent, bool)      { return nil, false }
func (rosterStub) AgentsInLayer(layer kernel.Layer) []*kernel.Agent { return nil }

func TestMCPExecutorPassesRequester(t *testing.T) {
	exec := NewMCPExecutor(stdioConfig(), "run_subtask", NewPassthroughBreakers(), zerolog.Nop())
	fake := &fakeSession{result: textResult("done")}
	exec.session = fake

	bb := kernel.NewBlackboard("task-1", kernel.DefaultBlackboardConfig(), kernel.NewMemoryDocStore(), rosterStub{}, nil)
	view := bb.ViewFor("bottom-3")

	_, err := exec.Execute(context.Background(), testAssignment(), view)
	require.NoError(t, err)

	args := fake.calls[0].Arguments.(map[string]interface{})
	assert.Equal(t, "bottom-3", args["agent"])
}

func TestMCPExecutorNotConnected(t *testing.T) {
	exec := NewMCPExecutor(stdioConfig(), "run_subtask", NewPassthroughBreakers(), zerolog.Nop())

	_, err := exec.Execute(context.Background(), testAssignment(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestMCPExecutorToolError(t *testing.T) {
	exec := NewMCPExecutor(stdioConfig(), "run_subtask", NewPassthroughBreakers(), zerolog.Nop())
	result := textResult("input file missing")
	result.IsError = true
	exec.session = &fakeSession{result: result}

	_, err := exec.Execute(context.Background(), testAssignment(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input file missing")
}

func TestMCPExecutorCallFailure(t *testing.T) {
	exec := NewMCPExecutor(stdioConfig(), "run_subtask", NewPassthroughBreakers(), zerolog.Nop())
	exec.session = &fakeSession{err: errors.New("transport closed")}

	_, err := exec.Execute(context.Background(), testAssignment(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool call run_subtask on research-tools failed")
	assert.Contains(t, err.Error(), "transport closed")
}

func TestMCPExecutorBreakerTrips(t *testing.T) {
	breakers := NewBreakers(nil, zerolog.Nop())
	exec := NewMCPExecutor(stdioConfig(), "run_subtask", breakers, zerolog.Nop())
	fake := &fakeSession{err: errors.New("server crashed")}
	exec.session = fake

	for i := 0; i < 3; i++ {
		_, err := exec.Execute(context.Background(), testAssignment(), nil)
		require.Error(t, err)
	}
	assert.Len(t, fake.calls, 3)

	// Circuit is open now; the session must not be touched again
	_, err := exec.Execute(context.Background(), testAssignment(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Len(t, fake.calls, 3)
}

func TestMCPExecutorJoinsTextParts(t *testing.T) {
	exec := NewMCPExecutor(stdioConfig(), "run_subtask", NewPassthroughBreakers(), zerolog.Nop())
	exec.session = &fakeSession{result: &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: "part one"},
			&mcp.TextContent{Text: "part two"},
		},
	}}

	out, err := exec.Execute(context.Background(), testAssignment(), nil)
	require.NoError(t, err)
	assert.Equal(t, "part one\npart two", out)
}

func TestMCPExecutorConnectUnknownTransport(t *testing.T) {
	cfg := ServerConfig{Name: "bad", Transport: "tcp"}
	exec := NewMCPExecutor(cfg, "run_subtask", NewPassthroughBreakers(), zerolog.Nop())

	err := exec.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport tcp")
}

func TestMCPExecutorClose(t *testing.T) {
	exec := NewMCPExecutor(stdioConfig(), "run_subtask", NewPassthroughBreakers(), zerolog.Nop())

	// Never connected: nothing to do
	require.NoError(t, exec.Close())

	fake := &fakeSession{}
	exec.session = fake
	require.NoError(t, exec.Close())
	assert.True(t, fake.closed)
}
