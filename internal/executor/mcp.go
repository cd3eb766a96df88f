package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/cadreworks/cadre/internal/kernel"
	"github.com/cadreworks/cadre/internal/metrics"
)

// Transport kinds for tool servers
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

const clientVersion = "0.1.0"

// defaultCallTimeout bounds a single tool call. Generous because tool
// servers may proxy model calls or external APIs; the per-agent timeout
// on the incoming context still applies when it is tighter.
const defaultCallTimeout = 60 * time.Second

// ServerConfig describes one Model Context Protocol server an executor
// can invoke tools on. Stdio servers are spawned as child processes;
// SSE servers are reached over HTTP.
type ServerConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport" yaml:"transport"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
}

// toolCaller is the slice of mcp.ClientSession the executor depends on
type toolCaller interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// MCPExecutor runs assignments by invoking a named tool on a Model
// Context Protocol server. Calls go through a circuit breaker keyed by
// server name, so a dead tool server fails fast for every agent wired
// to it rather than hanging each one in turn.
type MCPExecutor struct {
	cfg         ServerConfig
	tool        string
	callTimeout time.Duration

	session toolCaller
	breaker *gobreaker.CircuitBreaker

	log zerolog.Logger
}

// NewMCPExecutor creates an executor for one tool on one server. Call
// Connect before handing it to a bottom behavior.
func NewMCPExecutor(cfg ServerConfig, tool string, breakers *Breakers, log zerolog.Logger) *MCPExecutor {
	return &MCPExecutor{
		cfg:         cfg,
		tool:        tool,
		callTimeout: defaultCallTimeout,
		breaker:     breakers.Get(cfg.Name),
		log:         log.With().Str("server", cfg.Name).Str("tool", tool).Logger(),
	}
}

// Dial connects to a tool server and returns the initialized session.
// cmd/mcp-probe uses it standalone to verify an operator's wiring
// before a run depends on it.
func Dial(ctx context.Context, cfg ServerConfig) (*mcp.ClientSession, error) {
	var transport mcp.Transport
	switch cfg.Transport {
	case TransportStdio:
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...) // #nosec G204 Command comes from the operator's blueprint
		for key, val := range cfg.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, val))
		}
		transport = &mcp.CommandTransport{Command: cmd}
	case TransportSSE:
		transport = &mcp.SSEClientTransport{Endpoint: cfg.URL}
	default:
		return nil, fmt.Errorf("unknown transport %s for server %s", cfg.Transport, cfg.Name)
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "cadre",
		Version: clientVersion,
	}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Name, err)
	}
	return session, nil
}

// Connect dials the configured server and verifies initialization
func (e *MCPExecutor) Connect(ctx context.Context) error {
	session, err := Dial(ctx, e.cfg)
	if err != nil {
		return err
	}
	e.session = session

	initResult := session.InitializeResult()
	e.log.Info().
		Str("server_name", initResult.ServerInfo.Name).
		Str("server_version", initResult.ServerInfo.Version).
		Msg("Tool server connected")

	return nil
}

// Close shuts down the server session
func (e *MCPExecutor) Close() error {
	if e.session == nil {
		return nil
	}
	return e.session.Close()
}

// Execute implements kernel.Executor. The assignment is passed to the
// tool as structured arguments; the joined text content of the result
// becomes the subtask's reported outcome.
func (e *MCPExecutor) Execute(ctx context.Context, assignment *kernel.Assignment, view *kernel.View) (string, error) {
	if e.session == nil {
		return "", fmt.Errorf("server %s is not connected", e.cfg.Name)
	}

	start := time.Now()
	defer func() {
		metrics.RecordExecutorCall(float64(time.Since(start).Milliseconds()))
	}()

	arguments := map[string]interface{}{
		"subtask_id":  assignment.SubtaskID,
		"description": assignment.Description,
		"assigned_by": assignment.AssignedBy,
	}
	if view != nil {
		arguments["agent"] = view.Requester()
	}

	out, err := e.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		return e.session.CallTool(callCtx, &mcp.CallToolParams{
			Name:      e.tool,
			Arguments: arguments,
		})
	})
	if err != nil {
		return "", fmt.Errorf("tool call %s on %s failed: %w", e.tool, e.cfg.Name, err)
	}

	result := out.(*mcp.CallToolResult)
	text := resultText(result)
	if result.IsError {
		return "", fmt.Errorf("tool %s reported an error: %s", e.tool, text)
	}

	return text, nil
}

// resultText joins the text fragments of a tool result
func resultText(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
