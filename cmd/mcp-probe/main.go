// Command mcp-probe verifies a tool server the way the team runner will
// use it. It dials the server described by the mcp block of the runner's
// configuration, lists the tools it advertises, and can invoke the
// configured tool once with probe arguments. Run it before a real task
// to catch wiring mistakes the runner's -check cannot, since -check
// validates configuration without opening a connection.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cadreworks/cadre/internal/config"
	"github.com/cadreworks/cadre/internal/executor"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	toolFlag := flag.String("tool", "", "Tool to check (default: mcp.tool from configuration)")
	call := flag.Bool("call", false, "Invoke the tool once after listing")
	argsJSON := flag.String("args", "", "JSON arguments for -call (default: a probe subtask)")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall probe deadline")
	flag.Parse()

	if err := run(*configPath, *toolFlag, *call, *argsJSON, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, toolFlag string, call bool, argsJSON string, timeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cfg.MCP.Enabled {
		fmt.Println("⚠ mcp.enabled is false; probing the configured server anyway")
	}

	tool := cfg.MCP.Tool
	if toolFlag != "" {
		tool = toolFlag
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	session, err := executor.Dial(ctx, executor.ServerConfig{
		Name:      cfg.MCP.Server,
		Transport: cfg.MCP.Transport,
		Command:   cfg.MCP.Command,
		Args:      cfg.MCP.Args,
		Env:       cfg.MCP.Env,
		URL:       cfg.MCP.URL,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	info := session.InitializeResult().ServerInfo
	fmt.Printf("✓ Connected to %s %s over %s\n", info.Name, info.Version, cfg.MCP.Transport)

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if len(tools.Tools) == 0 {
		fmt.Println("⚠ The server advertises no tools")
	}

	available := false
	for _, t := range tools.Tools {
		marker := " "
		if t.Name == tool {
			marker = "*"
			available = true
		}
		fmt.Printf("  %s %s: %s\n", marker, t.Name, t.Description)
	}

	if tool == "" {
		fmt.Println("⚠ No tool configured; set mcp.tool or pass -tool to check one")
		return nil
	}
	if !available {
		return fmt.Errorf("the server does not advertise tool %q", tool)
	}
	fmt.Printf("✓ Tool %s is available\n", tool)

	if !call {
		return nil
	}
	return callTool(ctx, session, tool, argsJSON)
}

// callTool invokes the tool with the same argument shape the bottom
// layer's executor sends, unless -args overrides it.
func callTool(ctx context.Context, session *mcp.ClientSession, tool, argsJSON string) error {
	arguments := map[string]interface{}{
		"subtask_id":  "probe-1",
		"description": "connectivity probe",
		"assigned_by": "mcp-probe",
	}
	if argsJSON != "" {
		arguments = map[string]interface{}{}
		if err := json.Unmarshal([]byte(argsJSON), &arguments); err != nil {
			return fmt.Errorf("failed to parse -args: %w", err)
		}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: arguments,
	})
	if err != nil {
		return fmt.Errorf("tool call %s failed: %w", tool, err)
	}

	text := joinText(result)
	if result.IsError {
		return fmt.Errorf("tool %s reported an error: %s", tool, text)
	}

	fmt.Printf("✓ Tool call succeeded:\n%s\n", indent(text))
	return nil
}

func joinText(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func indent(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n")
}
