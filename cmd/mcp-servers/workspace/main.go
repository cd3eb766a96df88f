// Command workspace is a stdio MCP tool server backed by a directory on
// disk. It exposes the run_subtask tool the bottom layer's executor
// calls by default, plus note tools a team can use to leave durable
// artifacts behind. Point mcp.command at this binary to run a team
// against local tools.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

const (
	serverName    = "cadre-workspace"
	serverVersion = "0.1.0"

	toolRunSubtask = "run_subtask"
	toolWriteNote  = "write_note"
	toolReadNote   = "read_note"
	toolListNotes  = "list_notes"

	journalFile = "journal.md"
)

func main() {
	dir := flag.String("dir", defaultDir(), "Directory holding the journal and notes")
	flag.Parse()

	// Log to stderr only; stdout carries the protocol frames
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", *dir).Msg("Failed to create workspace directory")
	}

	ws := &workspace{dir: *dir, log: logger}
	server := newServer(ws)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("dir", *dir).Msg("Workspace tool server listening on stdio")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Client disconnected")
}

func defaultDir() string {
	if dir := os.Getenv("CADRE_WORKSPACE_DIR"); dir != "" {
		return dir
	}
	return "workspace"
}

// workspace serves tools over one directory
type workspace struct {
	dir string
	log zerolog.Logger
}

func newServer(ws *workspace) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        toolRunSubtask,
		Description: "Record an assigned subtask in the workspace journal and report the outcome",
	}, ws.runSubtask)
	mcp.AddTool(server, &mcp.Tool{
		Name:        toolWriteNote,
		Description: "Create or replace a note in the workspace",
	}, ws.writeNote)
	mcp.AddTool(server, &mcp.Tool{
		Name:        toolReadNote,
		Description: "Read a note from the workspace",
	}, ws.readNote)
	mcp.AddTool(server, &mcp.Tool{
		Name:        toolListNotes,
		Description: "List every file in the workspace",
	}, ws.listNotes)

	return server
}

// subtaskArgs matches the arguments the bottom layer's executor sends
type subtaskArgs struct {
	SubtaskID   string `json:"subtask_id" jsonschema:"identifier of the subtask being executed"`
	Description string `json:"description" jsonschema:"what the assigning coordinator asked for"`
	AssignedBy  string `json:"assigned_by,omitempty" jsonschema:"agent that assigned the subtask"`
	Agent       string `json:"agent,omitempty" jsonschema:"agent executing the subtask"`
}

func (w *workspace) runSubtask(ctx context.Context, req *mcp.CallToolRequest, args subtaskArgs) (*mcp.CallToolResult, any, error) {
	if args.SubtaskID == "" {
		return nil, nil, fmt.Errorf("subtask_id is required")
	}

	entry := fmt.Sprintf("- %s %s", time.Now().UTC().Format(time.RFC3339), args.SubtaskID)
	if args.Agent != "" {
		entry += " by " + args.Agent
	}
	if args.AssignedBy != "" {
		entry += " for " + args.AssignedBy
	}
	if args.Description != "" {
		entry += ": " + args.Description
	}
	if err := w.appendJournal(entry); err != nil {
		return nil, nil, err
	}

	w.log.Info().
		Str("subtask_id", args.SubtaskID).
		Str("agent", args.Agent).
		Msg("Subtask recorded")
	return textResult(fmt.Sprintf("Recorded subtask %s in %s", args.SubtaskID, journalFile)), nil, nil
}

type writeNoteArgs struct {
	Name    string `json:"name" jsonschema:"note path relative to the workspace"`
	Content string `json:"content" jsonschema:"full content to store"`
}

func (w *workspace) writeNote(ctx context.Context, req *mcp.CallToolRequest, args writeNoteArgs) (*mcp.CallToolResult, any, error) {
	path, err := w.resolve(args.Name)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create note directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return nil, nil, fmt.Errorf("failed to write note: %w", err)
	}

	w.log.Info().Str("note", args.Name).Int("bytes", len(args.Content)).Msg("Note written")
	return textResult(fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Name)), nil, nil
}

type readNoteArgs struct {
	Name string `json:"name" jsonschema:"note path relative to the workspace"`
}

func (w *workspace) readNote(ctx context.Context, req *mcp.CallToolRequest, args readNoteArgs) (*mcp.CallToolResult, any, error) {
	path, err := w.resolve(args.Name)
	if err != nil {
		return nil, nil, err
	}
	content, err := os.ReadFile(path) // #nosec G304 resolve pins the path inside the workspace
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read note %s: %w", args.Name, err)
	}
	return textResult(string(content)), nil, nil
}

type listNotesArgs struct{}

func (w *workspace) listNotes(ctx context.Context, req *mcp.CallToolRequest, args listNotesArgs) (*mcp.CallToolResult, any, error) {
	var names []string
	err := filepath.WalkDir(w.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(w.dir, path)
		if relErr != nil {
			return relErr
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list workspace: %w", err)
	}
	if len(names) == 0 {
		return textResult("The workspace is empty"), nil, nil
	}
	return textResult(strings.Join(names, "\n")), nil, nil
}

// resolve joins a client-supplied name onto the workspace directory and
// rejects anything that would escape it.
func (w *workspace) resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("name %s escapes the workspace", name)
	}
	return filepath.Join(w.dir, clean), nil
}

func (w *workspace) appendJournal(entry string) error {
	path := filepath.Join(w.dir, journalFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G304 path is fixed inside the workspace
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry + "\n"); err != nil {
		return fmt.Errorf("failed to append to journal: %w", err)
	}
	return nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}
