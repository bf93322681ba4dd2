// Package tools runs the built-in tools a model can call through tools/call.
package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/editor"
	"github.com/kandev/codepilot/internal/llm"
	"github.com/kandev/codepilot/pkg/protocol"
)

// Built-in tool names.
const (
	ReadFile              = "read_file"
	ReadCurrentlyOpenFile = "read_currently_open_file"
	EditExistingFile      = "edit_existing_file"
)

// Result is the content of a tools/call response.
type Result struct {
	ContextItems []protocol.ContextItem `json:"contextItems"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
}

// Func runs one tool call.
type Func func(ctx context.Context, call protocol.ToolCallRequest) ([]protocol.ContextItem, error)

// Applier applies an edit to a file.
type Applier interface {
	ApplyToFile(ctx context.Context, req protocol.ApplyToFileRequest) error
}

// Deps are the collaborators of the built-in tools.
type Deps struct {
	Workspace editor.Workspace
	Applier   Applier
	// ContextLength is the chat model's window, used to refuse oversized reads.
	// Zero disables the check.
	ContextLength func() int
}

// Registry dispatches tool calls by name.
type Registry struct {
	deps   Deps
	tools  map[string]Func
	logger *logger.Logger
}

// NewRegistry creates a registry holding the built-in tools.
func NewRegistry(deps Deps, log *logger.Logger) *Registry {
	r := &Registry{
		deps:   deps,
		tools:  make(map[string]Func),
		logger: log.WithFields(zap.String("component", "tools")),
	}
	r.Register(ReadFile, r.readFile)
	r.Register(ReadCurrentlyOpenFile, r.readCurrentlyOpenFile)
	r.Register(EditExistingFile, r.editExistingFile)
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(name string, fn Func) {
	r.tools[name] = fn
}

// Names lists the registered tools.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Call runs a tool. Tool failures are reported in the result rather than
// as an error so the model sees them.
func (r *Registry) Call(ctx context.Context, call protocol.ToolCallRequest) (Result, error) {
	fn, ok := r.tools[call.Name]
	if !ok {
		return Result{}, fmt.Errorf("tool %q not found", call.Name)
	}

	items, err := fn(ctx, call)
	if err != nil {
		r.logger.Warn("Tool call failed",
			zap.String("tool", call.Name),
			zap.String("tool_call_id", call.ToolCallID),
			zap.Error(err))
		return Result{
			ContextItems: []protocol.ContextItem{{
				Name:        "Tool Call Error",
				Description: "Tool Call Failed",
				Content:     fmt.Sprintf("The tool call failed with the message:\n\n%s\n\nPlease try something else or request further instructions.", err),
			}},
			ErrorMessage: err.Error(),
		}, nil
	}
	if items == nil {
		items = []protocol.ContextItem{}
	}
	return Result{ContextItems: items}, nil
}

func (r *Registry) readFile(ctx context.Context, call protocol.ToolCallRequest) ([]protocol.ContextItem, error) {
	path, err := stringArg(call.Arguments, "filepath")
	if err != nil {
		return nil, err
	}
	exists, err := r.deps.Workspace.FileExists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("could not find file %s", path)
	}
	content, err := r.deps.Workspace.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := r.checkSize(path, content); err != nil {
		return nil, err
	}
	return []protocol.ContextItem{{
		Name:        filepath.Base(path),
		Description: path,
		Content:     content,
		URI:         path,
	}}, nil
}

func (r *Registry) readCurrentlyOpenFile(_ context.Context, _ protocol.ToolCallRequest) ([]protocol.ContextItem, error) {
	doc, ok := r.deps.Workspace.ActiveDocument()
	if !ok {
		return []protocol.ContextItem{{
			Name:    "No Current File",
			Content: "There are no files currently open.",
		}}, nil
	}
	path := doc.URI()
	content := doc.Text()
	if err := r.checkSize(path, content); err != nil {
		return nil, err
	}
	rel := relativePath(path, r.deps.Workspace.Dirs())
	return []protocol.ContextItem{{
		Name:        "Current file: " + filepath.Base(path),
		Description: lastParts(path, 2),
		Content:     fmt.Sprintf("```%s\n%s\n```", rel, content),
		URI:         path,
	}}, nil
}

func (r *Registry) editExistingFile(ctx context.Context, call protocol.ToolCallRequest) ([]protocol.ContextItem, error) {
	if r.deps.Applier == nil {
		return nil, fmt.Errorf("editing is not available")
	}
	path, err := stringArg(call.Arguments, "filepath")
	if err != nil {
		return nil, err
	}
	changes, err := stringArg(call.Arguments, "changes")
	if err != nil {
		return nil, err
	}
	exists, err := r.deps.Workspace.FileExists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("file %s does not exist", path)
	}

	streamID := protocol.NewID()
	if err := r.deps.Applier.ApplyToFile(ctx, protocol.ApplyToFileRequest{
		StreamID:   streamID,
		Filepath:   path,
		Text:       changes,
		ToolCallID: call.ToolCallID,
	}); err != nil {
		return nil, err
	}
	return []protocol.ContextItem{{
		Name:        "Edit",
		Description: path,
		Content:     fmt.Sprintf("Changes to %s were applied and are waiting for the user to accept or reject them.", path),
		URI:         path,
	}}, nil
}

// checkSize refuses content larger than half the model context window.
func (r *Registry) checkSize(path, content string) error {
	if r.deps.ContextLength == nil {
		return nil
	}
	limit := r.deps.ContextLength() / 2
	if limit <= 0 {
		return nil
	}
	if tokens := llm.CountTokens(content); tokens > limit {
		return fmt.Errorf("file %s is too large (%d tokens vs %d token limit). Try another approach", path, tokens, limit)
	}
	return nil
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("%s argument is required", name)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%s argument must be a non-empty string", name)
	}
	return s, nil
}

func relativePath(path string, dirs []string) string {
	for _, d := range dirs {
		if rel, err := filepath.Rel(d, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(path)
}

func lastParts(path string, n int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	return strings.Join(parts, "/")
}
