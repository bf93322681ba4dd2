package edit

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/kandev/codepilot/internal/diff"
	"github.com/kandev/codepilot/internal/llm"
)

// Prompt is the material for a range rewrite.
type Prompt struct {
	Prefix      string
	Highlighted string
	Suffix      string
	// Input is the user's instruction.
	Input    string
	Language string
	// NewCode is the proposed code when applying a suggestion.
	NewCode string
}

// Messages renders p with the edit template, or with override when set.
func (p Prompt) Messages(override string) ([]llm.Message, error) {
	name, tmpl := "edit", llm.DefaultEditPrompt
	if override != "" {
		name, tmpl = "override", override
	}
	rendered, err := llm.RenderPrompt(name, tmpl, map[string]any{
		"prefix":        p.Prefix,
		"original_code": p.Highlighted,
		"suffix":        p.Suffix,
		"input":         p.Input,
		"language":      p.Language,
		"new_code":      p.NewCode,
	})
	if err != nil {
		return nil, err
	}
	return []llm.Message{llm.UserMessage(rendered)}, nil
}

// ApplyInstruction is the instruction used when a model reconciles a
// suggested block with the file.
func ApplyInstruction(newCode string) (string, error) {
	return llm.RenderPrompt("apply", llm.DefaultApplyPrompt, map[string]any{"new_code": newCode})
}

// StreamLines asks model for a rewrite of oldLines and diffs its reply
// against them as it streams.
func StreamLines(ctx context.Context, model llm.Model, messages []llm.Message, oldLines []string) diff.Seq {
	completion := model.StreamChat(ctx, messages)
	return diff.Stream(oldLines, diff.StripCodeFence(diff.SplitChunks(completion)))
}

var languageTags = map[string]string{
	".go":   "go",
	".js":   "javascript",
	".jsx":  "jsx",
	".ts":   "typescript",
	".tsx":  "tsx",
	".py":   "python",
	".rs":   "rust",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cs":   "csharp",
	".rb":   "ruby",
	".php":  "php",
	".vue":  "vue",
	".html": "html",
	".css":  "css",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".md":   "markdown",
	".sh":   "bash",
	".sql":  "sql",
	".lua":  "lua",
}

// LanguageTag returns the markdown fence tag for a file name.
func LanguageTag(filename string) string {
	return languageTags[strings.ToLower(filepath.Ext(filename))]
}
