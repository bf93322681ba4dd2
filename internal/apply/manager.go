// Package apply applies proposed code to files through the vertical diff
// flow and tracks the resulting apply state.
package apply

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/kandev/codepilot/internal/common/errors"
	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/common/tracing"
	"github.com/kandev/codepilot/internal/edit"
	"github.com/kandev/codepilot/internal/editor"
	"github.com/kandev/codepilot/internal/llm"
	"github.com/kandev/codepilot/internal/vertical"
	"github.com/kandev/codepilot/pkg/protocol"
)

// Classifier decides whether proposed text can be applied without a model.
type Classifier func(oldContent, newContent string) (edit.Result, error)

// ModelResolver picks the model for a role.
type ModelResolver interface {
	ForRole(role string) (llm.Model, error)
}

// Manager implements applyToFile.
type Manager struct {
	workspace     editor.Workspace
	diffs         *vertical.Manager
	models        ModelResolver
	classify      Classifier
	applyTemplate string
	logger        *logger.Logger
	tracer        trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithClassifier replaces edit.ApplyCodeBlock.
func WithClassifier(c Classifier) Option {
	return func(m *Manager) { m.classify = c }
}

// WithApplyTemplate overrides the prompt used when a model reconciles the
// suggestion. It sees original_code and new_code.
func WithApplyTemplate(tmpl string) Option {
	return func(m *Manager) { m.applyTemplate = tmpl }
}

// NewManager creates an apply manager.
func NewManager(ws editor.Workspace, diffs *vertical.Manager, models ModelResolver, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		workspace: ws,
		diffs:     diffs,
		models:    models,
		classify:  edit.ApplyCodeBlock,
		logger:    log.WithFields(zap.String("component", "apply")),
		tracer:    tracing.Tracer("codepilot-apply"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ApplyToFile applies req.Text to req.Filepath, or to the active document
// when no path is given. A blank document simply receives the text. Other
// documents get a reviewable diff, computed directly when the suggestion
// allows it and by the apply model otherwise.
func (m *Manager) ApplyToFile(ctx context.Context, req protocol.ApplyToFileRequest) (err error) {
	ctx, span := m.tracer.Start(ctx, "apply.apply_to_file",
		trace.WithAttributes(
			attribute.String("stream.id", req.StreamID),
			attribute.String("file.path", req.Filepath)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.logger.Error("Apply to file failed",
				zap.String("stream_id", req.StreamID),
				zap.String("filepath", req.Filepath),
				zap.Error(err))
		}
		span.End()
	}()

	m.diffs.PublishApplyState(ctx, protocol.ApplyState{
		StreamID:    req.StreamID,
		Status:      protocol.ApplyStatusStreaming,
		FileContent: req.Text,
		Filepath:    req.Filepath,
		ToolCallID:  req.ToolCallID,
	})

	doc, err := m.document(ctx, req.Filepath)
	if err != nil {
		return err
	}
	// The new edit script is computed against the file without a pending
	// diff, so revert it before reading the text.
	if err := m.diffs.ClearForFile(ctx, doc.URI(), false); err != nil {
		return err
	}

	if editor.IsBlank(doc) {
		return m.applyToBlank(ctx, doc, req)
	}

	result, err := m.classify(doc.Text(), req.Text)
	if err != nil {
		return err
	}
	m.logger.Info("Applying code block",
		zap.String("stream_id", req.StreamID),
		zap.String("filepath", doc.URI()),
		zap.Bool("instant", result.IsInstantApply),
		zap.String("reason", result.Reason))

	opts := vertical.StreamOptions{StreamID: req.StreamID, ToolCallID: req.ToolCallID}
	if result.IsInstantApply {
		return m.diffs.StreamDiffLines(ctx, doc, result.Lines, opts)
	}
	return m.applyWithModel(ctx, doc, req)
}

// document opens path, creating an empty file first when it is missing.
func (m *Manager) document(ctx context.Context, path string) (editor.Document, error) {
	if path == "" {
		doc, ok := m.workspace.ActiveDocument()
		if !ok {
			return nil, apperrors.BadRequest("no active editor to apply edits to")
		}
		return doc, nil
	}

	exists, err := m.workspace.FileExists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		m.logger.Info("Creating file for apply", zap.String("filepath", path))
		if err := m.workspace.WriteFile(ctx, path, ""); err != nil {
			return nil, err
		}
	}
	return m.workspace.OpenDocument(ctx, path)
}

func (m *Manager) applyToBlank(ctx context.Context, doc editor.Document, req protocol.ApplyToFileRequest) error {
	at := editor.Position{}
	if err := doc.ApplyEdit(ctx, editor.Range{Start: at, End: at}, req.Text); err != nil {
		return err
	}
	m.diffs.PublishApplyState(ctx, protocol.ApplyState{
		StreamID:    req.StreamID,
		Status:      protocol.ApplyStatusClosed,
		NumDiffs:    0,
		FileContent: req.Text,
		Filepath:    doc.URI(),
		ToolCallID:  req.ToolCallID,
	})
	return nil
}

func (m *Manager) applyWithModel(ctx context.Context, doc editor.Document, req protocol.ApplyToFileRequest) error {
	model, err := m.applyModel()
	if err != nil {
		return err
	}
	instruction, err := edit.ApplyInstruction(req.Text)
	if err != nil {
		return err
	}

	target := editor.FullRange(doc)
	if sel, ok := doc.(editor.Selectable); ok {
		if s := sel.Selection(); s.Start != s.End {
			target = s
		}
	}

	_, err = m.diffs.StreamEdit(ctx, vertical.EditRequest{
		Document:       doc,
		Range:          &target,
		Input:          instruction,
		NewCode:        req.Text,
		Model:          model,
		PromptTemplate: m.applyTemplate,
		StreamID:       req.StreamID,
		ToolCallID:     req.ToolCallID,
	})
	return err
}

func (m *Manager) applyModel() (llm.Model, error) {
	if m.models == nil {
		return nil, apperrors.Unavailable("apply model")
	}
	model, err := m.models.ForRole(llm.RoleApply)
	if err == nil {
		return model, nil
	}
	model, chatErr := m.models.ForRole(llm.RoleChat)
	if chatErr != nil {
		return nil, apperrors.Wrap(errors.Join(err, chatErr), `no model with roles "apply" or "chat" found in config`)
	}
	return model, nil
}
