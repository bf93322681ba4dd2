package host

import (
	"context"
	"errors"

	"go.uber.org/zap"

	apperrors "github.com/kandev/codepilot/internal/common/errors"
	"github.com/kandev/codepilot/internal/editor"
	"github.com/kandev/codepilot/internal/llm"
	"github.com/kandev/codepilot/internal/vertical"
	"github.com/kandev/codepilot/pkg/protocol"
)

// ApplyToFile handles applyToFile. It answers once the diff is streamed.
func (h *Handlers) ApplyToFile(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.ApplyToFileRequest](msg)
	if err != nil {
		return nil, err
	}
	if req.StreamID == "" {
		req.StreamID = protocol.NewID()
	}
	if err := h.deps.Apply.ApplyToFile(ctx, req); err != nil {
		return nil, err
	}
	return nil, nil
}

// AcceptDiff handles acceptDiff.
func (h *Handlers) AcceptDiff(ctx context.Context, msg *protocol.Message) (any, error) {
	return nil, h.clearDiff(ctx, msg, true)
}

// RejectDiff handles rejectDiff.
func (h *Handlers) RejectDiff(ctx context.Context, msg *protocol.Message) (any, error) {
	return nil, h.clearDiff(ctx, msg, false)
}

func (h *Handlers) clearDiff(ctx context.Context, msg *protocol.Message, accept bool) error {
	req, err := parse[protocol.DiffRequest](msg)
	if err != nil {
		return err
	}
	uri, err := h.diffURI(ctx, req.Filepath, req.StreamID)
	if err != nil {
		return err
	}
	h.logger.Info("Resolving diff",
		zap.String("filepath", uri),
		zap.String("stream_id", req.StreamID),
		zap.Bool("accept", accept))
	return h.deps.Diffs.ClearForFile(ctx, uri, accept)
}

// AcceptRejectDiffBlock handles acceptRejectDiffBlock.
func (h *Handlers) AcceptRejectDiffBlock(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.DiffBlockRequest](msg)
	if err != nil {
		return nil, err
	}
	uri, err := h.diffURI(ctx, req.Filepath, "")
	if err != nil {
		return nil, err
	}
	err = h.deps.Diffs.AcceptRejectBlock(ctx, uri, req.Accept, req.Index)
	switch {
	case errors.Is(err, vertical.ErrBlockIndex), errors.Is(err, vertical.ErrStreaming):
		return nil, apperrors.BadRequest(err.Error())
	case errors.Is(err, vertical.ErrHandlerCleared):
		return nil, apperrors.NotFound("diff", uri)
	}
	return nil, err
}

// diffURI finds the document a diff request targets: the file when given,
// else the handler running streamID, else the active document.
func (h *Handlers) diffURI(ctx context.Context, path, streamID string) (string, error) {
	if path != "" {
		doc, err := h.deps.Workspace.OpenDocument(ctx, path)
		if err != nil {
			return "", err
		}
		return doc.URI(), nil
	}
	if streamID != "" {
		for handler := range h.deps.Diffs.Handlers() {
			if handler.StreamID() == streamID {
				return handler.URI(), nil
			}
		}
	}
	doc, ok := h.deps.Workspace.ActiveDocument()
	if !ok {
		return "", apperrors.BadRequest("no file given and no active editor")
	}
	return doc.URI(), nil
}

// EditSendPrompt handles edit/sendPrompt, rewriting a range with the edit
// model. It returns the rewritten text.
func (h *Handlers) EditSendPrompt(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.EditPromptRequest](msg)
	if err != nil {
		return nil, err
	}
	if req.Prompt == "" {
		return nil, apperrors.BadRequest("prompt is required")
	}
	doc, err := h.deps.Workspace.OpenDocument(ctx, req.Range.Filepath)
	if err != nil {
		return nil, err
	}
	model, err := h.editModel()
	if err != nil {
		return nil, err
	}
	if req.StreamID == "" {
		req.StreamID = protocol.NewID()
	}

	r := req.Range.Range
	return h.deps.Diffs.StreamEdit(ctx, vertical.EditRequest{
		Document:       doc,
		Range:          &r,
		Input:          req.Prompt,
		Model:          model,
		PromptTemplate: h.deps.EditTemplate,
		StreamID:       req.StreamID,
	})
}

func (h *Handlers) editModel() (llm.Model, error) {
	if h.deps.Models == nil {
		return nil, apperrors.Unavailable("edit model")
	}
	if m, err := h.deps.Models.ForRole(llm.RoleEdit); err == nil {
		return m, nil
	}
	m, err := h.deps.Models.ForRole(llm.RoleChat)
	if err != nil {
		return nil, apperrors.Wrap(err, `no model with roles "edit" or "chat" found in config`)
	}
	return m, nil
}

// OverwriteFile handles overwriteFile, restoring a file's earlier content.
// A diff still open in the file is dropped as is.
func (h *Handlers) OverwriteFile(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.OverwriteFileRequest](msg)
	if err != nil {
		return nil, err
	}
	doc, err := h.deps.Workspace.OpenDocument(ctx, req.Filepath)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Diffs.ClearForFile(ctx, doc.URI(), true); err != nil {
		return nil, err
	}
	if err := doc.ApplyEdit(ctx, editor.FullRange(doc), req.PrevFileContent); err != nil {
		return nil, err
	}
	return nil, h.deps.Workspace.SaveFile(ctx, doc.URI())
}

// InsertAtCursor handles insertAtCursor, replacing the active selection.
func (h *Handlers) InsertAtCursor(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.TextRequest](msg)
	if err != nil {
		return nil, err
	}
	doc, ok := h.deps.Workspace.ActiveDocument()
	if !ok {
		return nil, apperrors.BadRequest("no active editor")
	}
	sel, ok := doc.(editor.Selectable)
	if !ok {
		return nil, apperrors.Unavailable("cursor position")
	}
	r := sel.Selection()
	if err := doc.ApplyEdit(ctx, r, req.Text); err != nil {
		return nil, err
	}
	return nil, nil
}

// CopyText handles copyText.
func (h *Handlers) CopyText(_ context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.TextRequest](msg)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Clipboard(req.Text); err != nil {
		return nil, apperrors.InternalError("copy to clipboard", err)
	}
	return nil, nil
}
