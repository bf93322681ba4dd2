package host

import (
	"context"

	"github.com/kandev/codepilot/pkg/protocol"
)

type dirtyTracker interface {
	IsDirty() bool
}

func (h *Handlers) ReadFile(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.FileRequest](msg)
	if err != nil {
		return nil, err
	}
	return h.deps.Workspace.ReadFile(ctx, req.Filepath)
}

func (h *Handlers) WriteFile(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.WriteFileRequest](msg)
	if err != nil {
		return nil, err
	}
	return nil, h.deps.Workspace.WriteFile(ctx, req.Filepath, req.Contents)
}

func (h *Handlers) FileExists(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.FileRequest](msg)
	if err != nil {
		return nil, err
	}
	return h.deps.Workspace.FileExists(ctx, req.Filepath)
}

func (h *Handlers) OpenFile(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.FileRequest](msg)
	if err != nil {
		return nil, err
	}
	_, err = h.deps.Workspace.OpenDocument(ctx, req.Filepath)
	return nil, err
}

func (h *Handlers) SaveFile(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.FileRequest](msg)
	if err != nil {
		return nil, err
	}
	return nil, h.deps.Workspace.SaveFile(ctx, req.Filepath)
}

// GetOpenFiles returns the paths of the open documents.
func (h *Handlers) GetOpenFiles(_ context.Context, _ *protocol.Message) (any, error) {
	docs := h.deps.Workspace.OpenDocuments()
	paths := make([]string, 0, len(docs))
	for _, d := range docs {
		paths = append(paths, d.URI())
	}
	return paths, nil
}

// GetCurrentFile returns the active document, or null when none is open.
func (h *Handlers) GetCurrentFile(_ context.Context, _ *protocol.Message) (any, error) {
	doc, ok := h.deps.Workspace.ActiveDocument()
	if !ok {
		return nil, nil
	}
	fc := protocol.FileContents{Path: doc.URI(), Contents: doc.Text()}
	if d, ok := doc.(dirtyTracker); ok {
		fc.IsDirty = d.IsDirty()
	}
	return fc, nil
}

func (h *Handlers) ReadRangeInFile(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.RangeInFile](msg)
	if err != nil {
		return nil, err
	}
	doc, err := h.deps.Workspace.OpenDocument(ctx, req.Filepath)
	if err != nil {
		return nil, err
	}
	return doc.TextInRange(req.Range)
}

func (h *Handlers) GetWorkspaceDirs(_ context.Context, _ *protocol.Message) (any, error) {
	return h.deps.Workspace.Dirs(), nil
}
