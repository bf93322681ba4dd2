// Package host answers the webview's requests: applying and resolving
// diffs, file access, tool calls and chat streaming.
package host

import (
	"context"
	"errors"
	"time"

	"github.com/atotto/clipboard"
	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/apply/store"
	apperrors "github.com/kandev/codepilot/internal/common/errors"
	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/editor"
	"github.com/kandev/codepilot/internal/llm"
	"github.com/kandev/codepilot/internal/messenger"
	"github.com/kandev/codepilot/internal/tools"
	"github.com/kandev/codepilot/internal/vertical"
	"github.com/kandev/codepilot/pkg/protocol"
)

// toastTimeout bounds how long an actionable error waits for the user.
const toastTimeout = 10 * time.Minute

// Applier applies suggested code to a file.
type Applier interface {
	ApplyToFile(ctx context.Context, req protocol.ApplyToFileRequest) error
}

// Models resolves configured models.
type Models interface {
	ForRole(role string) (llm.Model, error)
	Resolve(title, role string) (llm.Model, error)
}

// Deps are the services the handlers call into. History is optional.
type Deps struct {
	Workspace    editor.Workspace
	Apply        Applier
	Diffs        *vertical.Manager
	Models       Models
	Tools        *tools.Registry
	History      store.Repository
	EditTemplate string
	// Clipboard writes text to the system clipboard. Defaults to
	// clipboard.WriteAll.
	Clipboard func(text string) error
}

// Handlers contains the host side message handlers for one UI connection.
type Handlers struct {
	deps   Deps
	ui     *messenger.Messenger
	logger *logger.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps, log *logger.Logger) *Handlers {
	if deps.Clipboard == nil {
		deps.Clipboard = clipboard.WriteAll
	}
	return &Handlers{
		deps:   deps,
		logger: log.WithFields(zap.String("component", "host-handlers")),
	}
}

// RegisterHandlers registers every handler on m. Notifications such as
// actionable error toasts go back through m.
func (h *Handlers) RegisterHandlers(m *messenger.Messenger) {
	h.ui = m

	m.On(protocol.TypeApplyToFile, h.wrap(h.ApplyToFile))
	m.On(protocol.TypeAcceptDiff, h.wrap(h.AcceptDiff))
	m.On(protocol.TypeRejectDiff, h.wrap(h.RejectDiff))
	m.On(protocol.TypeAcceptRejectDiffBlock, h.wrap(h.AcceptRejectDiffBlock))
	m.On(protocol.TypeEditSendPrompt, h.wrap(h.EditSendPrompt))
	m.On(protocol.TypeOverwriteFile, h.wrap(h.OverwriteFile))
	m.On(protocol.TypeInsertAtCursor, h.wrap(h.InsertAtCursor))
	m.On(protocol.TypeCopyText, h.wrap(h.CopyText))

	m.On(protocol.TypeReadFile, h.wrap(h.ReadFile))
	m.On(protocol.TypeWriteFile, h.wrap(h.WriteFile))
	m.On(protocol.TypeFileExists, h.wrap(h.FileExists))
	m.On(protocol.TypeOpenFile, h.wrap(h.OpenFile))
	m.On(protocol.TypeSaveFile, h.wrap(h.SaveFile))
	m.On(protocol.TypeGetOpenFiles, h.wrap(h.GetOpenFiles))
	m.On(protocol.TypeGetCurrentFile, h.wrap(h.GetCurrentFile))
	m.On(protocol.TypeReadRangeInFile, h.wrap(h.ReadRangeInFile))
	m.On(protocol.TypeGetWorkspaceDirs, h.wrap(h.GetWorkspaceDirs))

	m.On(protocol.TypeToolsCall, h.wrap(h.CallTool))
	m.On(protocol.TypeApplyStateList, h.wrap(h.ListApplyStates))
	m.OnStream(protocol.TypeLLMStreamChat, h.StreamChat)
}

// wrap turns actionable model failures into a toast for the user and an
// ACTIONABLE error result for the caller.
func (h *Handlers) wrap(fn messenger.Handler) messenger.Handler {
	return func(ctx context.Context, msg *protocol.Message) (any, error) {
		content, err := fn(ctx, msg)
		if err == nil {
			return content, nil
		}
		return nil, h.surface(ctx, err)
	}
}

func (h *Handlers) surface(ctx context.Context, err error) error {
	var actionable *llm.ActionableError
	if !errors.As(llm.ClassifyError(err), &actionable) {
		return err
	}
	h.showToast(ctx, actionable)
	return &apperrors.AppError{Code: apperrors.ErrCodeActionable, Message: actionable.Message, Err: err}
}

// showToast asks the UI to surface err with its remediation options. The
// reply is the chosen option and arrives whenever the user acts.
func (h *Handlers) showToast(ctx context.Context, err *llm.ActionableError) {
	if h.ui == nil {
		return
	}
	payload := protocol.ToastPayload{Level: "error", Message: err.Message, Options: err.Options}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), toastTimeout)
		defer cancel()
		choice, reqErr := messenger.Call[string](ctx, h.ui, protocol.TypeShowToast, payload)
		if reqErr != nil {
			h.logger.Debug("Toast not answered", zap.Error(reqErr))
			return
		}
		if choice != "" {
			h.logger.Info("Remediation selected",
				zap.String("option", choice),
				zap.String("model", err.Model))
		}
	}()
}

func parse[T any](msg *protocol.Message) (T, error) {
	var v T
	if err := msg.ParseData(&v); err != nil {
		return v, apperrors.BadRequest("invalid payload: " + err.Error())
	}
	return v, nil
}
