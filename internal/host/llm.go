package host

import (
	"context"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/kandev/codepilot/internal/common/errors"
	"github.com/kandev/codepilot/internal/llm"
	"github.com/kandev/codepilot/pkg/protocol"
)

const defaultHistoryLimit = 50

// CallTool handles tools/call.
func (h *Handlers) CallTool(ctx context.Context, msg *protocol.Message) (any, error) {
	req, err := parse[protocol.ToolCallRequest](msg)
	if err != nil {
		return nil, err
	}
	if h.deps.Tools == nil {
		return nil, apperrors.Unavailable("tools")
	}
	result, err := h.deps.Tools.Call(ctx, req)
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	return result, nil
}

// StreamChat handles llm/streamChat. Each completion chunk is yielded as it
// arrives and the full completion completes the stream.
func (h *Handlers) StreamChat(ctx context.Context, msg *protocol.Message, yield func(v any) error) (any, error) {
	req, err := parse[protocol.StreamChatRequest](msg)
	if err != nil {
		return nil, err
	}
	if h.deps.Models == nil {
		return nil, apperrors.Unavailable("chat model")
	}
	model, err := h.deps.Models.Resolve(req.Title, llm.RoleChat)
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	messages := make([]llm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	var completion strings.Builder
	for chunk, err := range model.StreamChat(ctx, messages) {
		if err != nil {
			return nil, h.surface(ctx, err)
		}
		completion.WriteString(chunk)
		if err := yield(chunk); err != nil {
			return nil, err
		}
	}
	h.logger.Debug("Chat completion streamed",
		zap.String("model", model.Title()),
		zap.Int("length", completion.Len()))
	return completion.String(), nil
}

type listRequest struct {
	Limit int `json:"limit"`
}

// ListApplyStates handles applyState/list with the most recent sessions.
func (h *Handlers) ListApplyStates(ctx context.Context, msg *protocol.Message) (any, error) {
	if h.deps.History == nil {
		return nil, apperrors.Unavailable("apply history")
	}
	req, err := parse[listRequest](msg)
	if err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = defaultHistoryLimit
	}
	return h.deps.History.ListRecent(ctx, req.Limit)
}
