package vertical

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/kandev/codepilot/internal/common/errors"
	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/diff"
	"github.com/kandev/codepilot/internal/edit"
	"github.com/kandev/codepilot/internal/editor"
	"github.com/kandev/codepilot/internal/events"
	"github.com/kandev/codepilot/internal/events/bus"
	"github.com/kandev/codepilot/internal/llm"
	"github.com/kandev/codepilot/pkg/protocol"
)

const eventSource = "vertical-diff"

type entry struct {
	handler *Handler
	dispose func()
}

// Manager keeps at most one Handler per file and publishes their progress
// as apply state on the event bus.
type Manager struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu       sync.Mutex
	handlers map[string]*entry
}

// NewManager creates a manager publishing to eventBus.
func NewManager(eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "vertical-diff")),
		handlers: make(map[string]*entry),
	}
}

// CreateHandler installs a new handler for doc. A handler already present
// for the same file is cleared without accepting its edits first.
func (m *Manager) CreateHandler(ctx context.Context, doc editor.Document, opts Options) *Handler {
	uri := doc.URI()
	for {
		m.mu.Lock()
		existing, ok := m.handlers[uri]
		if !ok {
			break
		}
		m.mu.Unlock()

		m.logger.Info("Replacing diff handler",
			zap.String("filepath", uri),
			zap.String("previous_stream_id", existing.handler.StreamID()))
		if err := existing.handler.Clear(ctx, false); err != nil {
			m.logger.Warn("Failed to revert replaced diff handler",
				zap.String("filepath", uri), zap.Error(err))
		}
		m.remove(existing.handler)
	}
	defer m.mu.Unlock()

	opts.OnStatus = m.statusPublisher(uri, opts)
	h := newHandler(doc, opts, m.remove, m.logger)
	m.handlers[uri] = &entry{handler: h, dispose: doc.OnChange(h.handleChange)}
	return h
}

// Handler returns the live handler for uri.
func (m *Manager) Handler(uri string) (*Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.handlers[uri]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Len returns the number of live handlers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// remove drops h from the registry if it is still the file's handler.
func (m *Manager) remove(h *Handler) {
	m.mu.Lock()
	e, ok := m.handlers[h.URI()]
	if !ok || e.handler != h {
		m.mu.Unlock()
		return
	}
	delete(m.handlers, h.URI())
	empty := len(m.handlers) == 0
	m.mu.Unlock()

	e.dispose()
	if empty {
		m.SetContext(context.Background(), events.ContextDiffVisible, false)
	}
}

func (m *Manager) statusPublisher(uri string, opts Options) StatusFunc {
	next := opts.OnStatus
	return func(status protocol.ApplyStatus, numDiffs int, fileContent string) {
		if opts.StreamID != "" {
			m.PublishApplyState(context.Background(), protocol.ApplyState{
				StreamID:    opts.StreamID,
				Status:      status,
				NumDiffs:    numDiffs,
				FileContent: fileContent,
				Filepath:    uri,
				ToolCallID:  opts.ToolCallID,
			})
		}
		if next != nil {
			next(status, numDiffs, fileContent)
		}
	}
}

// PublishApplyState announces a status change for one stream.
func (m *Manager) PublishApplyState(ctx context.Context, state protocol.ApplyState) {
	event := bus.NewEvent(events.ApplyStateChanged, eventSource, state)
	if err := m.bus.Publish(ctx, events.ApplyStateSubject, event); err != nil {
		m.logger.Warn("Failed to publish apply state",
			zap.String("stream_id", state.StreamID), zap.Error(err))
	}
}

// SetContext publishes a process-wide UI flag.
func (m *Manager) SetContext(ctx context.Context, key string, value bool) {
	event := bus.NewEvent(events.UIContextChanged, eventSource, protocol.SetContextPayload{Key: key, Value: value})
	if err := m.bus.Publish(ctx, events.UIContextSubject, event); err != nil {
		m.logger.Warn("Failed to publish UI context", zap.String("key", key), zap.Error(err))
	}
}

// begin raises the diff flags and returns the matching cleanup.
func (m *Manager) begin(ctx context.Context) func() {
	m.SetContext(ctx, events.ContextDiffVisible, true)
	m.SetContext(ctx, events.ContextStreamingDiff, true)
	return func() {
		ctx := context.WithoutCancel(ctx)
		m.SetContext(ctx, events.ContextStreamingDiff, false)
		if m.Len() == 0 {
			m.SetContext(ctx, events.ContextDiffVisible, false)
		}
	}
}

// StreamOptions identify the operation a diff belongs to.
type StreamOptions struct {
	StreamID   string
	ToolCallID string
}

// StreamDiffLines drives a whole-document edit script into doc.
func (m *Manager) StreamDiffLines(ctx context.Context, doc editor.Document, lines diff.Seq, opts StreamOptions) error {
	done := m.begin(ctx)
	defer done()

	h := m.CreateHandler(ctx, doc, Options{StreamID: opts.StreamID, ToolCallID: opts.ToolCallID})
	if err := h.Run(ctx, lines); err != nil {
		return m.streamError(opts.StreamID, doc.URI(), err)
	}
	return nil
}

// EditRequest describes a model-driven rewrite of part of a document.
type EditRequest struct {
	Document editor.Document
	// Range limits the rewrite. When nil the document selection is used,
	// or the whole document when nothing is selected.
	Range *editor.Range
	// Input is the instruction for the model.
	Input string
	// NewCode is the suggestion being applied, if any.
	NewCode string
	Model   llm.Model
	// PromptTemplate overrides the default edit prompt.
	PromptTemplate string
	StreamID       string
	ToolCallID     string
}

// StreamEdit asks the model to rewrite a line range and streams the reply
// into the document as a diff. The code around the range is sent as
// context, each side trimmed to a quarter of the model's context window.
// It returns the rewritten range text.
func (m *Manager) StreamEdit(ctx context.Context, req EditRequest) (string, error) {
	if req.Model == nil {
		return "", errors.New("no model available for edit")
	}
	doc := req.Document

	done := m.begin(ctx)
	defer done()

	// Revert a previous diff first so the prompt sees the original text.
	if err := m.ClearForFile(ctx, doc.URI(), false); err != nil {
		return "", err
	}

	lines := diff.SplitLines(doc.Text())
	start, end := targetLines(doc, req.Range, lines)
	budget := req.Model.ContextLength() / 4

	prompt := edit.Prompt{
		Prefix:      llm.PruneLinesFromTop(diff.JoinLines(lines[:start]), budget),
		Highlighted: diff.JoinLines(lines[start : end+1]),
		Suffix:      llm.PruneLinesFromBottom(diff.JoinLines(lines[end+1:]), budget),
		Input:       req.Input,
		Language:    edit.LanguageTag(doc.URI()),
		NewCode:     req.NewCode,
	}
	messages, err := prompt.Messages(req.PromptTemplate)
	if err != nil {
		return "", err
	}

	if sel, ok := doc.(editor.Selectable); ok {
		caret := sel.Selection().End
		sel.SetSelection(editor.Range{Start: caret, End: caret})
	}

	m.logger.Info("Streaming edit",
		zap.String("stream_id", req.StreamID),
		zap.String("filepath", doc.URI()),
		zap.String("model", req.Model.Title()),
		zap.Int("start_line", start),
		zap.Int("end_line", end))

	h := m.CreateHandler(ctx, doc, Options{
		StreamID:   req.StreamID,
		ToolCallID: req.ToolCallID,
		StartLine:  start,
	})

	var streamed []string
	script := edit.StreamLines(ctx, req.Model, messages, lines[start:end+1])
	if err := h.Run(ctx, record(script, &streamed)); err != nil {
		return "", m.streamError(req.StreamID, doc.URI(), err)
	}
	return diff.JoinLines(streamed), nil
}

// record appends the new side of seq to out as it passes through.
func record(seq diff.Seq, out *[]string) diff.Seq {
	return func(yield func(diff.Line, error) bool) {
		for l, err := range seq {
			if err == nil && l.Type != diff.Old {
				*out = append(*out, l.Line)
			}
			if !yield(l, err) {
				return
			}
		}
	}
}

// targetLines resolves the inclusive line range to rewrite. A final empty
// line left by a trailing newline is not part of it, and a range ending at
// column 0 stops at the line before.
func targetLines(doc editor.Document, r *editor.Range, lines []string) (int, int) {
	last := len(lines) - 1
	if r == nil {
		if sel, ok := doc.(editor.Selectable); ok {
			s := sel.Selection()
			if s.Start != s.End {
				r = &s
			}
		}
	}

	start, end := 0, last
	if r != nil {
		start = clamp(r.Start.Line, 0, last)
		end = clamp(r.End.Line, start, last)
		if r.End.Character == 0 && end > start {
			end--
		}
	}
	if end == last && end > start && lines[end] == "" {
		end--
	}
	return start, end
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// streamError classifies a failed run. Actionable model errors pass through
// so the caller can offer a fix.
func (m *Manager) streamError(streamID, uri string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrHandlerCleared) {
		return err
	}
	classified := llm.ClassifyError(err)
	var actionable *llm.ActionableError
	if errors.As(classified, &actionable) {
		return classified
	}
	m.logger.Error("Error streaming edit diffs",
		zap.String("stream_id", streamID),
		zap.String("filepath", uri),
		zap.Error(err))
	return fmt.Errorf("error streaming edit diffs: %w", err)
}

// AcceptRejectBlock resolves one block of the file's handler.
func (m *Manager) AcceptRejectBlock(ctx context.Context, uri string, accept bool, index int) error {
	h, ok := m.Handler(uri)
	if !ok {
		return apperrors.NotFound("diff", uri)
	}
	return h.AcceptReject(ctx, accept, index)
}

// ClearForFile accepts or rejects everything pending in the file. It is a
// no-op when no diff is open there.
func (m *Manager) ClearForFile(ctx context.Context, uri string, accept bool) error {
	h, ok := m.Handler(uri)
	if !ok {
		return nil
	}
	return h.Clear(ctx, accept)
}

// Handlers iterates over the live handlers.
func (m *Manager) Handlers() iter.Seq[*Handler] {
	m.mu.Lock()
	hs := make([]*Handler, 0, len(m.handlers))
	for _, e := range m.handlers {
		hs = append(hs, e.handler)
	}
	m.mu.Unlock()
	return func(yield func(*Handler) bool) {
		for _, h := range hs {
			if !yield(h) {
				return
			}
		}
	}
}

// Close rejects every pending diff.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for h := range m.Handlers() {
		if err := h.Clear(ctx, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
