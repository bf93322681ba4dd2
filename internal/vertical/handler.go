// Package vertical streams line edits into a live document as reviewable
// blocks and resolves them on accept or reject.
package vertical

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/diff"
	"github.com/kandev/codepilot/internal/editor"
	"github.com/kandev/codepilot/pkg/protocol"
)

// State is the lifecycle state of a Handler.
type State string

const (
	StateIdle               State = "idle"
	StateStreaming          State = "streaming"
	StateAwaitingResolution State = "awaiting-resolution"
	StateCleared            State = "cleared"
)

var (
	// ErrHandlerCleared is returned by operations on a cleared handler,
	// including a run preempted by a newer handler for the same file.
	ErrHandlerCleared = errors.New("diff handler cleared")
	// ErrStreaming is returned when resolving blocks before the stream ended.
	ErrStreaming = errors.New("diff is still streaming")
	// ErrBlockIndex is returned for a block index out of range.
	ErrBlockIndex = errors.New("diff block index out of range")
)

// Block is one contiguous hunk in document line coordinates. The green
// lines occupy [Start, Start+NumGreen) in the document; the NumRed removed
// lines are held by the handler for reject.
type Block struct {
	Start    int `json:"start"`
	NumRed   int `json:"numRed"`
	NumGreen int `json:"numGreen"`
}

type block struct {
	Block
	removed []string
}

// StatusFunc receives progress after every block change.
type StatusFunc func(status protocol.ApplyStatus, numDiffs int, fileContent string)

// Options configure a Handler.
type Options struct {
	StreamID   string
	ToolCallID string
	// StartLine is the first document line the edit script covers.
	StartLine int
	OnStatus  StatusFunc
}

// Handler owns one diff session in one document.
type Handler struct {
	doc        editor.Document
	streamID   string
	toolCallID string
	startLine  int
	onStatus   StatusFunc
	logger     *logger.Logger

	guard     editGuard
	onCleared func(*Handler)
	clearOnce sync.Once

	mu              sync.Mutex
	state           State
	cursor          int
	deletionBuffer  []string
	insertedInBlock int
	blocks          []*block
}

func newHandler(doc editor.Document, opts Options, onCleared func(*Handler), log *logger.Logger) *Handler {
	return &Handler{
		doc:        doc,
		streamID:   opts.StreamID,
		toolCallID: opts.ToolCallID,
		startLine:  opts.StartLine,
		onStatus:   opts.OnStatus,
		onCleared:  onCleared,
		logger:     log.WithFile(doc.URI()).WithStreamID(opts.StreamID),
		state:  StateIdle,
		cursor: opts.StartLine,
	}
}

func (h *Handler) URI() string        { return h.doc.URI() }
func (h *Handler) StreamID() string   { return h.streamID }
func (h *Handler) ToolCallID() string { return h.toolCallID }

// State returns the current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Blocks returns the pending blocks in document order.
func (h *Handler) Blocks() []Block {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Block, len(h.blocks))
	for i, b := range h.blocks {
		out[i] = b.Block
	}
	return out
}

// Run applies the edit script to the document line by line. Cancelling ctx
// reverts everything applied so far and clears the handler. A failed edit
// or a failing script leaves what was applied in place for review.
func (h *Handler) Run(ctx context.Context, lines diff.Seq) error {
	h.mu.Lock()
	if h.state != StateIdle {
		state := h.state
		h.mu.Unlock()
		if state == StateCleared {
			return ErrHandlerCleared
		}
		return fmt.Errorf("diff handler already %s", state)
	}
	h.state = StateStreaming
	h.mu.Unlock()

	for line, err := range lines {
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			h.settle()
			return err
		}
		status, applyErr := h.applyLine(ctx, line)
		if applyErr != nil {
			if errors.Is(applyErr, ErrHandlerCleared) {
				return applyErr
			}
			h.settle()
			return applyErr
		}
		h.report(status)
	}

	if err := ctx.Err(); err != nil {
		h.logger.Info("Diff stream cancelled, reverting")
		if clearErr := h.Clear(context.WithoutCancel(ctx), false); clearErr != nil {
			return errors.Join(err, clearErr)
		}
		return err
	}

	h.settle()
	return nil
}

type statusUpdate struct {
	status   protocol.ApplyStatus
	numDiffs int
	content  string
	send     bool
}

func (h *Handler) applyLine(ctx context.Context, line diff.Line) (statusUpdate, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateCleared {
		return statusUpdate{}, ErrHandlerCleared
	}

	switch line.Type {
	case diff.Same:
		update := h.closeBlockLocked()
		h.cursor++
		return update, nil
	case diff.Old:
		if err := h.edit(func() error {
			return editor.DeleteLines(ctx, h.doc, h.cursor, 1)
		}); err != nil {
			return statusUpdate{}, fmt.Errorf("delete line %d: %w", h.cursor, err)
		}
		h.deletionBuffer = append(h.deletionBuffer, line.Line)
	case diff.New:
		if err := h.edit(func() error {
			return editor.InsertLines(ctx, h.doc, h.cursor, []string{line.Line})
		}); err != nil {
			return statusUpdate{}, fmt.Errorf("insert line %d: %w", h.cursor, err)
		}
		h.cursor++
		h.insertedInBlock++
	default:
		return statusUpdate{}, line.Validate()
	}
	return statusUpdate{}, nil
}

// edit runs fn with change tracking suppressed.
func (h *Handler) edit(fn func() error) error {
	release := h.guard.acquire()
	defer release()
	return fn()
}

// closeBlockLocked records the open run of removed and inserted lines.
func (h *Handler) closeBlockLocked() statusUpdate {
	if len(h.deletionBuffer) == 0 && h.insertedInBlock == 0 {
		return statusUpdate{}
	}
	h.blocks = append(h.blocks, &block{
		Block: Block{
			Start:    h.cursor - h.insertedInBlock,
			NumRed:   len(h.deletionBuffer),
			NumGreen: h.insertedInBlock,
		},
		removed: h.deletionBuffer,
	})
	h.deletionBuffer = nil
	h.insertedInBlock = 0
	return statusUpdate{
		status:   protocol.ApplyStatusStreaming,
		numDiffs: len(h.blocks),
		content:  h.doc.Text(),
		send:     true,
	}
}

// settle closes the open block and leaves streaming.
func (h *Handler) settle() {
	h.mu.Lock()
	if h.state != StateStreaming {
		h.mu.Unlock()
		return
	}
	h.closeBlockLocked()
	numDiffs := len(h.blocks)
	content := h.doc.Text()
	if numDiffs == 0 {
		h.state = StateCleared
		h.mu.Unlock()
		h.report(statusUpdate{status: protocol.ApplyStatusClosed, content: content, send: true})
		h.cleared()
		return
	}
	h.state = StateAwaitingResolution
	h.mu.Unlock()
	h.report(statusUpdate{status: protocol.ApplyStatusDone, numDiffs: numDiffs, content: content, send: true})
}

// AcceptReject resolves the block at index. Rejecting restores its removed
// lines in place of its inserted ones. Resolving the last block clears the
// handler.
func (h *Handler) AcceptReject(ctx context.Context, accept bool, index int) error {
	h.mu.Lock()
	switch h.state {
	case StateCleared:
		h.mu.Unlock()
		return ErrHandlerCleared
	case StateStreaming, StateIdle:
		h.mu.Unlock()
		return ErrStreaming
	}
	if index < 0 || index >= len(h.blocks) {
		h.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrBlockIndex, index, len(h.blocks))
	}

	b := h.blocks[index]
	if !accept {
		if err := h.revertBlockLocked(ctx, b); err != nil {
			h.mu.Unlock()
			return err
		}
		shift := b.NumRed - b.NumGreen
		for _, later := range h.blocks[index+1:] {
			later.Start += shift
		}
	}
	h.blocks = append(h.blocks[:index], h.blocks[index+1:]...)

	numDiffs := len(h.blocks)
	content := h.doc.Text()
	if numDiffs == 0 {
		h.state = StateCleared
	}
	h.mu.Unlock()

	if numDiffs == 0 {
		h.report(statusUpdate{status: protocol.ApplyStatusClosed, content: content, send: true})
		h.cleared()
		return nil
	}
	h.report(statusUpdate{status: protocol.ApplyStatusDone, numDiffs: numDiffs, content: content, send: true})
	return nil
}

func (h *Handler) revertBlockLocked(ctx context.Context, b *block) error {
	err := h.edit(func() error {
		return editor.ReplaceLines(ctx, h.doc, b.Start, b.NumGreen, b.removed)
	})
	if err != nil {
		return fmt.Errorf("revert block at line %d: %w", b.Start, err)
	}
	return nil
}

// Clear ends the session. accept keeps every pending edit; otherwise all
// pending blocks, including one still being streamed, are reverted.
func (h *Handler) Clear(ctx context.Context, accept bool) error {
	h.mu.Lock()
	if h.state == StateCleared {
		h.mu.Unlock()
		return nil
	}
	h.closeBlockLocked()

	if !accept {
		for len(h.blocks) > 0 {
			last := h.blocks[len(h.blocks)-1]
			if err := h.revertBlockLocked(ctx, last); err != nil {
				h.mu.Unlock()
				return err
			}
			h.blocks = h.blocks[:len(h.blocks)-1]
		}
	}
	h.blocks = nil
	h.state = StateCleared
	content := h.doc.Text()
	h.mu.Unlock()

	h.report(statusUpdate{status: protocol.ApplyStatusClosed, content: content, send: true})
	h.cleared()
	return nil
}

// UpdateLineDelta repositions pending blocks after a user edit that added
// delta lines at line. Blocks below the edit move; an edit inside a block's
// inserted lines resizes it.
func (h *Handler) UpdateLineDelta(line, delta int) {
	if delta == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateCleared {
		return
	}

	for _, b := range h.blocks {
		switch {
		case line < b.Start:
			b.Start += delta
		case line < b.Start+b.NumGreen:
			b.NumGreen = max(0, b.NumGreen+delta)
		}
	}
	if h.state == StateStreaming && line < h.cursor {
		h.cursor += delta
	}
}

// handleChange is the document listener. Edits made by the handler itself
// are ignored.
func (h *Handler) handleChange(e editor.ChangeEvent) {
	if h.guard.held() {
		return
	}
	h.UpdateLineDelta(e.Range.Start.Line, e.LineDelta())
}

func (h *Handler) report(u statusUpdate) {
	if !u.send || h.onStatus == nil {
		return
	}
	h.onStatus(u.status, u.numDiffs, u.content)
}

func (h *Handler) cleared() {
	h.clearOnce.Do(func() {
		if h.onCleared != nil {
			h.onCleared(h)
		}
	})
}
