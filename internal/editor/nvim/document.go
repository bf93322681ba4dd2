// Package nvim exposes the buffers of a running Neovim as editor documents.
package nvim

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/neovim/go-client/nvim"
	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/editor"
)

// Document is one attached Neovim buffer. Positions are zero-based rows
// and byte columns, the same as nvim_buf_set_text.
type Document struct {
	v      *nvim.Nvim
	buf    nvim.Buffer
	uri    string
	logger *logger.Logger

	// mu serializes our own edits against incoming line events so that
	// events caused by ApplyEdit are recognised by their changedtick.
	mu        sync.Mutex
	ownTicks  map[int64]struct{}
	events    chan linesEvent
	done      chan struct{}
	closeOnce sync.Once

	listenersMu sync.RWMutex
	listeners   map[uint64]func(editor.ChangeEvent)
	nextID      uint64
}

type linesEvent struct {
	tick  int64
	first int
	last  int
	lines []string
}

func newDocument(v *nvim.Nvim, buf nvim.Buffer, uri string, log *logger.Logger) *Document {
	d := &Document{
		v:         v,
		buf:       buf,
		uri:       uri,
		logger:    log.WithFields(zap.String("filepath", uri)),
		ownTicks:  make(map[int64]struct{}),
		events:    make(chan linesEvent, 64),
		done:      make(chan struct{}),
		listeners: make(map[uint64]func(editor.ChangeEvent)),
	}
	go d.run()
	return d
}

func (d *Document) URI() string { return d.uri }

func (d *Document) lines() ([]string, error) {
	raw, err := d.v.BufferLines(d.buf, 0, -1, false)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(raw))
	for i, l := range raw {
		out[i] = string(l)
	}
	return out, nil
}

// Text returns the buffer lines joined by newlines. Neovim keeps the final
// end of line out of the buffer, so there is no trailing empty line.
func (d *Document) Text() string {
	lines, err := d.lines()
	if err != nil {
		d.logger.Warn("Failed to read buffer", zap.Error(err))
		return ""
	}
	return strings.Join(lines, "\n")
}

func (d *Document) LineCount() int {
	n, err := d.v.BufferLineCount(d.buf)
	if err != nil {
		return 0
	}
	return n
}

func (d *Document) TextInRange(r editor.Range) (string, error) {
	lines, err := d.lines()
	if err != nil {
		return "", err
	}
	return sliceLines(lines, r)
}

// sliceLines cuts r out of lines, columns being byte offsets.
func sliceLines(lines []string, r editor.Range) (string, error) {
	s, e := r.Start, r.End
	if s.Line < 0 || e.Line >= len(lines) || e.Line < s.Line ||
		s.Character > len(lines[s.Line]) || e.Character > len(lines[e.Line]) ||
		(s.Line == e.Line && e.Character < s.Character) {
		return "", editor.ErrInvalidRange
	}
	if s.Line == e.Line {
		return lines[s.Line][s.Character:e.Character], nil
	}
	parts := make([]string, 0, e.Line-s.Line+1)
	parts = append(parts, lines[s.Line][s.Character:])
	parts = append(parts, lines[s.Line+1:e.Line]...)
	parts = append(parts, lines[e.Line][:e.Character])
	return strings.Join(parts, "\n"), nil
}

// ApplyEdit replaces r through nvim_buf_set_text and notifies listeners
// before returning. The buffer event Neovim sends for this edit is dropped.
func (d *Document) ApplyEdit(ctx context.Context, r editor.Range, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parts := strings.Split(text, "\n")
	replacement := make([][]byte, len(parts))
	for i, p := range parts {
		replacement[i] = []byte(p)
	}

	d.mu.Lock()
	if err := d.v.SetBufferText(d.buf, r.Start.Line, r.Start.Character, r.End.Line, r.End.Character, replacement); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %v", editor.ErrInvalidRange, err)
	}
	if tick, err := d.v.BufferChangedTick(d.buf); err == nil {
		d.ownTicks[int64(tick)] = struct{}{}
	}
	d.mu.Unlock()

	d.notify(editor.ChangeEvent{URI: d.uri, Range: r, Text: text})
	return nil
}

func (d *Document) OnChange(fn func(editor.ChangeEvent)) func() {
	d.listenersMu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[id] = fn
	d.listenersMu.Unlock()
	return func() {
		d.listenersMu.Lock()
		delete(d.listeners, id)
		d.listenersMu.Unlock()
	}
}

func (d *Document) notify(e editor.ChangeEvent) {
	d.listenersMu.RLock()
	fns := make([]func(editor.ChangeEvent), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}

// IsDirty reports the buffer's 'modified' option.
func (d *Document) IsDirty() bool {
	var modified bool
	if err := d.v.BufferOption(d.buf, "modified", &modified); err != nil {
		return false
	}
	return modified
}

// Selection returns the cursor of the current window as an empty range
// when this buffer is shown there.
func (d *Document) Selection() editor.Range {
	win, err := d.v.CurrentWindow()
	if err != nil {
		return editor.Range{}
	}
	if buf, err := d.v.WindowBuffer(win); err != nil || buf != d.buf {
		return editor.Range{}
	}
	cursor, err := d.v.WindowCursor(win)
	if err != nil {
		return editor.Range{}
	}
	pos := editor.Position{Line: cursor[0] - 1, Character: cursor[1]}
	return editor.Range{Start: pos, End: pos}
}

// SetSelection moves the cursor to the end of r.
func (d *Document) SetSelection(r editor.Range) {
	win, err := d.v.CurrentWindow()
	if err != nil {
		return
	}
	if err := d.v.SetWindowCursor(win, [2]int{r.End.Line + 1, r.End.Character}); err != nil {
		d.logger.Debug("Failed to move cursor", zap.Error(err))
	}
}

// handleLines queues a buffer event without blocking the RPC reader.
func (d *Document) handleLines(e linesEvent) {
	select {
	case d.events <- e:
	case <-d.done:
	}
}

func (d *Document) run() {
	for {
		select {
		case <-d.done:
			return
		case e := <-d.events:
			d.mu.Lock()
			_, own := d.ownTicks[e.tick]
			delete(d.ownTicks, e.tick)
			d.mu.Unlock()
			if own {
				continue
			}
			d.notify(e.change(d.uri))
		}
	}
}

// change converts "lines [first, last) became lines" into an edit event.
func (e linesEvent) change(uri string) editor.ChangeEvent {
	text := ""
	if len(e.lines) > 0 {
		text = strings.Join(e.lines, "\n") + "\n"
	}
	return editor.ChangeEvent{
		URI:   uri,
		Range: editor.Range{Start: editor.Position{Line: e.first}, End: editor.Position{Line: e.last}},
		Text:  text,
	}
}

func (d *Document) close() {
	d.closeOnce.Do(func() { close(d.done) })
}
