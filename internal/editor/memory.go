package editor

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemDocument is an in-memory Document. Edits are applied under a lock and
// change listeners run synchronously after the lock is released, in
// registration order.
type MemDocument struct {
	uri string

	mu        sync.Mutex
	text      string
	version   int
	dirty     bool
	selection Range

	listenersMu sync.RWMutex
	nextID      int
	listeners   []memListener
}

type memListener struct {
	id int
	fn func(ChangeEvent)
}

// NewMemDocument creates a document holding text.
func NewMemDocument(uri, text string) *MemDocument {
	return &MemDocument{uri: uri, text: text}
}

func (d *MemDocument) URI() string { return d.uri }

func (d *MemDocument) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// Version increments on every edit.
func (d *MemDocument) Version() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// IsDirty reports edits since the last MarkSaved.
func (d *MemDocument) IsDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// MarkSaved clears the dirty flag.
func (d *MemDocument) MarkSaved() {
	d.mu.Lock()
	d.dirty = false
	d.mu.Unlock()
}

func (d *MemDocument) LineCount() int {
	return strings.Count(d.Text(), "\n") + 1
}

func (d *MemDocument) TextInRange(r Range) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start, end, err := offsets(d.text, r)
	if err != nil {
		return "", err
	}
	return d.text[start:end], nil
}

func (d *MemDocument) ApplyEdit(ctx context.Context, r Range, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	start, end, err := offsets(d.text, r)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.text = d.text[:start] + text + d.text[end:]
	d.version++
	d.dirty = true
	d.mu.Unlock()

	d.notify(ChangeEvent{URI: d.uri, Range: r, Text: text})
	return nil
}

// SetText replaces the whole document.
func (d *MemDocument) SetText(ctx context.Context, text string) error {
	return d.ApplyEdit(ctx, FullRange(d), text)
}

func (d *MemDocument) OnChange(fn func(ChangeEvent)) func() {
	d.listenersMu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners = append(d.listeners, memListener{id: id, fn: fn})
	d.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.listenersMu.Lock()
			defer d.listenersMu.Unlock()
			for i, l := range d.listeners {
				if l.id == id {
					d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (d *MemDocument) notify(e ChangeEvent) {
	d.listenersMu.RLock()
	fns := make([]func(ChangeEvent), len(d.listeners))
	for i, l := range d.listeners {
		fns[i] = l.fn
	}
	d.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

func (d *MemDocument) Selection() Range {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selection
}

func (d *MemDocument) SetSelection(r Range) {
	d.mu.Lock()
	d.selection = r
	d.mu.Unlock()
}

// offsets converts r to byte offsets in text. Columns past the end of a
// line clamp to the line end.
func offsets(text string, r Range) (int, int, error) {
	start, err := offset(text, r.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err := offset(text, r.End)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("%w: end before start", ErrInvalidRange)
	}
	return start, end, nil
}

func offset(text string, p Position) (int, error) {
	if p.Line < 0 || p.Character < 0 {
		return 0, fmt.Errorf("%w: negative position", ErrInvalidRange)
	}
	off := 0
	for line := 0; line < p.Line; line++ {
		i := strings.IndexByte(text[off:], '\n')
		if i < 0 {
			return 0, fmt.Errorf("%w: line %d", ErrInvalidRange, p.Line)
		}
		off += i + 1
	}
	lineEnd := strings.IndexByte(text[off:], '\n')
	if lineEnd < 0 {
		lineEnd = len(text) - off
	}
	return off + min(p.Character, lineEnd), nil
}
