package nvim

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/neovim/go-client/nvim"
	"go.uber.org/zap"

	apperrors "github.com/kandev/codepilot/internal/common/errors"
	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/editor"
)

const (
	linesEventMethod = "nvim_buf_lines_event"
	saveBufferLua    = "local buf = ...; vim.api.nvim_buf_call(buf, function() vim.cmd('write') end)"
)

// Workspace serves Neovim buffers as documents. Files that are not loaded
// in Neovim are read and written on disk.
type Workspace struct {
	v      *nvim.Nvim
	dirs   []string
	logger *logger.Logger

	mu   sync.Mutex
	docs map[nvim.Buffer]*Document
}

// Dial connects to the Neovim listening at address.
func Dial(address string, dirs []string, log *logger.Logger) (*Workspace, error) {
	v, err := nvim.Dial(address)
	if err != nil {
		return nil, fmt.Errorf("connect to nvim at %s: %w", address, err)
	}
	w := &Workspace{
		v:      v,
		logger: log.WithFields(zap.String("component", "nvim"), zap.String("address", address)),
		docs:   make(map[nvim.Buffer]*Document),
	}
	for _, d := range dirs {
		if abs, err := filepath.Abs(d); err == nil {
			w.dirs = append(w.dirs, abs)
		}
	}
	if len(w.dirs) == 0 {
		var cwd string
		if err := v.Call("getcwd", &cwd); err == nil {
			w.dirs = []string{cwd}
		}
	}
	if err := v.RegisterHandler(linesEventMethod, w.onLines); err != nil {
		_ = v.Close()
		return nil, err
	}
	return w, nil
}

func (w *Workspace) onLines(buf nvim.Buffer, tick any, first, last int, lines []string, _ bool) {
	w.mu.Lock()
	doc, ok := w.docs[buf]
	w.mu.Unlock()
	if !ok {
		return
	}
	doc.handleLines(linesEvent{tick: toInt64(tick), first: first, last: last, lines: lines})
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	}
	return -1
}

// Resolve turns a workspace-relative path into an absolute one.
func (w *Workspace) Resolve(uri string) string {
	path := strings.TrimPrefix(uri, "file://")
	if filepath.IsAbs(path) || len(w.dirs) == 0 {
		return filepath.Clean(path)
	}
	return filepath.Join(w.dirs[0], path)
}

// attach starts buffer events for buf and tracks it as a document.
func (w *Workspace) attach(buf nvim.Buffer) (*Document, error) {
	w.mu.Lock()
	if doc, ok := w.docs[buf]; ok {
		w.mu.Unlock()
		return doc, nil
	}
	w.mu.Unlock()

	name, err := w.v.BufferName(buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.v.AttachBuffer(buf, false, map[string]any{}); err != nil {
		return nil, fmt.Errorf("attach buffer %s: %w", name, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if doc, ok := w.docs[buf]; ok {
		return doc, nil
	}
	doc := newDocument(w.v, buf, name, w.logger)
	w.docs[buf] = doc
	w.logger.Debug("Attached buffer", zap.String("filepath", name))
	return doc, nil
}

func (w *Workspace) findBuffer(path string) (nvim.Buffer, bool) {
	var bufnr int
	if err := w.v.Call("bufnr", &bufnr, path); err != nil || bufnr <= 0 {
		return 0, false
	}
	var loaded int
	if err := w.v.Call("bufloaded", &loaded, bufnr); err != nil || loaded == 0 {
		return 0, false
	}
	return nvim.Buffer(bufnr), true
}

// OpenDocument edits path in the current window and attaches its buffer.
func (w *Workspace) OpenDocument(_ context.Context, uri string) (editor.Document, error) {
	path := w.Resolve(uri)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NotFound("file", uri)
		}
		return nil, err
	}
	if err := w.v.Command("edit " + escapePath(path)); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	buf, err := w.v.CurrentBuffer()
	if err != nil {
		return nil, err
	}
	return w.attach(buf)
}

func (w *Workspace) FileExists(_ context.Context, uri string) (bool, error) {
	path := w.Resolve(uri)
	if _, ok := w.findBuffer(path); ok {
		return true, nil
	}
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ReadFile returns the loaded buffer's text, or the file on disk.
func (w *Workspace) ReadFile(_ context.Context, uri string) (string, error) {
	path := w.Resolve(uri)
	if buf, ok := w.findBuffer(path); ok {
		doc, err := w.attach(buf)
		if err != nil {
			return "", err
		}
		return doc.Text(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", apperrors.NotFound("file", uri)
		}
		return "", err
	}
	return string(data), nil
}

// WriteFile writes contents to disk and reloads a buffer showing the file.
func (w *Workspace) WriteFile(_ context.Context, uri, contents string) error {
	path := w.Resolve(uri)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return err
	}
	if buf, ok := w.findBuffer(path); ok {
		return w.v.Command("checktime " + strconv.Itoa(int(buf)))
	}
	return nil
}

// SaveFile writes the buffer for uri.
func (w *Workspace) SaveFile(_ context.Context, uri string) error {
	path := w.Resolve(uri)
	buf, ok := w.findBuffer(path)
	if !ok {
		return apperrors.NotFound("open document", uri)
	}
	return w.v.ExecLua(saveBufferLua, nil, int(buf))
}

// ActiveDocument returns the current buffer when it is a named file.
func (w *Workspace) ActiveDocument() (editor.Document, bool) {
	buf, err := w.v.CurrentBuffer()
	if err != nil {
		return nil, false
	}
	name, err := w.v.BufferName(buf)
	if err != nil || name == "" {
		return nil, false
	}
	doc, err := w.attach(buf)
	if err != nil {
		w.logger.Warn("Failed to attach current buffer", zap.Error(err))
		return nil, false
	}
	return doc, true
}

// OpenDocuments returns the attached documents sorted by path.
func (w *Workspace) OpenDocuments() []editor.Document {
	w.mu.Lock()
	docs := make([]*Document, 0, len(w.docs))
	for _, d := range w.docs {
		docs = append(docs, d)
	}
	w.mu.Unlock()
	sort.Slice(docs, func(i, j int) bool { return docs[i].URI() < docs[j].URI() })
	out := make([]editor.Document, len(docs))
	for i, d := range docs {
		out[i] = d
	}
	return out
}

func (w *Workspace) Dirs() []string {
	return append([]string(nil), w.dirs...)
}

// Close detaches every buffer and disconnects.
func (w *Workspace) Close() error {
	w.mu.Lock()
	docs := w.docs
	w.docs = make(map[nvim.Buffer]*Document)
	w.mu.Unlock()
	for buf, d := range docs {
		d.close()
		if _, err := w.v.DetachBuffer(buf); err != nil {
			w.logger.Debug("Failed to detach buffer", zap.Error(err))
		}
	}
	return w.v.Close()
}

func escapePath(path string) string {
	var b strings.Builder
	for _, r := range path {
		if strings.ContainsRune(" \\%#|\"", r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
