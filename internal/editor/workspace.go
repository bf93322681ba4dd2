package editor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/kandev/codepilot/internal/common/errors"
)

// FileWorkspace keeps documents in memory and reads and writes them through
// the file system. The most recently opened document is the active one.
type FileWorkspace struct {
	dirs []string

	mu     sync.Mutex
	docs   map[string]*MemDocument
	active string
}

// NewFileWorkspace creates a workspace rooted at dirs. Relative paths
// resolve against the first dir.
func NewFileWorkspace(dirs []string) *FileWorkspace {
	abs := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if a, err := filepath.Abs(d); err == nil {
			abs = append(abs, a)
		}
	}
	return &FileWorkspace{dirs: abs, docs: make(map[string]*MemDocument)}
}

// Resolve turns a file URI or workspace-relative path into an absolute path.
func (w *FileWorkspace) Resolve(uri string) string {
	path := strings.TrimPrefix(uri, "file://")
	if filepath.IsAbs(path) || len(w.dirs) == 0 {
		return filepath.Clean(path)
	}
	return filepath.Join(w.dirs[0], path)
}

func (w *FileWorkspace) OpenDocument(ctx context.Context, uri string) (Document, error) {
	return w.open(ctx, uri)
}

func (w *FileWorkspace) open(_ context.Context, uri string) (*MemDocument, error) {
	path := w.Resolve(uri)

	w.mu.Lock()
	defer w.mu.Unlock()
	if doc, ok := w.docs[path]; ok {
		w.active = path
		return doc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NotFound("file", uri)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc := NewMemDocument(path, string(data))
	w.docs[path] = doc
	w.active = path
	return doc, nil
}

func (w *FileWorkspace) FileExists(_ context.Context, uri string) (bool, error) {
	path := w.Resolve(uri)

	w.mu.Lock()
	_, open := w.docs[path]
	w.mu.Unlock()
	if open {
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

// ReadFile returns the open document's text, or the file's content on disk.
func (w *FileWorkspace) ReadFile(_ context.Context, uri string) (string, error) {
	path := w.Resolve(uri)

	w.mu.Lock()
	doc, open := w.docs[path]
	w.mu.Unlock()
	if open {
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

// WriteFile writes contents to disk and into the open document, if any.
func (w *FileWorkspace) WriteFile(ctx context.Context, uri, contents string) error {
	path := w.Resolve(uri)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return err
	}

	w.mu.Lock()
	doc, open := w.docs[path]
	w.mu.Unlock()
	if open && doc.Text() != contents {
		if err := doc.SetText(ctx, contents); err != nil {
			return err
		}
		doc.MarkSaved()
	}
	return nil
}

// SaveFile writes the open document to disk.
func (w *FileWorkspace) SaveFile(_ context.Context, uri string) error {
	path := w.Resolve(uri)

	w.mu.Lock()
	doc, open := w.docs[path]
	w.mu.Unlock()
	if !open {
		return apperrors.NotFound("open document", uri)
	}
	if err := os.WriteFile(path, []byte(doc.Text()), 0o644); err != nil {
		return err
	}
	doc.MarkSaved()
	return nil
}

func (w *FileWorkspace) ActiveDocument() (Document, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc, ok := w.docs[w.active]
	if !ok {
		return nil, false
	}
	return doc, true
}

func (w *FileWorkspace) OpenDocuments() []Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.docs))
	for p := range w.docs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]Document, 0, len(paths))
	for _, p := range paths {
		out = append(out, w.docs[p])
	}
	return out
}

func (w *FileWorkspace) Dirs() []string {
	return append([]string(nil), w.dirs...)
}
