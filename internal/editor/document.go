// Package editor defines the document and workspace capabilities the diff
// and apply engines need from an editor host, with in-memory and
// file-backed implementations.
package editor

import (
	"context"
	"errors"
	"strings"

	"github.com/kandev/codepilot/pkg/protocol"
)

type (
	Position = protocol.Position
	Range    = protocol.Range
)

// ErrInvalidRange is returned for an edit range outside the document.
var ErrInvalidRange = errors.New("range outside document")

// ChangeEvent describes one edit: Range in pre-edit coordinates was
// replaced by Text.
type ChangeEvent struct {
	URI   string
	Range Range
	Text  string
}

// LineDelta is the number of lines the edit added, negative when it removed lines.
func (e ChangeEvent) LineDelta() int {
	return strings.Count(e.Text, "\n") - (e.Range.End.Line - e.Range.Start.Line)
}

// Document is the narrow view of an open editor buffer.
type Document interface {
	URI() string
	Text() string
	TextInRange(r Range) (string, error)
	LineCount() int
	// ApplyEdit replaces r with text. Change listeners run before it returns.
	ApplyEdit(ctx context.Context, r Range, text string) error
	// OnChange registers fn for every edit, including the caller's own.
	OnChange(fn func(ChangeEvent)) (dispose func())
}

// Selectable is implemented by documents that track a selection.
type Selectable interface {
	Selection() Range
	SetSelection(r Range)
}

// Workspace opens documents and performs file operations.
type Workspace interface {
	// OpenDocument returns the open document for uri, loading it from disk.
	// It fails with a not-found error when the file does not exist.
	OpenDocument(ctx context.Context, uri string) (Document, error)
	FileExists(ctx context.Context, uri string) (bool, error)
	ReadFile(ctx context.Context, uri string) (string, error)
	WriteFile(ctx context.Context, uri, contents string) error
	SaveFile(ctx context.Context, uri string) error
	ActiveDocument() (Document, bool)
	OpenDocuments() []Document
	Dirs() []string
}

// IsBlank reports whether a document holds only whitespace.
func IsBlank(doc Document) bool {
	return strings.TrimSpace(doc.Text()) == ""
}

// FullRange spans the whole document.
func FullRange(doc Document) Range {
	lines := strings.Split(doc.Text(), "\n")
	last := len(lines) - 1
	return Range{End: Position{Line: last, Character: len(lines[last])}}
}

// Line returns line i, or "" when out of range.
func Line(doc Document, i int) string {
	lines := strings.Split(doc.Text(), "\n")
	if i < 0 || i >= len(lines) {
		return ""
	}
	return lines[i]
}

// InsertLines inserts lines before line at. at may equal LineCount to append.
func InsertLines(ctx context.Context, doc Document, at int, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	current := strings.Split(doc.Text(), "\n")
	n := len(current)
	if at < 0 || at > n {
		return ErrInvalidRange
	}
	block := strings.Join(lines, "\n")
	if at < n {
		pos := Position{Line: at}
		return doc.ApplyEdit(ctx, Range{Start: pos, End: pos}, block+"\n")
	}
	end := Position{Line: n - 1, Character: len(current[n-1])}
	return doc.ApplyEdit(ctx, Range{Start: end, End: end}, "\n"+block)
}

// DeleteLines removes count lines starting at line at.
func DeleteLines(ctx context.Context, doc Document, at, count int) error {
	if count <= 0 {
		return nil
	}
	current := strings.Split(doc.Text(), "\n")
	n := len(current)
	end := at + count
	if at < 0 || end > n {
		return ErrInvalidRange
	}
	switch {
	case end < n:
		return doc.ApplyEdit(ctx, Range{Start: Position{Line: at}, End: Position{Line: end}}, "")
	case at > 0:
		start := Position{Line: at - 1, Character: len(current[at-1])}
		return doc.ApplyEdit(ctx, Range{Start: start, End: Position{Line: n - 1, Character: len(current[n-1])}}, "")
	default:
		return doc.ApplyEdit(ctx, Range{End: Position{Line: n - 1, Character: len(current[n-1])}}, "")
	}
}

// ReplaceLines swaps count lines at line at for lines.
func ReplaceLines(ctx context.Context, doc Document, at, count int, lines []string) error {
	switch {
	case count <= 0:
		return InsertLines(ctx, doc, at, lines)
	case len(lines) == 0:
		return DeleteLines(ctx, doc, at, count)
	}
	current := strings.Split(doc.Text(), "\n")
	last := at + count - 1
	if at < 0 || last >= len(current) {
		return ErrInvalidRange
	}
	r := Range{
		Start: Position{Line: at},
		End:   Position{Line: last, Character: len(current[last])},
	}
	return doc.ApplyEdit(ctx, r, strings.Join(lines, "\n"))
}
