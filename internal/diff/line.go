// Package diff produces line-level edit scripts: whole-text diffs, diffs
// streamed against incoming model output, and diffs from unified-diff hunks.
package diff

import (
	"fmt"
	"iter"
	"strings"
)

// Type classifies one line of an edit script.
type Type string

const (
	Same Type = "same"
	Old  Type = "old"
	New  Type = "new"
)

// Line is one entry of an edit script.
type Line struct {
	Type Type   `json:"type"`
	Line string `json:"line"`
}

func (l Line) String() string {
	switch l.Type {
	case Old:
		return "-" + l.Line
	case New:
		return "+" + l.Line
	}
	return " " + l.Line
}

// Seq is a lazily produced edit script. A non-nil error ends it.
type Seq = iter.Seq2[Line, error]

// FromSlice returns a Seq over lines.
func FromSlice(lines []Line) Seq {
	return func(yield func(Line, error) bool) {
		for _, l := range lines {
			if !yield(l, nil) {
				return
			}
		}
	}
}

// Collect drains seq into a slice.
func Collect(seq Seq) ([]Line, error) {
	var out []Line
	for l, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, l)
	}
	return out, nil
}

// SplitLines splits text on "\n". A trailing newline yields a final empty line,
// so JoinLines(SplitLines(s)) == s.
func SplitLines(text string) []string {
	return strings.Split(text, "\n")
}

// JoinLines is the inverse of SplitLines.
func JoinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

// OldLines returns the original side of an edit script.
func OldLines(script []Line) []string {
	var out []string
	for _, l := range script {
		if l.Type != New {
			out = append(out, l.Line)
		}
	}
	return out
}

// NewLines returns the proposed side of an edit script.
func NewLines(script []Line) []string {
	var out []string
	for _, l := range script {
		if l.Type != Old {
			out = append(out, l.Line)
		}
	}
	return out
}

// Validate reports an unknown line type.
func (l Line) Validate() error {
	switch l.Type {
	case Same, Old, New:
		return nil
	}
	return fmt.Errorf("unknown diff line type %q", l.Type)
}

// sameLine compares lines ignoring trailing whitespace.
func sameLine(a, b string) bool {
	return strings.TrimRight(a, " \t\r") == strings.TrimRight(b, " \t\r")
}
