package diff

import (
	"errors"
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

// ErrHunkMismatch is returned when a hunk's context does not match the text
// it is applied to.
var ErrHunkMismatch = errors.New("hunk does not match file content")

// IsUnified reports whether text looks like a unified diff.
func IsUnified(text string) bool {
	text = trimFence(text)
	for _, l := range strings.Split(text, "\n") {
		if strings.HasPrefix(l, "@@ ") {
			return true
		}
	}
	return false
}

// ParseUnified parses a unified diff with or without file headers.
func ParseUnified(text string) ([]*godiff.Hunk, error) {
	text = trimFence(text)
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	start := strings.Index(text, "@@ ")
	if start < 0 {
		return nil, errors.New("no hunks found")
	}
	header := text[:start]
	if strings.Contains(header, "--- ") && strings.Contains(header, "+++ ") {
		fd, err := godiff.ParseFileDiff([]byte(text[strings.Index(text, "--- "):]))
		if err != nil {
			return nil, fmt.Errorf("parse file diff: %w", err)
		}
		return fd.Hunks, nil
	}

	hunks, err := godiff.ParseHunks([]byte(text[start:]))
	if err != nil {
		return nil, fmt.Errorf("parse hunks: %w", err)
	}
	return hunks, nil
}

// ApplyHunks turns hunks against old into a full edit script.
func ApplyHunks(old []string, hunks []*godiff.Hunk) ([]Line, error) {
	out := make([]Line, 0, len(old))
	cursor := 0

	for i, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			// Pure insertion after line OrigStartLine.
			start = int(h.OrigStartLine)
		}
		if start < cursor || start > len(old) {
			return nil, fmt.Errorf("hunk %d starts at line %d: %w", i+1, h.OrigStartLine, ErrHunkMismatch)
		}
		for _, l := range old[cursor:start] {
			out = append(out, Line{Type: Same, Line: l})
		}
		cursor = start

		for _, raw := range hunkBodyLines(h.Body) {
			if raw == "" {
				// A blank context line whose leading space was stripped.
				raw = " "
			}
			prefix, text := raw[0], raw[1:]
			switch prefix {
			case ' ', '-':
				if cursor >= len(old) || !sameLine(old[cursor], text) {
					return nil, fmt.Errorf("hunk %d line %q: %w", i+1, text, ErrHunkMismatch)
				}
				typ := Same
				if prefix == '-' {
					typ = Old
				}
				out = append(out, Line{Type: typ, Line: old[cursor]})
				cursor++
			case '+':
				out = append(out, Line{Type: New, Line: text})
			case '\\':
				// "\ No newline at end of file"
			default:
				return nil, fmt.Errorf("hunk %d: unexpected line %q", i+1, raw)
			}
		}
	}

	for _, l := range old[cursor:] {
		out = append(out, Line{Type: Same, Line: l})
	}
	return out, nil
}

func hunkBodyLines(body []byte) []string {
	s := strings.TrimSuffix(string(body), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func trimFence(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[0]), "```") {
		lines = lines[1:]
	}
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "```" {
		lines = lines[:n-1]
	}
	return strings.Join(lines, "\n")
}
