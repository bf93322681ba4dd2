package diff

import (
	"iter"
	"strings"
	"unicode"
)

// Stream diffs old against new lines as they arrive. Each new line either
// matches an upcoming old line, emitting the skipped old lines followed by
// the match as same, or is emitted as new right away. Old lines left over
// at the end are emitted as old.
func Stream(old []string, newLines iter.Seq2[string, error]) Seq {
	return func(yield func(Line, error) bool) {
		cursor := 0
		for nl, err := range newLines {
			if err != nil {
				yield(Line{}, err)
				return
			}
			idx := matchLine(nl, old[cursor:])
			if idx < 0 {
				if !yield(Line{Type: New, Line: nl}, nil) {
					return
				}
				continue
			}
			for _, ol := range old[cursor : cursor+idx] {
				if !yield(Line{Type: Old, Line: ol}, nil) {
					return
				}
			}
			if !yield(Line{Type: Same, Line: old[cursor+idx]}, nil) {
				return
			}
			cursor += idx + 1
		}
		for _, ol := range old[cursor:] {
			if !yield(Line{Type: Old, Line: ol}, nil) {
				return
			}
		}
	}
}

// matchLine finds line in candidates. Lines without letters or digits, such
// as blank lines and closing brackets, only match the next candidate so they
// cannot swallow distant content.
func matchLine(line string, candidates []string) int {
	if isTrivial(line) {
		if len(candidates) > 0 && sameLine(line, candidates[0]) {
			return 0
		}
		return -1
	}
	for i, c := range candidates {
		if sameLine(line, c) {
			return i
		}
	}
	return -1
}

func isTrivial(line string) bool {
	return !strings.ContainsFunc(line, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	})
}

// StripCodeFence drops a leading ``` fence line and anything from the
// matching closing fence on.
func StripCodeFence(lines iter.Seq2[string, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		first := true
		inFence := false
		for l, err := range lines {
			if err != nil {
				yield("", err)
				return
			}
			trimmed := strings.TrimSpace(l)
			if first {
				first = false
				if strings.HasPrefix(trimmed, "```") {
					inFence = true
					continue
				}
			}
			if inFence && trimmed == "```" {
				return
			}
			if !yield(l, nil) {
				return
			}
		}
	}
}

// SplitChunks turns a stream of text fragments into a stream of lines.
func SplitChunks(chunks iter.Seq2[string, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var pending strings.Builder
		for chunk, err := range chunks {
			if err != nil {
				yield("", err)
				return
			}
			pending.WriteString(chunk)
			buf := pending.String()
			for {
				i := strings.IndexByte(buf, '\n')
				if i < 0 {
					break
				}
				if !yield(buf[:i], nil) {
					return
				}
				buf = buf[i+1:]
			}
			pending.Reset()
			pending.WriteString(buf)
		}
		if pending.Len() > 0 {
			yield(pending.String(), nil)
		}
	}
}
