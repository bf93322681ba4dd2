package diff

import (
	"github.com/pmezard/go-difflib/difflib"
)

// Lines computes an edit script turning a into b.
func Lines(a, b []string) []Line {
	m := difflib.NewMatcherWithJunk(a, b, false, nil)
	out := make([]Line, 0, len(a)+len(b))
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'e':
			for _, l := range a[op.I1:op.I2] {
				out = append(out, Line{Type: Same, Line: l})
			}
		case 'd':
			for _, l := range a[op.I1:op.I2] {
				out = append(out, Line{Type: Old, Line: l})
			}
		case 'i':
			for _, l := range b[op.J1:op.J2] {
				out = append(out, Line{Type: New, Line: l})
			}
		case 'r':
			for _, l := range a[op.I1:op.I2] {
				out = append(out, Line{Type: Old, Line: l})
			}
			for _, l := range b[op.J1:op.J2] {
				out = append(out, Line{Type: New, Line: l})
			}
		}
	}
	return out
}

// Texts is Lines over whole texts.
func Texts(oldText, newText string) []Line {
	return Lines(SplitLines(oldText), SplitLines(newText))
}

// Similarity returns the difflib ratio of matching lines in [0, 1].
func Similarity(a, b []string) float64 {
	return difflib.NewMatcherWithJunk(a, b, false, nil).Ratio()
}
