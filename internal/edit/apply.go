// Package edit decides how a proposed code block is applied to a file and
// turns model output into line edit scripts.
package edit

import (
	"errors"
	"regexp"
	"strings"

	"github.com/kandev/codepilot/internal/diff"
)

// MinInstantSimilarity is the lowest line similarity at which a complete
// replacement is diffed directly instead of reconciled by a model.
const MinInstantSimilarity = 0.5

// Result is the outcome of ApplyCodeBlock. Lines is set only for instant
// applies.
type Result struct {
	IsInstantApply bool
	Lines          diff.Seq
	// Reason says which rule decided, for logging.
	Reason string
}

// elisionPattern matches comment lines that stand for omitted code, such as
// "// ... existing code ..." or "# ...".
var elisionPattern = regexp.MustCompile(`^\s*((//|#|--|/\*|<!--|;)\s*(\.\.\.|…)|(\.\.\.|…)\s*$)`)

// ApplyCodeBlock classifies newContent as an edit of oldContent. Unified
// diffs whose hunks match, and complete rewrites without elided sections
// that stay similar to the original, apply instantly. Anything else needs
// a model to reconcile.
func ApplyCodeBlock(oldContent, newContent string) (Result, error) {
	if diff.IsUnified(newContent) {
		hunks, err := diff.ParseUnified(newContent)
		if err == nil {
			var lines []diff.Line
			lines, err = diff.ApplyHunks(diff.SplitLines(oldContent), hunks)
			if err == nil {
				return Result{IsInstantApply: true, Lines: diff.FromSlice(lines), Reason: "unified diff"}, nil
			}
		}
		if !errors.Is(err, diff.ErrHunkMismatch) {
			return Result{Reason: "unparseable diff"}, nil
		}
		return Result{Reason: "diff does not match file"}, nil
	}

	newContent = normalizeTrailingNewline(oldContent, newContent)
	if HasElision(newContent) {
		return Result{Reason: "elided code"}, nil
	}

	oldLines, newLines := diff.SplitLines(oldContent), diff.SplitLines(newContent)
	if diff.Similarity(oldLines, newLines) < MinInstantSimilarity {
		return Result{Reason: "low similarity"}, nil
	}
	return Result{
		IsInstantApply: true,
		Lines:          diff.FromSlice(diff.Lines(oldLines, newLines)),
		Reason:         "full rewrite",
	}, nil
}

// HasElision reports whether text has a line standing for omitted code.
func HasElision(text string) bool {
	for _, l := range strings.Split(text, "\n") {
		if elisionPattern.MatchString(l) {
			return true
		}
	}
	return false
}

// normalizeTrailingNewline gives newContent the same final newline as
// oldContent so a missing one is not reported as a change.
func normalizeTrailingNewline(oldContent, newContent string) string {
	oldNL := strings.HasSuffix(oldContent, "\n")
	newNL := strings.HasSuffix(newContent, "\n")
	switch {
	case oldNL && !newNL:
		return newContent + "\n"
	case !oldNL && newNL:
		return strings.TrimSuffix(newContent, "\n")
	}
	return newContent
}
