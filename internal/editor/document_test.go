package editor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineHelpers(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		edit  func(doc Document) error
		want  string
		delta int
	}{
		{
			name:  "insert in the middle",
			edit:  func(doc Document) error { return InsertLines(ctx, doc, 1, []string{"x"}) },
			want:  "a\nx\nb\nc",
			delta: 1,
		},
		{
			name:  "insert at the end",
			edit:  func(doc Document) error { return InsertLines(ctx, doc, 3, []string{"x", "y"}) },
			want:  "a\nb\nc\nx\ny",
			delta: 2,
		},
		{
			name:  "delete in the middle",
			edit:  func(doc Document) error { return DeleteLines(ctx, doc, 1, 1) },
			want:  "a\nc",
			delta: -1,
		},
		{
			name:  "delete the last line",
			edit:  func(doc Document) error { return DeleteLines(ctx, doc, 2, 1) },
			want:  "a\nb",
			delta: -1,
		},
		{
			name:  "delete everything",
			edit:  func(doc Document) error { return DeleteLines(ctx, doc, 0, 3) },
			want:  "",
			delta: -2,
		},
		{
			name:  "replace one line with two",
			edit:  func(doc Document) error { return ReplaceLines(ctx, doc, 1, 1, []string{"x", "y"}) },
			want:  "a\nx\ny\nc",
			delta: 1,
		},
		{
			name:  "replace with nothing deletes",
			edit:  func(doc Document) error { return ReplaceLines(ctx, doc, 0, 2, nil) },
			want:  "c",
			delta: -2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := NewMemDocument("/tmp/a.txt", "a\nb\nc")
			delta := 0
			dispose := doc.OnChange(func(e ChangeEvent) { delta += e.LineDelta() })
			defer dispose()

			require.NoError(t, tt.edit(doc))
			assert.Equal(t, tt.want, doc.Text())
			assert.Equal(t, tt.delta, delta)
		})
	}
}

func TestLineHelpers_InvalidRange(t *testing.T) {
	ctx := context.Background()
	doc := NewMemDocument("/tmp/a.txt", "a\nb")

	assert.ErrorIs(t, InsertLines(ctx, doc, 5, []string{"x"}), ErrInvalidRange)
	assert.ErrorIs(t, DeleteLines(ctx, doc, 1, 3), ErrInvalidRange)
	assert.ErrorIs(t, ReplaceLines(ctx, doc, 2, 1, []string{"x"}), ErrInvalidRange)
	assert.Equal(t, "a\nb", doc.Text())
}

func TestMemDocument(t *testing.T) {
	ctx := context.Background()

	t.Run("text in range", func(t *testing.T) {
		doc := NewMemDocument("/tmp/a.go", "package a\n\nfunc A() {}\n")
		got, err := doc.TextInRange(Range{Start: Position{Line: 2, Character: 5}, End: Position{Line: 2, Character: 6}})
		require.NoError(t, err)
		assert.Equal(t, "A", got)
		assert.Equal(t, 4, doc.LineCount())
	})

	t.Run("end before start", func(t *testing.T) {
		doc := NewMemDocument("/tmp/a.go", "abc")
		err := doc.ApplyEdit(ctx, Range{Start: Position{Character: 2}, End: Position{Character: 1}}, "x")
		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("cancelled context", func(t *testing.T) {
		doc := NewMemDocument("/tmp/a.go", "abc")
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, doc.ApplyEdit(cctx, FullRange(doc), "x"), context.Canceled)
		assert.Equal(t, "abc", doc.Text())
	})

	t.Run("dispose stops notifications", func(t *testing.T) {
		doc := NewMemDocument("/tmp/a.go", "abc")
		calls := 0
		dispose := doc.OnChange(func(ChangeEvent) { calls++ })
		require.NoError(t, doc.SetText(ctx, "x"))
		dispose()
		dispose()
		require.NoError(t, doc.SetText(ctx, "y"))
		assert.Equal(t, 1, calls)
	})

	t.Run("dirty tracking", func(t *testing.T) {
		doc := NewMemDocument("/tmp/a.go", "abc")
		assert.False(t, doc.IsDirty())
		require.NoError(t, doc.SetText(ctx, "x"))
		assert.True(t, doc.IsDirty())
		doc.MarkSaved()
		assert.False(t, doc.IsDirty())
	})

	t.Run("blank", func(t *testing.T) {
		assert.True(t, IsBlank(NewMemDocument("/tmp/a", " \n\t\n")))
		assert.False(t, IsBlank(NewMemDocument("/tmp/a", "x")))
	})
}
