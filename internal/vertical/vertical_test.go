package vertical

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/diff"
	"github.com/kandev/codepilot/internal/editor"
	"github.com/kandev/codepilot/internal/events"
	"github.com/kandev/codepilot/internal/events/bus"
	"github.com/kandev/codepilot/internal/llm"
	"github.com/kandev/codepilot/pkg/protocol"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// stateRecorder collects every apply state published on the bus.
type stateRecorder struct {
	mu     sync.Mutex
	states []protocol.ApplyState
}

func (r *stateRecorder) handle(_ context.Context, event *bus.Event) error {
	var s protocol.ApplyState
	if err := event.Decode(&s); err != nil {
		return err
	}
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	return nil
}

func (r *stateRecorder) count(streamID string, status protocol.ApplyStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s.StreamID == streamID && s.Status == status {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*Manager, *stateRecorder) {
	t.Helper()
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	rec := &stateRecorder{}
	_, err := eventBus.Subscribe(events.ApplyStateSubject, rec.handle)
	require.NoError(t, err)
	return NewManager(eventBus, log), rec
}

// scriptOf turns "+x", "-x" and " x" entries into an edit script.
func scriptOf(entries ...string) diff.Seq {
	lines := make([]diff.Line, len(entries))
	for i, e := range entries {
		typ := diff.Same
		switch e[0] {
		case '+':
			typ = diff.New
		case '-':
			typ = diff.Old
		}
		lines[i] = diff.Line{Type: typ, Line: e[1:]}
	}
	return diff.FromSlice(lines)
}

func TestHandler_ReplayReconstructsNewText(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name     string
		old, new string
	}{
		{name: "append a line", old: "a\nb\n", new: "a\nb\nc\n"},
		{name: "delete the last line", old: "a\nb", new: "a"},
		{name: "delete in the middle", old: "a\nb\nc", new: "a\nc"},
		{name: "replace a line", old: "x\ny\nz\n", new: "x\nY\nz\n"},
		{name: "several blocks", old: "a\nb\nc\nd\ne\nf\n", new: "a\nB\nc\nd\nE\nF\nf\ng\n"},
		{name: "prepend", old: "b\nc\n", new: "a\nb\nc\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestManager(t)
			doc := editor.NewMemDocument("/tmp/"+strings.ReplaceAll(tc.name, " ", "_"), tc.old)

			script := diff.FromSlice(diff.Texts(tc.old, tc.new))
			require.NoError(t, m.StreamDiffLines(ctx, doc, script, StreamOptions{}))
			assert.Equal(t, tc.new, doc.Text())

			require.NoError(t, m.ClearForFile(ctx, doc.URI(), false))
			assert.Equal(t, tc.old, doc.Text(), "rejecting everything restores the original")
			assert.Zero(t, m.Len())
		})
	}
}

func TestHandler_AppendScenario(t *testing.T) {
	ctx := context.Background()
	m, rec := newTestManager(t)
	doc := editor.NewMemDocument("/tmp/foo.js", "const a = 1;\n")

	script := diff.FromSlice(diff.Texts("const a = 1;\n", "const a = 1;\nconst b = 2;\n"))
	require.NoError(t, m.StreamDiffLines(ctx, doc, script, StreamOptions{StreamID: "s1"}))

	assert.Equal(t, "const a = 1;\nconst b = 2;\n", doc.Text())
	h, ok := m.Handler(doc.URI())
	require.True(t, ok)
	assert.Equal(t, StateAwaitingResolution, h.State())
	assert.Equal(t, []Block{{Start: 1, NumRed: 0, NumGreen: 1}}, h.Blocks())

	assert.Eventually(t, func() bool {
		return rec.count("s1", protocol.ApplyStatusDone) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHandler_ResolveBlocks(t *testing.T) {
	ctx := context.Background()
	original := "1\n2\n3\n4\n5"
	script := func() diff.Seq {
		return scriptOf(" 1", "-2", " 3", "-4", "+X", "+Y", " 5")
	}

	t.Run("reject shifts later blocks", func(t *testing.T) {
		m, _ := newTestManager(t)
		doc := editor.NewMemDocument("/tmp/shift.txt", original)
		require.NoError(t, m.StreamDiffLines(ctx, doc, script(), StreamOptions{}))
		assert.Equal(t, "1\n3\nX\nY\n5", doc.Text())

		h, ok := m.Handler(doc.URI())
		require.True(t, ok)
		assert.Equal(t, []Block{{Start: 1, NumRed: 1}, {Start: 2, NumRed: 1, NumGreen: 2}}, h.Blocks())

		require.NoError(t, m.AcceptRejectBlock(ctx, doc.URI(), false, 0))
		assert.Equal(t, "1\n2\n3\nX\nY\n5", doc.Text())
		assert.Equal(t, []Block{{Start: 3, NumRed: 1, NumGreen: 2}}, h.Blocks())

		require.NoError(t, m.AcceptRejectBlock(ctx, doc.URI(), false, 0))
		assert.Equal(t, original, doc.Text())
	})

	t.Run("resolving every block clears the handler once", func(t *testing.T) {
		m, rec := newTestManager(t)
		doc := editor.NewMemDocument("/tmp/resolve.txt", original)
		require.NoError(t, m.StreamDiffLines(ctx, doc, script(), StreamOptions{StreamID: "s2"}))

		h, ok := m.Handler(doc.URI())
		require.True(t, ok)
		require.NoError(t, h.AcceptReject(ctx, true, 0))
		assert.Equal(t, StateAwaitingResolution, h.State())
		require.NoError(t, h.AcceptReject(ctx, true, 0))

		assert.Equal(t, StateCleared, h.State())
		assert.Equal(t, "1\n3\nX\nY\n5", doc.Text())
		_, ok = m.Handler(doc.URI())
		assert.False(t, ok)
		assert.ErrorIs(t, h.AcceptReject(ctx, true, 0), ErrHandlerCleared)
		require.NoError(t, h.Clear(ctx, false))
		assert.Equal(t, "1\n3\nX\nY\n5", doc.Text())

		assert.Eventually(t, func() bool {
			return rec.count("s2", protocol.ApplyStatusClosed) == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("bad index", func(t *testing.T) {
		m, _ := newTestManager(t)
		doc := editor.NewMemDocument("/tmp/index.txt", original)
		require.NoError(t, m.StreamDiffLines(ctx, doc, script(), StreamOptions{}))
		assert.ErrorIs(t, m.AcceptRejectBlock(ctx, doc.URI(), true, 2), ErrBlockIndex)
		assert.ErrorIs(t, m.AcceptRejectBlock(ctx, doc.URI(), true, -1), ErrBlockIndex)
	})

	t.Run("no diff open", func(t *testing.T) {
		m, _ := newTestManager(t)
		assert.Error(t, m.AcceptRejectBlock(ctx, "/tmp/none.txt", true, 0))
		assert.NoError(t, m.ClearForFile(ctx, "/tmp/none.txt", true))
	})
}

func TestHandler_UserEditsMoveBlocks(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	doc := editor.NewMemDocument("/tmp/user.txt", "1\n2\n3")
	require.NoError(t, m.StreamDiffLines(ctx, doc, scriptOf(" 1", "-2", "+two", " 3"), StreamOptions{}))

	h, ok := m.Handler(doc.URI())
	require.True(t, ok)
	require.Equal(t, []Block{{Start: 1, NumRed: 1, NumGreen: 1}}, h.Blocks())

	require.NoError(t, editor.InsertLines(ctx, doc, 0, []string{"// header", "// more"}))
	assert.Equal(t, []Block{{Start: 3, NumRed: 1, NumGreen: 1}}, h.Blocks())

	require.NoError(t, editor.DeleteLines(ctx, doc, 0, 1))
	assert.Equal(t, []Block{{Start: 2, NumRed: 1, NumGreen: 1}}, h.Blocks())

	require.NoError(t, m.ClearForFile(ctx, doc.URI(), false))
	assert.Equal(t, "// more\n1\n2\n3", doc.Text())
}

func TestHandler_UpdateLineDelta(t *testing.T) {
	h := newHandler(editor.NewMemDocument("/tmp/d.txt", ""), Options{}, nil, newTestLogger(t))
	h.state = StateAwaitingResolution
	h.blocks = []*block{
		{Block: Block{Start: 2, NumRed: 1, NumGreen: 3}},
		{Block: Block{Start: 10, NumGreen: 1}},
	}

	h.UpdateLineDelta(3, 2)
	assert.Equal(t, []Block{{Start: 2, NumRed: 1, NumGreen: 5}, {Start: 12, NumGreen: 1}}, h.Blocks())

	h.UpdateLineDelta(0, -1)
	assert.Equal(t, []Block{{Start: 1, NumRed: 1, NumGreen: 5}, {Start: 11, NumGreen: 1}}, h.Blocks())

	h.UpdateLineDelta(20, 4)
	assert.Equal(t, []Block{{Start: 1, NumRed: 1, NumGreen: 5}, {Start: 11, NumGreen: 1}}, h.Blocks())
}

func TestEditGuard(t *testing.T) {
	var g editGuard
	assert.False(t, g.held())

	release := g.acquire()
	inner := g.acquire()
	assert.True(t, g.held())
	inner()
	inner()
	assert.True(t, g.held())
	release()
	assert.False(t, g.held())
}

func TestHandler_CancelReverts(t *testing.T) {
	m, rec := newTestManager(t)
	doc := editor.NewMemDocument("/tmp/cancel.txt", "1\n2\n3")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seq diff.Seq = func(yield func(diff.Line, error) bool) {
		for l := range scriptOf(" 1", "-2", "+X") {
			if !yield(l, nil) {
				return
			}
		}
		cancel()
		yield(diff.Line{Type: diff.New, Line: "Y"}, nil)
	}

	err := m.StreamDiffLines(ctx, doc, seq, StreamOptions{StreamID: "s3"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "1\n2\n3", doc.Text())
	assert.Zero(t, m.Len())
	assert.Eventually(t, func() bool {
		return rec.count("s3", protocol.ApplyStatusClosed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHandler_ScriptErrorKeepsAppliedEdits(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	doc := editor.NewMemDocument("/tmp/fail.txt", "1\n2\n3")
	boom := errors.New("connection reset")

	var seq diff.Seq = func(yield func(diff.Line, error) bool) {
		for l := range scriptOf(" 1", "-2", "+X") {
			if !yield(l, nil) {
				return
			}
		}
		yield(diff.Line{}, boom)
	}

	err := m.StreamDiffLines(ctx, doc, seq, StreamOptions{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "1\nX\n3", doc.Text())

	h, ok := m.Handler(doc.URI())
	require.True(t, ok)
	assert.Equal(t, StateAwaitingResolution, h.State())
	assert.Len(t, h.Blocks(), 1)
}

func TestManager_OneHandlerPerFile(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	doc := editor.NewMemDocument("/tmp/one.txt", "1\n2\n3")

	first := m.CreateHandler(ctx, doc, Options{StreamID: "first"})
	require.NoError(t, first.Run(ctx, scriptOf(" 1", "-2", "+X", " 3")))
	assert.Equal(t, "1\nX\n3", doc.Text())

	second := m.CreateHandler(ctx, doc, Options{StreamID: "second"})
	assert.Equal(t, StateCleared, first.State())
	assert.Equal(t, "1\n2\n3", doc.Text(), "the replaced handler's edits are not kept")

	got, ok := m.Handler(doc.URI())
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, m.Len())

	assert.ErrorIs(t, first.Run(ctx, scriptOf(" 1")), ErrHandlerCleared)

	other := editor.NewMemDocument("/tmp/other.txt", "a")
	m.CreateHandler(ctx, other, Options{})
	assert.Equal(t, 2, m.Len())

	n := 0
	for range m.Handlers() {
		n++
	}
	assert.Equal(t, 2, n)

	require.NoError(t, m.Close(ctx))
	assert.Zero(t, m.Len())
}

// fakeModel replies with a fixed completion split into chunks.
type fakeModel struct {
	chunks []string
	err    error
}

func (f *fakeModel) Title() string      { return "fake" }
func (f *fakeModel) Model() string      { return "fake-model" }
func (f *fakeModel) ContextLength() int { return llm.DefaultContextLength }

func (f *fakeModel) StreamChat(context.Context, []llm.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range f.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

func TestManager_StreamEdit(t *testing.T) {
	ctx := context.Background()

	t.Run("streams the rewrite as a diff", func(t *testing.T) {
		m, _ := newTestManager(t)
		doc := editor.NewMemDocument("/tmp/a.go", "func a() int {\n\treturn 1\n}\n")
		model := &fakeModel{chunks: []string{"```go\nfunc a() int {\n", "\treturn 2\n}\n", "```"}}

		text, err := m.StreamEdit(ctx, EditRequest{Document: doc, Input: "return 2", Model: model, StreamID: "e1"})
		require.NoError(t, err)
		assert.Equal(t, "func a() int {\n\treturn 2\n}\n", doc.Text())
		assert.Contains(t, text, "return 2")
		assert.NotContains(t, text, "return 1")

		h, ok := m.Handler(doc.URI())
		require.True(t, ok)
		assert.Len(t, h.Blocks(), 1)
	})

	t.Run("only the range is rewritten", func(t *testing.T) {
		m, _ := newTestManager(t)
		doc := editor.NewMemDocument("/tmp/b.go", "keep\nold\nkeep too\n")
		model := &fakeModel{chunks: []string{"new\n"}}
		r := editor.Range{Start: editor.Position{Line: 1}, End: editor.Position{Line: 1, Character: 3}}

		_, err := m.StreamEdit(ctx, EditRequest{Document: doc, Range: &r, Model: model})
		require.NoError(t, err)
		assert.Equal(t, "keep\nnew\nkeep too\n", doc.Text())
	})

	t.Run("requires a model", func(t *testing.T) {
		m, _ := newTestManager(t)
		_, err := m.StreamEdit(ctx, EditRequest{Document: editor.NewMemDocument("/tmp/c.go", "x")})
		assert.Error(t, err)
	})
}

func TestTargetLines(t *testing.T) {
	lines := diff.SplitLines("a\nb\nc\n")
	doc := editor.NewMemDocument("/tmp/t.txt", "a\nb\nc\n")

	start, end := targetLines(doc, nil, lines)
	assert.Equal(t, 0, start)
	assert.Equal(t, 2, end)

	r := editor.Range{Start: editor.Position{Line: 1}, End: editor.Position{Line: 2}}
	start, end = targetLines(doc, &r, lines)
	assert.Equal(t, 1, start)
	assert.Equal(t, 1, end)

	doc.SetSelection(editor.Range{Start: editor.Position{Line: 2}, End: editor.Position{Line: 2, Character: 1}})
	start, end = targetLines(doc, nil, lines)
	assert.Equal(t, 2, start)
	assert.Equal(t, 2, end)
}
