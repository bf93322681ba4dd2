package apply

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/codepilot/internal/apply/store"
	apperrors "github.com/kandev/codepilot/internal/common/errors"
	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/edit"
	"github.com/kandev/codepilot/internal/editor"
	"github.com/kandev/codepilot/internal/events"
	"github.com/kandev/codepilot/internal/events/bus"
	"github.com/kandev/codepilot/internal/llm"
	"github.com/kandev/codepilot/internal/vertical"
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

type fakeModel struct {
	reply string
}

func (f *fakeModel) Title() string      { return "fake" }
func (f *fakeModel) Model() string      { return "fake-model" }
func (f *fakeModel) ContextLength() int { return llm.DefaultContextLength }

func (f *fakeModel) StreamChat(context.Context, []llm.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield(f.reply, nil)
	}
}

type fakeModels struct {
	byRole map[string]llm.Model
}

func (f *fakeModels) ForRole(role string) (llm.Model, error) {
	if m, ok := f.byRole[role]; ok {
		return m, nil
	}
	return nil, apperrors.NotFound("model for role", role)
}

// poster records UI notifications.
type poster struct {
	mu    sync.Mutex
	posts []posted
}

type posted struct {
	messageType string
	data        any
}

func (p *poster) Post(_ context.Context, messageType string, data any, _ string) error {
	p.mu.Lock()
	p.posts = append(p.posts, posted{messageType: messageType, data: data})
	p.mu.Unlock()
	return nil
}

func (p *poster) states() []protocol.ApplyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.ApplyState
	for _, post := range p.posts {
		if s, ok := post.data.(protocol.ApplyState); ok {
			out = append(out, s)
		}
	}
	return out
}

func (p *poster) last(streamID string) (protocol.ApplyState, bool) {
	states := p.states()
	for i := len(states) - 1; i >= 0; i-- {
		if states[i].StreamID == streamID {
			return states[i], true
		}
	}
	return protocol.ApplyState{}, false
}

type fixture struct {
	dir     string
	ws      *editor.FileWorkspace
	diffs   *vertical.Manager
	bus     *bus.MemoryEventBus
	ui      *poster
	manager *Manager
}

func newFixture(t *testing.T, models ModelResolver, opts ...Option) *fixture {
	t.Helper()
	log := newTestLogger(t)
	dir := t.TempDir()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	ui := &poster{}
	fwd := NewForwarder(eventBus, ui, log)
	require.NoError(t, fwd.Start())
	t.Cleanup(func() { _ = fwd.Stop() })

	ws := editor.NewFileWorkspace([]string{dir})
	diffs := vertical.NewManager(eventBus, log)
	return &fixture{
		dir:     dir,
		ws:      ws,
		diffs:   diffs,
		bus:     eventBus,
		ui:      ui,
		manager: NewManager(ws, diffs, models, log, opts...),
	}
}

func (f *fixture) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestManager_ApplyToBlankDocument(t *testing.T) {
	ctx := context.Background()
	for name, content := range map[string]string{"empty": "", "whitespace only": "  \n\t\n"} {
		t.Run(name, func(t *testing.T) {
			classified := 0
			f := newFixture(t, nil, WithClassifier(func(string, string) (edit.Result, error) {
				classified++
				return edit.Result{}, nil
			}))
			path := f.writeFile(t, "blank.go", content)

			edits := 0
			doc, err := f.ws.OpenDocument(ctx, path)
			require.NoError(t, err)
			dispose := doc.OnChange(func(editor.ChangeEvent) { edits++ })
			defer dispose()

			require.NoError(t, f.manager.ApplyToFile(ctx, protocol.ApplyToFileRequest{
				StreamID: "blank",
				Filepath: path,
				Text:     "package main\n",
			}))

			assert.Zero(t, classified)
			assert.Equal(t, 1, edits)
			assert.Equal(t, "package main\n"+content, doc.Text())
			assert.Zero(t, f.diffs.Len())

			assert.Eventually(t, func() bool {
				s, ok := f.ui.last("blank")
				return ok && s.Status == protocol.ApplyStatusClosed && s.NumDiffs == 0
			}, time.Second, 10*time.Millisecond)
		})
	}
}

func TestManager_ApplyInstantly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	path := f.writeFile(t, "foo.js", "const a = 1;\n")

	require.NoError(t, f.manager.ApplyToFile(ctx, protocol.ApplyToFileRequest{
		StreamID: "s1",
		Filepath: path,
		Text:     "const a = 1;\nconst b = 2;\n",
	}))

	doc, err := f.ws.OpenDocument(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "const a = 1;\nconst b = 2;\n", doc.Text())

	h, ok := f.diffs.Handler(path)
	require.True(t, ok)
	assert.Equal(t, []vertical.Block{{Start: 1, NumRed: 0, NumGreen: 1}}, h.Blocks())

	assert.Eventually(t, func() bool {
		s, ok := f.ui.last("s1")
		return ok && s.Status == protocol.ApplyStatusDone && s.NumDiffs == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, f.diffs.ClearForFile(ctx, path, true))
	assert.Eventually(t, func() bool {
		s, ok := f.ui.last("s1")
		return ok && s.Status == protocol.ApplyStatusClosed
	}, time.Second, 10*time.Millisecond)
}

func TestManager_ApplyOverPendingDiff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	path := f.writeFile(t, "letters.txt", "a\nb\nc\nd\n")

	require.NoError(t, f.manager.ApplyToFile(ctx, protocol.ApplyToFileRequest{
		StreamID: "first",
		Filepath: path,
		Text:     "a\nX\nb\nc\nd\n",
	}))
	doc, err := f.ws.OpenDocument(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "a\nX\nb\nc\nd\n", doc.Text())

	require.NoError(t, f.manager.ApplyToFile(ctx, protocol.ApplyToFileRequest{
		StreamID: "second",
		Filepath: path,
		Text:     "a\nb\nc\nd\nY\n",
	}))
	assert.Equal(t, "a\nb\nc\nd\nY\n", doc.Text())

	h, ok := f.diffs.Handler(path)
	require.True(t, ok)
	assert.Equal(t, "second", h.StreamID())
	assert.Equal(t, []vertical.Block{{Start: 4, NumRed: 0, NumGreen: 1}}, h.Blocks())
	assert.Equal(t, 1, f.diffs.Len())

	require.NoError(t, f.diffs.ClearForFile(ctx, path, false))
	assert.Equal(t, "a\nb\nc\nd\n", doc.Text())

	assert.Eventually(t, func() bool {
		s, ok := f.ui.last("first")
		return ok && s.Status == protocol.ApplyStatusClosed
	}, time.Second, 10*time.Millisecond)
}

func TestManager_ApplyWithModel(t *testing.T) {
	ctx := context.Background()
	reply := "func a() int {\n\treturn 2\n}\n"
	models := &fakeModels{byRole: map[string]llm.Model{llm.RoleChat: &fakeModel{reply: reply}}}
	f := newFixture(t, models)
	path := f.writeFile(t, "a.go", "func a() int {\n\treturn 1\n}\n")

	require.NoError(t, f.manager.ApplyToFile(ctx, protocol.ApplyToFileRequest{
		StreamID: "m1",
		Filepath: path,
		Text:     "// ... existing code ...\n\treturn 2\n",
	}))

	doc, err := f.ws.OpenDocument(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, reply, doc.Text())
	_, ok := f.diffs.Handler(path)
	assert.True(t, ok)
}

func TestManager_ApplyErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no active editor", func(t *testing.T) {
		f := newFixture(t, nil)
		err := f.manager.ApplyToFile(ctx, protocol.ApplyToFileRequest{StreamID: "e1", Text: "x"})
		assert.True(t, apperrors.IsBadRequest(err))
	})

	t.Run("no model for a non-instant edit", func(t *testing.T) {
		f := newFixture(t, &fakeModels{})
		path := f.writeFile(t, "a.go", "func a() int {\n\treturn 1\n}\n")
		err := f.manager.ApplyToFile(ctx, protocol.ApplyToFileRequest{
			StreamID: "e2",
			Filepath: path,
			Text:     "// ...\n\treturn 2\n",
		})
		assert.ErrorContains(t, err, "no model")
	})
}

func TestManager_ApplyCreatesMissingFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	path := filepath.Join(f.dir, "pkg", "new.go")

	require.NoError(t, f.manager.ApplyToFile(ctx, protocol.ApplyToFileRequest{
		StreamID: "new",
		Filepath: path,
		Text:     "package pkg\n",
	}))

	doc, err := f.ws.OpenDocument(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "package pkg\n", doc.Text())
	exists, err := f.ws.FileExists(ctx, path)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestForwarder_StatusOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	publish := func(status protocol.ApplyStatus) {
		f.diffs.PublishApplyState(ctx, protocol.ApplyState{StreamID: "fwd", Status: status})
	}
	publish(protocol.ApplyStatusStreaming)
	publish(protocol.ApplyStatusDone)
	publish(protocol.ApplyStatusStreaming)
	publish(protocol.ApplyStatusDone)
	publish(protocol.ApplyStatusClosed)
	publish(protocol.ApplyStatusDone)

	want := []protocol.ApplyStatus{
		protocol.ApplyStatusStreaming,
		protocol.ApplyStatusDone,
		protocol.ApplyStatusDone,
		protocol.ApplyStatusClosed,
	}
	assert.Eventually(t, func() bool {
		var got []protocol.ApplyStatus
		for _, s := range f.ui.states() {
			got = append(got, s.Status)
		}
		return assert.ObjectsAreEqual(want, got)
	}, time.Second, 10*time.Millisecond)
}

func TestForwarder_UIContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.diffs.SetContext(ctx, events.ContextDiffVisible, true)

	assert.Eventually(t, func() bool {
		f.ui.mu.Lock()
		defer f.ui.mu.Unlock()
		for _, p := range f.ui.posts {
			if p.messageType == protocol.TypeSetContext {
				payload := p.data.(protocol.SetContextPayload)
				return payload.Key == events.ContextDiffVisible && payload.Value
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

// memRepo is an in-memory store.Repository that rejects regressions.
type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
}

func (r *memRepo) Save(_ context.Context, state protocol.ApplyState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[state.StreamID]; ok {
		if !state.Status.CanFollow(s.Status) {
			return store.ErrStaleStatus
		}
		s.Status = state.Status
		s.NumDiffs = state.NumDiffs
		return nil
	}
	r.sessions[state.StreamID] = &store.Session{StreamID: state.StreamID, Status: state.Status, NumDiffs: state.NumDiffs}
	return nil
}

func (r *memRepo) Get(_ context.Context, streamID string) (*store.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[streamID]
	if !ok {
		return nil, apperrors.NotFound("apply session", streamID)
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) ListRecent(context.Context, int) ([]*store.Session, error) {
	return nil, nil
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	repo := &memRepo{sessions: make(map[string]*store.Session)}
	rec, err := NewRecorder(f.bus, repo, newTestLogger(t))
	require.NoError(t, err)
	defer func() { _ = rec.Stop() }()

	f.diffs.PublishApplyState(ctx, protocol.ApplyState{StreamID: "r1", Status: protocol.ApplyStatusDone, NumDiffs: 2})
	f.diffs.PublishApplyState(ctx, protocol.ApplyState{StreamID: "r1", Status: protocol.ApplyStatusStreaming})
	f.diffs.PublishApplyState(ctx, protocol.ApplyState{Status: protocol.ApplyStatusDone})
	f.diffs.PublishApplyState(ctx, protocol.ApplyState{StreamID: "r1", Status: protocol.ApplyStatusClosed})

	assert.Eventually(t, func() bool {
		s, err := repo.Get(ctx, "r1")
		return err == nil && s.Status == protocol.ApplyStatusClosed
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, repo.sessions, 1)
}
