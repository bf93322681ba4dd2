package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kandev/codepilot/internal/common/errors"
	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/transport"
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

// newPair connects a host and a UI messenger in process.
func newPair(t *testing.T) (host, ui *Messenger) {
	t.Helper()
	log := newTestLogger(t)
	a, b := transport.NewInProcessPair()
	opts := []Option{
		WithPollInterval(5 * time.Millisecond),
		WithRetryPolicy(transport.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}),
	}
	host = New(a, log, opts...)
	ui = New(b, log, opts...)
	t.Cleanup(func() {
		_ = ui.Close()
		_ = host.Close()
	})
	return host, ui
}

// scriptStream answers the first messageType request reaching host with
// chunks, posted raw under the request id. The returned channel is closed
// once every chunk went out.
func scriptStream(t *testing.T, host *Messenger, messageType string, chunks ...protocol.StreamChunk) <-chan struct{} {
	t.Helper()
	sent := make(chan struct{})
	var once sync.Once
	unsubscribe := host.Transport().Listen(func(msg *protocol.Message) {
		if msg.MessageType != messageType {
			return
		}
		once.Do(func() {
			go func() {
				defer close(sent)
				for _, c := range chunks {
					assert.NoError(t, host.Post(context.Background(), messageType, c, msg.MessageID))
				}
			}()
		})
	})
	t.Cleanup(unsubscribe)
	return sent
}

func valueChunk(v string) protocol.StreamChunk {
	raw, _ := json.Marshal(v)
	return protocol.StreamChunk{Content: raw}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

type filePayload struct {
	Filepath string `json:"filepath"`
}

func TestMessenger_Request(t *testing.T) {
	ctx := context.Background()

	t.Run("returns handler content", func(t *testing.T) {
		host, ui := newPair(t)
		host.On(protocol.TypeReadFile, func(_ context.Context, msg *protocol.Message) (any, error) {
			var p filePayload
			if err := msg.ParseData(&p); err != nil {
				return nil, err
			}
			return "contents of " + p.Filepath, nil
		})
		assert.True(t, host.HasHandler(protocol.TypeReadFile))

		got, err := Call[string](ctx, ui, protocol.TypeReadFile, filePayload{Filepath: "a.go"})
		require.NoError(t, err)
		assert.Equal(t, "contents of a.go", got)
	})

	t.Run("null content decodes to zero value", func(t *testing.T) {
		host, ui := newPair(t)
		host.On(protocol.TypeSaveFile, func(context.Context, *protocol.Message) (any, error) {
			return nil, nil
		})
		got, err := Call[*filePayload](ctx, ui, protocol.TypeSaveFile, nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("handler error becomes remote error", func(t *testing.T) {
		host, ui := newPair(t)
		host.On(protocol.TypeOpenFile, func(context.Context, *protocol.Message) (any, error) {
			return nil, apperrors.NotFound("file", "missing.go")
		})

		_, err := ui.Request(ctx, protocol.TypeOpenFile, filePayload{Filepath: "missing.go"})
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, protocol.TypeOpenFile, remote.MessageType)
		assert.Equal(t, apperrors.ErrCodeNotFound, remote.Code)
		assert.Contains(t, remote.Message, "missing.go")
	})

	t.Run("concurrent requests are correlated by id", func(t *testing.T) {
		host, ui := newPair(t)
		names := []string{"a", "b", "c", "d", "e"}
		gates := make(map[string]chan struct{}, len(names))
		for _, name := range names {
			gates[name] = make(chan struct{})
		}
		var arrived sync.WaitGroup
		arrived.Add(len(names))
		host.On(protocol.TypeReadFile, func(ctx context.Context, msg *protocol.Message) (any, error) {
			var p filePayload
			if err := msg.ParseData(&p); err != nil {
				return nil, err
			}
			arrived.Done()
			select {
			case <-gates[p.Filepath]:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return p.Filepath, nil
		})

		type reply struct {
			sent, got string
			err       error
		}
		replies := make(chan reply, len(names))
		for _, name := range names {
			go func() {
				got, err := Call[string](ctx, ui, protocol.TypeReadFile, filePayload{Filepath: name})
				replies <- reply{sent: name, got: got, err: err}
			}()
		}
		arrived.Wait()

		// Answer newest first, one at a time.
		for i := len(names) - 1; i >= 0; i-- {
			close(gates[names[i]])
			r := <-replies
			require.NoError(t, r.err)
			assert.Equal(t, names[i], r.sent)
			assert.Equal(t, r.sent, r.got)
		}
	})

	t.Run("reply after the deadline is not dispatched", func(t *testing.T) {
		host, ui := newPair(t)
		release := make(chan struct{})
		host.On(protocol.TypeReadFile, func(ctx context.Context, _ *protocol.Message) (any, error) {
			select {
			case <-release:
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		var dispatched atomic.Int32
		ui.On(protocol.TypeReadFile, func(context.Context, *protocol.Message) (any, error) {
			dispatched.Add(1)
			return nil, nil
		})

		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := ui.Request(tctx, protocol.TypeReadFile, filePayload{Filepath: "a.go"})
		require.ErrorIs(t, err, context.DeadlineExceeded)

		answered := make(chan struct{})
		var once sync.Once
		unsubscribe := ui.Transport().Listen(func(msg *protocol.Message) {
			if msg.MessageType == protocol.TypeReadFile {
				once.Do(func() { close(answered) })
			}
		})
		defer unsubscribe()

		close(release)
		waitClosed(t, answered)
		assert.Never(t, func() bool { return dispatched.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	})

	t.Run("unanswered request honours the deadline", func(t *testing.T) {
		_, ui := newPair(t)
		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := ui.Request(tctx, "unknown/type", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("close fails pending and new requests", func(t *testing.T) {
		_, ui := newPair(t)
		errCh := make(chan error, 1)
		go func() {
			_, err := ui.Request(ctx, "unknown/type", nil)
			errCh <- err
		}()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, ui.Close())

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("pending request did not fail on close")
		}
		_, err := ui.Request(ctx, protocol.TypeReadFile, nil)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestMessenger_Post(t *testing.T) {
	host, ui := newPair(t)
	got := make(chan *protocol.Message, 1)
	ui.Transport().Listen(func(msg *protocol.Message) { got <- msg })

	require.NoError(t, host.Post(context.Background(), protocol.TypeSetContext,
		protocol.SetContextPayload{Key: "diffVisible", Value: true}, "fixed-id"))

	msg := <-got
	assert.Equal(t, "fixed-id", msg.MessageID)
	assert.Equal(t, protocol.TypeSetContext, msg.MessageType)
}

func TestMessenger_Stream(t *testing.T) {
	ctx := context.Background()

	t.Run("collects values and result", func(t *testing.T) {
		host, ui := newPair(t)
		host.OnStream(protocol.TypeLLMStreamChat, func(_ context.Context, _ *protocol.Message, yield func(any) error) (any, error) {
			for _, part := range []string{"a", "b", "c"} {
				if err := yield(part); err != nil {
					return nil, err
				}
			}
			return "abc", nil
		})

		s, err := StreamRequest[string, string](ctx, ui, protocol.TypeLLMStreamChat, nil)
		require.NoError(t, err)
		values, result, err := s.Collect()
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, values)
		assert.Equal(t, "abc", result)

		ret, ok := s.Result()
		assert.True(t, ok)
		assert.Equal(t, "abc", ret)
		assert.False(t, s.Next())
	})

	t.Run("producer failure ends the stream", func(t *testing.T) {
		host, ui := newPair(t)
		host.OnStream(protocol.TypeLLMStreamChat, func(_ context.Context, _ *protocol.Message, yield func(any) error) (any, error) {
			_ = yield("partial")
			return nil, errors.New("model overloaded")
		})

		s, err := StreamRequest[string, string](ctx, ui, protocol.TypeLLMStreamChat, nil)
		require.NoError(t, err)
		_, _, err = s.Collect()
		var streamErr *StreamError
		require.ErrorAs(t, err, &streamErr)
		assert.Equal(t, "model overloaded", streamErr.Message)
		_, ok := s.Result()
		assert.False(t, ok)
	})

	t.Run("chunks after done are ignored", func(t *testing.T) {
		host, ui := newPair(t)
		sent := scriptStream(t, host, protocol.TypeLLMStreamChat,
			valueChunk("1"),
			valueChunk("2"),
			protocol.StreamChunk{Done: true, Content: json.RawMessage(`"R"`)},
			valueChunk("late"),
		)

		s, err := StreamRequest[string, string](ctx, ui, protocol.TypeLLMStreamChat, nil)
		require.NoError(t, err)
		waitClosed(t, sent)

		values, result, err := s.Collect()
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, values)
		assert.Equal(t, "R", result)
	})

	t.Run("error wins over buffered values", func(t *testing.T) {
		host, ui := newPair(t)
		sent := scriptStream(t, host, protocol.TypeLLMStreamChat,
			valueChunk("1"),
			valueChunk("2"),
			protocol.StreamChunk{Error: "boom"},
		)

		s, err := StreamRequest[string, string](ctx, ui, protocol.TypeLLMStreamChat, nil)
		require.NoError(t, err)
		waitClosed(t, sent)

		values, _, err := s.Collect()
		var streamErr *StreamError
		require.ErrorAs(t, err, &streamErr)
		assert.Equal(t, "boom", streamErr.Message)
		assert.Empty(t, values)
		_, ok := s.Result()
		assert.False(t, ok)
	})

	t.Run("cancelling the consumer aborts the producer", func(t *testing.T) {
		host, ui := newPair(t)
		aborted := make(chan struct{})
		host.OnStream(protocol.TypeLLMStreamChat, func(ctx context.Context, _ *protocol.Message, yield func(any) error) (any, error) {
			for {
				if err := yield("tick"); err != nil {
					close(aborted)
					return nil, err
				}
				select {
				case <-ctx.Done():
					close(aborted)
					return nil, ctx.Err()
				case <-time.After(time.Millisecond):
				}
			}
		})

		cctx, cancel := context.WithCancel(ctx)
		s, err := StreamRequest[string, string](cctx, ui, protocol.TypeLLMStreamChat, nil)
		require.NoError(t, err)
		require.True(t, s.Next())
		assert.NotEmpty(t, s.Batch())

		cancel()
		for s.Next() {
		}
		assert.ErrorIs(t, s.Err(), context.Canceled)

		select {
		case <-aborted:
		case <-time.After(time.Second):
			t.Fatal("producer was not aborted")
		}
	})
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "app error", err: apperrors.BadRequest("bad"), want: apperrors.ErrCodeBadRequest},
		{name: "canceled", err: context.Canceled, want: apperrors.ErrCodeCanceled},
		{name: "wrapped canceled", err: fmt.Errorf("read: %w", context.Canceled), want: apperrors.ErrCodeCanceled},
		{name: "plain", err: errors.New("boom"), want: apperrors.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.err))
		})
	}
}

func TestIDRing(t *testing.T) {
	r := newIDRing(2)
	r.add("a")
	r.add("b")
	r.add("b")
	assert.True(t, r.has("a"))

	r.add("c")
	assert.False(t, r.has("a"))
	assert.True(t, r.has("b"))
	assert.True(t, r.has("c"))
}
