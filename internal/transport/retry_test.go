package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/codepilot/pkg/protocol"
)

// flakyTransport fails the first failures sends with err.
type flakyTransport struct {
	failures int
	err      error
	attempts atomic.Int32
}

func (f *flakyTransport) Kind() Kind { return KindWindow }

func (f *flakyTransport) Send(context.Context, *protocol.Message) error {
	n := int(f.attempts.Add(1))
	if n <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyTransport) Listen(Listener) func() { return func() {} }
func (f *flakyTransport) Close() error           { return nil }

func TestSendWithRetry(t *testing.T) {
	ctx := context.Background()
	log := newTestLogger(t)
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}
	transient := errors.New("socket busy")

	t.Run("recovers from transient failures", func(t *testing.T) {
		tr := &flakyTransport{failures: 2, err: transient}
		err := SendWithRetry(ctx, tr, newMessage(t, protocol.TypeReadFile, nil), policy, log)
		assert.NoError(t, err)
		assert.Equal(t, int32(3), tr.attempts.Load())
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		tr := &flakyTransport{failures: 100, err: transient}
		err := SendWithRetry(ctx, tr, newMessage(t, protocol.TypeReadFile, nil), policy, log)
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, int32(4), tr.attempts.Load())
	})

	t.Run("missing primitive is not retried", func(t *testing.T) {
		tr := &flakyTransport{failures: 100, err: ErrSendUnavailable}
		err := SendWithRetry(ctx, tr, newMessage(t, protocol.TypeReadFile, nil), policy, log)
		assert.ErrorIs(t, err, ErrSendUnavailable)
		assert.Equal(t, int32(1), tr.attempts.Load())
	})

	t.Run("closed transport is not retried", func(t *testing.T) {
		tr := &flakyTransport{failures: 100, err: ErrClosed}
		err := SendWithRetry(ctx, tr, newMessage(t, protocol.TypeReadFile, nil), policy, log)
		assert.ErrorIs(t, err, ErrClosed)
		assert.Equal(t, int32(1), tr.attempts.Load())
	})
}
