package transport

import (
	"context"
	"sync/atomic"

	"github.com/kandev/codepilot/pkg/protocol"
)

// InProcess connects two endpoints in the same process. Send invokes the
// peer's listeners directly, with no serialization.
type InProcess struct {
	peer      *InProcess
	listeners *registry
	closed    atomic.Bool
}

// NewInProcessPair returns two connected endpoints.
func NewInProcessPair() (*InProcess, *InProcess) {
	a := &InProcess{listeners: newRegistry()}
	b := &InProcess{listeners: newRegistry()}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *InProcess) Kind() Kind { return KindInProcess }

func (t *InProcess) Send(ctx context.Context, msg *protocol.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.peer == nil || t.peer.closed.Load() {
		return ErrSendUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.peer.listeners.dispatch(msg)
	return nil
}

func (t *InProcess) Listen(fn Listener) func() {
	return t.listeners.add(fn)
}

// ListenerCount reports how many listeners are installed.
func (t *InProcess) ListenerCount() int {
	return t.listeners.len()
}

func (t *InProcess) Close() error {
	t.closed.Store(true)
	t.listeners.clear()
	return nil
}
