package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/pkg/protocol"
)

// Bridge is the message surface an embedding editor runtime exposes.
// Handlers passed to OnDidReceiveMessage can never be removed.
type Bridge interface {
	PostMessage(msg *protocol.Message) error
	OnDidReceiveMessage(fn func(msg *protocol.Message))
}

// leakWarnEvery controls how often accumulated dead registrations are logged.
const leakWarnEvery = 100

// HostBridge adapts a Bridge to Transport.
//
// Every Listen call registers one wrapper with the host. Unsubscribing only
// deactivates the wrapper and drops the reference to the listener; the host
// keeps the wrapper for the life of the bridge. Request-heavy sessions
// therefore accumulate one dead wrapper per completed request. LeakedCount
// exposes that number.
type HostBridge struct {
	bridge Bridge
	logger *logger.Logger

	mu    sync.Mutex
	slots []*bridgeSlot

	leaked atomic.Int64
	closed atomic.Bool
}

type bridgeSlot struct {
	fn atomic.Pointer[Listener]
}

// NewHostBridge wraps bridge. A nil bridge yields a transport whose Send
// fails with ErrSendUnavailable.
func NewHostBridge(bridge Bridge, log *logger.Logger) *HostBridge {
	return &HostBridge{
		bridge: bridge,
		logger: log.WithFields(zap.String("transport", string(KindHostBridge))),
	}
}

func (h *HostBridge) Kind() Kind { return KindHostBridge }

func (h *HostBridge) Send(ctx context.Context, msg *protocol.Message) error {
	if h.bridge == nil {
		return ErrSendUnavailable
	}
	if h.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.bridge.PostMessage(msg)
}

func (h *HostBridge) Listen(fn Listener) func() {
	if h.bridge == nil {
		return func() {}
	}

	slot := &bridgeSlot{}
	slot.fn.Store(&fn)

	h.mu.Lock()
	h.slots = append(h.slots, slot)
	h.mu.Unlock()

	h.bridge.OnDidReceiveMessage(func(msg *protocol.Message) {
		if h.closed.Load() {
			return
		}
		if p := slot.fn.Load(); p != nil {
			(*p)(msg)
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			slot.fn.Store(nil)
			n := h.leaked.Add(1)
			if n%leakWarnEvery == 0 {
				h.logger.Warn("Host bridge holds inactive message handlers",
					zap.Int64("inactive", n))
			}
		})
	}
}

// RegisteredCount reports every wrapper ever registered with the host.
func (h *HostBridge) RegisteredCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots)
}

// ActiveCount reports wrappers that still forward messages.
func (h *HostBridge) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.slots {
		if s.fn.Load() != nil {
			n++
		}
	}
	return n
}

// LeakedCount reports unsubscribed wrappers the host still holds.
func (h *HostBridge) LeakedCount() int {
	return int(h.leaked.Load())
}

// Close stops all wrappers from forwarding. The host still holds them.
func (h *HostBridge) Close() error {
	h.closed.Store(true)
	h.mu.Lock()
	for _, s := range h.slots {
		s.fn.Store(nil)
	}
	h.mu.Unlock()
	return nil
}
