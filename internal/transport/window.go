package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8 * 1024 * 1024
)

// Window carries messages over a websocket, the out-of-process form of a
// webview window's postMessage and message-event listener. Listeners are
// removable.
type Window struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	listeners *registry
	logger    *logger.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewWindow wraps an established connection. Call Run to start reading.
// A nil conn yields a transport whose Send fails with ErrSendUnavailable.
func NewWindow(conn *websocket.Conn, log *logger.Logger) *Window {
	return &Window{
		conn:      conn,
		listeners: newRegistry(),
		logger:    log.WithFields(zap.String("transport", string(KindWindow))),
		done:      make(chan struct{}),
	}
}

// DialWindow connects to a gateway at url.
func DialWindow(ctx context.Context, url string, header http.Header, log *logger.Logger) (*Window, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWindow(conn, log), nil
}

func (w *Window) Kind() Kind { return KindWindow }

func (w *Window) Send(ctx context.Context, msg *protocol.Message) error {
	if w.conn == nil {
		return ErrSendUnavailable
	}
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *Window) Listen(fn Listener) func() {
	return w.listeners.add(fn)
}

// ListenerCount reports how many listeners are installed.
func (w *Window) ListenerCount() int {
	return w.listeners.len()
}

// Run reads messages until the connection fails, ctx ends, or Close is called.
func (w *Window) Run(ctx context.Context) error {
	if w.conn == nil {
		return ErrSendUnavailable
	}
	defer func() { _ = w.Close() }()

	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go w.ping(ctx)

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return nil
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Error("WebSocket read error", zap.Error(err))
				return err
			}
			return nil
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Warn("Dropping malformed message", zap.Error(err))
			continue
		}
		if err := msg.Validate(); err != nil {
			w.logger.Warn("Dropping invalid message", zap.String("message_id", msg.MessageID), zap.Error(err))
			continue
		}
		w.listeners.dispatch(&msg)
	}
}

func (w *Window) ping(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				w.logger.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Done is closed once the transport is closed.
func (w *Window) Done() <-chan struct{} {
	return w.done
}

func (w *Window) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.listeners.clear()
		if w.conn == nil {
			return
		}
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}
