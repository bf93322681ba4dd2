// Package messenger implements request/response and streaming calls on top
// of a transport.
//
// Request imposes no timeout. A caller that needs bounded latency passes a
// context with a deadline.
package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/kandev/codepilot/internal/common/errors"
	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/common/tracing"
	"github.com/kandev/codepilot/internal/transport"
	"github.com/kandev/codepilot/pkg/protocol"
)

// DefaultPollInterval is how often a stream consumer checks its buffer.
const DefaultPollInterval = 50 * time.Millisecond

// finishedIDs is how many ids of completed calls are remembered. A reply
// arriving after its caller gave up is dropped while its id is remembered.
const finishedIDs = 1024

// ErrClosed is returned by calls on a closed messenger.
var ErrClosed = errors.New("messenger closed")

// RemoteError is a failure reported by the peer's handler.
type RemoteError struct {
	MessageType string
	Code        string
	Message     string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s failed: %s: %s", e.MessageType, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.MessageType, e.Message)
}

// Handler answers one inbound request. Its result, or its error, is sent
// back to the requester under the request's id.
type Handler func(ctx context.Context, msg *protocol.Message) (any, error)

// Messenger correlates requests and responses over a single transport.
type Messenger struct {
	transport    transport.Transport
	logger       *logger.Logger
	retry        transport.RetryPolicy
	pollInterval time.Duration
	tracer       trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	handlers       map[string]Handler
	streamHandlers map[string]StreamHandler
	inflight       map[string]struct{}
	finished       *idRing
	producers      map[string]context.CancelFunc
	unsubscribe    func()
	closed         bool
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithRetryPolicy overrides the send retry policy.
func WithRetryPolicy(p transport.RetryPolicy) Option {
	return func(m *Messenger) { m.retry = p }
}

// WithPollInterval overrides the stream consumer poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Messenger) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// New creates a messenger bound to t and starts routing inbound messages.
func New(t transport.Transport, log *logger.Logger, opts ...Option) *Messenger {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Messenger{
		transport:      t,
		logger:         log.WithFields(zap.String("component", "messenger"), zap.String("transport", string(t.Kind()))),
		retry:          transport.DefaultRetryPolicy(),
		pollInterval:   DefaultPollInterval,
		tracer:         tracing.Tracer("codepilot-messenger"),
		ctx:            ctx,
		cancel:         cancel,
		handlers:       make(map[string]Handler),
		streamHandlers: make(map[string]StreamHandler),
		inflight:       make(map[string]struct{}),
		finished:       newIDRing(finishedIDs),
		producers:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unsubscribe = t.Listen(m.route)
	return m
}

// Transport returns the underlying transport.
func (m *Messenger) Transport() transport.Transport {
	return m.transport
}

// On registers h for every inbound message of messageType, replacing any
// previous handler.
func (m *Messenger) On(messageType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[messageType] = h
}

// HasHandler reports whether a request or stream handler exists for messageType.
func (m *Messenger) HasHandler(messageType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handlers[messageType]
	if !ok {
		_, ok = m.streamHandlers[messageType]
	}
	return ok
}

// Post sends a message without waiting for a reply. An empty messageID
// generates a fresh one. Transient failures are retried.
func (m *Messenger) Post(ctx context.Context, messageType string, data any, messageID string) error {
	if messageID == "" {
		messageID = protocol.NewID()
	}
	msg, err := protocol.NewReply(messageID, messageType, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", messageType, err)
	}
	return m.send(ctx, msg)
}

// Respond answers the request identified by messageID.
func (m *Messenger) Respond(ctx context.Context, messageType string, data any, messageID string) error {
	return m.Post(ctx, messageType, data, messageID)
}

func (m *Messenger) send(ctx context.Context, msg *protocol.Message) error {
	if m.isClosed() {
		return ErrClosed
	}
	return transport.SendWithRetry(ctx, m.transport, msg, m.retry, m.logger)
}

// Request sends one request and waits for the response carrying the same
// id. It returns the response content, or a *RemoteError when the peer's
// handler failed.
func (m *Messenger) Request(ctx context.Context, messageType string, data any) (json.RawMessage, error) {
	ctx, span := m.tracer.Start(ctx, "messenger.request",
		trace.WithAttributes(attribute.String("message.type", messageType)))
	defer span.End()

	content, err := m.request(ctx, messageType, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return content, err
}

func (m *Messenger) request(ctx context.Context, messageType string, data any) (json.RawMessage, error) {
	msg, err := protocol.NewMessage(messageType, data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", messageType, err)
	}
	id := msg.MessageID

	replies := make(chan *protocol.Message, 1)
	if err := m.track(id); err != nil {
		return nil, err
	}
	defer m.untrack(id)

	unsubscribe := m.transport.Listen(func(in *protocol.Message) {
		if in.MessageID != id || in.MessageType == protocol.TypeAbort {
			return
		}
		select {
		case replies <- in:
		default:
		}
	})
	defer unsubscribe()

	if err := m.send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return decodeResult(messageType, reply)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, ErrClosed
	}
}

func decodeResult(messageType string, reply *protocol.Message) (json.RawMessage, error) {
	var result protocol.Result
	if err := reply.ParseData(&result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", messageType, err)
	}
	if result.Status == protocol.StatusError {
		return nil, &RemoteError{MessageType: messageType, Code: result.Code, Message: result.Error}
	}
	return result.Content, nil
}

// Call is Request with the response content decoded into T.
func Call[T any](ctx context.Context, m *Messenger, messageType string, data any) (T, error) {
	var out T
	content, err := m.Request(ctx, messageType, data)
	if err != nil {
		return out, err
	}
	if len(content) == 0 || string(content) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(content, &out); err != nil {
		return out, fmt.Errorf("decode %s content: %w", messageType, err)
	}
	return out, nil
}

func (m *Messenger) track(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.inflight[id] = struct{}{}
	return nil
}

func (m *Messenger) untrack(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.finished.add(id)
	m.mu.Unlock()
}

// route dispatches inbound messages that are not replies to our own calls.
func (m *Messenger) route(msg *protocol.Message) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	if msg.MessageType == protocol.TypeAbort {
		cancel := m.producers[msg.MessageID]
		m.mu.RUnlock()
		if cancel != nil {
			m.logger.Debug("Stream aborted by peer", zap.String("message_id", msg.MessageID))
			cancel()
		}
		return
	}
	if _, ours := m.inflight[msg.MessageID]; ours || m.finished.has(msg.MessageID) {
		m.mu.RUnlock()
		return
	}
	streamHandler := m.streamHandlers[msg.MessageType]
	handler := m.handlers[msg.MessageType]
	m.mu.RUnlock()

	switch {
	case streamHandler != nil:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.produce(msg, streamHandler)
		}()
	case handler != nil:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handle(msg, handler)
		}()
	default:
		m.logger.Debug("No handler for message", zap.String("message_type", msg.MessageType))
	}
}

// idRing is a fixed-size set of ids that evicts the oldest first.
type idRing struct {
	ids  []string
	next int
	set  map[string]struct{}
}

func newIDRing(size int) *idRing {
	return &idRing{ids: make([]string, size), set: make(map[string]struct{}, size)}
}

func (r *idRing) add(id string) {
	if _, ok := r.set[id]; ok {
		return
	}
	if old := r.ids[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ids[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
}

func (r *idRing) has(id string) bool {
	_, ok := r.set[id]
	return ok
}

func (m *Messenger) handle(msg *protocol.Message, h Handler) {
	ctx := context.WithValue(m.ctx, logger.MessageIDKey, msg.MessageID)

	var result *protocol.Result
	content, err := h(ctx, msg)
	if err != nil {
		m.logger.WithContext(ctx).Warn("Handler failed",
			zap.String("message_type", msg.MessageType), zap.Error(err))
		result = protocol.ErrorResult(errorCode(err), err.Error())
	} else {
		result, err = protocol.SuccessResult(content)
		if err != nil {
			result = protocol.ErrorResult(apperrors.ErrCodeInternal, fmt.Sprintf("encode result: %v", err))
		}
	}

	if err := m.Respond(ctx, msg.MessageType, result, msg.MessageID); err != nil {
		m.logger.WithContext(ctx).Error("Failed to respond",
			zap.String("message_type", msg.MessageType), zap.Error(err))
	}
}

// errorCode maps a handler error to its wire code. A handler stopped by
// cancellation without its own code reports CANCELED.
func errorCode(err error) string {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) && errors.Is(err, context.Canceled) {
		err = apperrors.Canceled("request canceled", err)
	}
	return apperrors.Code(err)
}

func (m *Messenger) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close stops routing, cancels running handlers and waits for them.
func (m *Messenger) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	unsubscribe := m.unsubscribe
	m.mu.Unlock()

	m.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	m.wg.Wait()
	return nil
}
