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

	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/pkg/protocol"
)

// abortTimeout bounds delivery of the abort message after cancellation.
const abortTimeout = 5 * time.Second

// StreamError is a terminal failure reported by the producer.
type StreamError struct {
	MessageType string
	Message     string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream failed: %s", e.MessageType, e.Message)
}

// StreamHandler produces a stream for one inbound request. Each call to
// yield sends one value; the returned value completes the stream. ctx is
// cancelled when the requester aborts.
type StreamHandler func(ctx context.Context, msg *protocol.Message, yield func(v any) error) (any, error)

// OnStream registers h as the producer for messageType.
func (m *Messenger) OnStream(messageType string, h StreamHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamHandlers[messageType] = h
}

func (m *Messenger) produce(msg *protocol.Message, h StreamHandler) {
	ctx, cancel := context.WithCancel(context.WithValue(m.ctx, logger.MessageIDKey, msg.MessageID))
	defer cancel()

	m.mu.Lock()
	m.producers[msg.MessageID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.producers, msg.MessageID)
		m.mu.Unlock()
	}()

	log := m.logger.WithContext(ctx).WithFields(zap.String("message_type", msg.MessageType))

	// Chunks go out on a context that survives abort so the final done
	// chunk can still be delivered.
	sendCtx := context.WithoutCancel(ctx)
	sendChunk := func(chunk protocol.StreamChunk) error {
		return m.Post(sendCtx, msg.MessageType, chunk, msg.MessageID)
	}

	yield := func(v any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode stream value: %w", err)
		}
		return sendChunk(protocol.StreamChunk{Content: raw})
	}

	ret, err := h(ctx, msg, yield)

	var final protocol.StreamChunk
	switch {
	case err != nil && ctx.Err() != nil:
		log.Debug("Stream producer stopped after abort")
		final = protocol.StreamChunk{Done: true}
	case err != nil:
		log.Warn("Stream producer failed", zap.Error(err))
		final = protocol.StreamChunk{Error: err.Error()}
	default:
		raw, encErr := json.Marshal(ret)
		if encErr != nil {
			final = protocol.StreamChunk{Error: fmt.Sprintf("encode stream result: %v", encErr)}
		} else {
			final = protocol.StreamChunk{Done: true, Content: raw}
		}
	}
	if err := sendChunk(final); err != nil {
		log.Error("Failed to send final stream chunk", zap.Error(err))
	}
}

// Stream consumes the chunks of one streaming request. Values are batched
// per poll tick. A Stream is not restartable.
//
// The consumer polls its buffer every poll interval instead of being woken
// by the transport, since not every transport can signal arrival.
type Stream[T, R any] struct {
	m           *Messenger
	ctx         context.Context
	id          string
	messageType string
	span        trace.Span
	unsubscribe func()

	mu        sync.Mutex
	buffer    []json.RawMessage
	index     int
	done      bool
	ret       json.RawMessage
	streamErr error
	terminal  bool

	batch     []T
	result    R
	hasResult bool
	err       error
	finished  bool
}

// StreamRequest sends one request and returns the consumer of its chunks.
// Cancelling ctx sends an abort message carrying the request id and stops
// consumption.
func StreamRequest[T, R any](ctx context.Context, m *Messenger, messageType string, data any) (*Stream[T, R], error) {
	msg, err := protocol.NewMessage(messageType, data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", messageType, err)
	}

	ctx, span := m.tracer.Start(ctx, "messenger.stream_request",
		trace.WithAttributes(
			attribute.String("message.type", messageType),
			attribute.String("message.id", msg.MessageID)))

	s := &Stream[T, R]{
		m:           m,
		ctx:         ctx,
		id:          msg.MessageID,
		messageType: messageType,
		span:        span,
	}

	if err := m.track(s.id); err != nil {
		span.End()
		return nil, err
	}
	s.unsubscribe = m.transport.Listen(s.receive)

	if err := m.send(ctx, msg); err != nil {
		s.finish(err)
		return nil, err
	}
	return s, nil
}

func (s *Stream[T, R]) receive(msg *protocol.Message) {
	if msg.MessageID != s.id || msg.MessageType == protocol.TypeAbort {
		return
	}

	var chunk protocol.StreamChunk
	parseErr := msg.ParseData(&chunk)

	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	switch {
	case parseErr != nil:
		s.streamErr = fmt.Errorf("decode %s chunk: %w", s.messageType, parseErr)
		s.terminal = true
	case chunk.IsError():
		s.streamErr = &StreamError{MessageType: s.messageType, Message: chunk.Error}
		s.terminal = true
	case chunk.Done:
		s.done = true
		s.ret = chunk.Content
		s.terminal = true
	default:
		s.buffer = append(s.buffer, chunk.Content)
	}
	terminal := s.terminal
	s.mu.Unlock()

	if terminal {
		s.unsubscribe()
	}
}

// Next waits for the next batch. It returns false when the stream has
// completed, failed, or been cancelled; check Err afterwards.
func (s *Stream[T, R]) Next() bool {
	if s.finished {
		return false
	}

	for {
		if err := s.ctx.Err(); err != nil {
			s.abort()
			s.finish(err)
			return false
		}

		s.mu.Lock()
		if s.streamErr != nil {
			err := s.streamErr
			s.mu.Unlock()
			s.finish(err)
			return false
		}
		if len(s.buffer) > s.index {
			pending := s.buffer[s.index:]
			s.index = len(s.buffer)
			s.mu.Unlock()

			batch, err := decodeBatch[T](pending)
			if err != nil {
				s.finish(fmt.Errorf("decode %s value: %w", s.messageType, err))
				return false
			}
			s.batch = batch
			return true
		}
		if s.done {
			ret := s.ret
			s.mu.Unlock()

			if len(ret) > 0 && string(ret) != "null" {
				if err := json.Unmarshal(ret, &s.result); err != nil {
					s.finish(fmt.Errorf("decode %s result: %w", s.messageType, err))
					return false
				}
			}
			s.hasResult = true
			s.finish(nil)
			return false
		}
		s.mu.Unlock()

		timer := time.NewTimer(s.m.pollInterval)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.abort()
			s.finish(s.ctx.Err())
			return false
		case <-s.m.ctx.Done():
			timer.Stop()
			s.finish(ErrClosed)
			return false
		case <-timer.C:
		}
	}
}

func decodeBatch[T any](raw []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Batch returns the values delivered by the last successful Next.
func (s *Stream[T, R]) Batch() []T {
	return s.batch
}

// Err returns the failure that ended the stream, if any.
func (s *Stream[T, R]) Err() error {
	return s.err
}

// Result returns the producer's return value once the stream completed.
func (s *Stream[T, R]) Result() (R, bool) {
	return s.result, s.hasResult
}

// Collect drains the stream, returning every value and the result.
func (s *Stream[T, R]) Collect() ([]T, R, error) {
	var all []T
	for s.Next() {
		all = append(all, s.Batch()...)
	}
	return all, s.result, s.err
}

// Close abandons the stream, aborting the producer if it is still running.
func (s *Stream[T, R]) Close() {
	if s.finished {
		return
	}
	s.abort()
	s.finish(context.Canceled)
}

func (s *Stream[T, R]) abort() {
	s.mu.Lock()
	alreadyTerminal := s.terminal
	s.terminal = true
	s.mu.Unlock()
	if alreadyTerminal {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), abortTimeout)
	defer cancel()
	if err := s.m.Post(ctx, protocol.TypeAbort, nil, s.id); err != nil && !errors.Is(err, ErrClosed) {
		s.m.logger.Warn("Failed to send abort",
			zap.String("message_id", s.id), zap.Error(err))
	}
}

func (s *Stream[T, R]) finish(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	s.batch = nil
	s.unsubscribe()
	s.m.untrack(s.id)
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
