package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/pkg/protocol"
)

// StdioBridge is a Bridge speaking newline-delimited JSON over a reader and
// writer, as an editor extension host does when it spawns this process.
// Like the editor APIs it stands in for, it has no handler removal.
type StdioBridge struct {
	in     io.Reader
	out    io.Writer
	logger *logger.Logger

	writeMu  sync.Mutex
	mu       sync.RWMutex
	handlers []func(*protocol.Message)
}

// NewStdioBridge creates a bridge reading from in and writing to out.
func NewStdioBridge(in io.Reader, out io.Writer, log *logger.Logger) *StdioBridge {
	return &StdioBridge{
		in:     in,
		out:    out,
		logger: log.WithFields(zap.String("component", "stdio-bridge")),
	}
}

func (s *StdioBridge) PostMessage(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.out.Write(data)
	return err
}

func (s *StdioBridge) OnDidReceiveMessage(fn func(*protocol.Message)) {
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

// Run reads messages until EOF or ctx is done.
func (s *StdioBridge) Run(ctx context.Context) error {
	lines := make(chan []byte)
	errCh := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			var msg protocol.Message
			if err := json.Unmarshal(line, &msg); err != nil {
				s.logger.Warn("Dropping malformed line", zap.Error(err))
				continue
			}
			if err := msg.Validate(); err != nil {
				s.logger.Warn("Dropping invalid message", zap.Error(err))
				continue
			}
			s.dispatch(&msg)
		}
	}
}

func (s *StdioBridge) dispatch(msg *protocol.Message) {
	s.mu.RLock()
	handlers := make([]func(*protocol.Message), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
}
