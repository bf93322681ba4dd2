package host

import (
	"errors"

	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/apply"
	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/events/bus"
	"github.com/kandev/codepilot/internal/messenger"
	"github.com/kandev/codepilot/internal/transport"
)

// Session is one UI connection: a messenger with every handler registered
// and a forwarder pushing apply state to it.
type Session struct {
	Messenger *messenger.Messenger
	forwarder *apply.Forwarder
	logger    *logger.Logger
}

// Attach starts a session on t. Events published on eventBus after Attach
// returns reach the UI.
func Attach(t transport.Transport, eventBus bus.EventBus, deps Deps, log *logger.Logger, opts ...messenger.Option) (*Session, error) {
	m := messenger.New(t, log, opts...)
	NewHandlers(deps, log).RegisterHandlers(m)

	fwd := apply.NewForwarder(eventBus, m, log)
	if err := fwd.Start(); err != nil {
		_ = m.Close()
		return nil, err
	}
	log.Info("UI session attached", zap.String("transport", string(t.Kind())))
	return &Session{Messenger: m, forwarder: fwd, logger: log}, nil
}

// Close stops forwarding and closes the messenger.
func (s *Session) Close() error {
	err := errors.Join(s.forwarder.Stop(), s.Messenger.Close())
	s.logger.Info("UI session closed")
	return err
}
