package apply

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/apply/store"
	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/events"
	"github.com/kandev/codepilot/internal/events/bus"
	"github.com/kandev/codepilot/pkg/protocol"
)

// maxTrackedStreams bounds the per-stream status memory. Closed streams are
// forgotten first.
const maxTrackedStreams = 4096

// Poster sends a notification to the UI.
type Poster interface {
	Post(ctx context.Context, messageType string, data any, messageID string) error
}

// Forwarder pushes apply state and UI context events from the bus to one UI
// connection. Status for a stream only moves forward; a regression is
// dropped with a warning.
type Forwarder struct {
	bus    bus.EventBus
	ui     Poster
	logger *logger.Logger

	mu   sync.Mutex
	last map[string]protocol.ApplyStatus
	subs []bus.Subscription
}

// NewForwarder creates a forwarder for ui. Call Start to subscribe.
func NewForwarder(eventBus bus.EventBus, ui Poster, log *logger.Logger) *Forwarder {
	return &Forwarder{
		bus:    eventBus,
		ui:     ui,
		logger: log.WithFields(zap.String("component", "apply-forwarder")),
		last:   make(map[string]protocol.ApplyStatus),
	}
}

// Start subscribes to the apply state and UI context subjects.
func (f *Forwarder) Start() error {
	stateSub, err := f.bus.Subscribe(events.ApplyStateSubject, f.handleApplyState)
	if err != nil {
		return err
	}
	contextSub, err := f.bus.Subscribe(events.UIContextSubject, f.handleUIContext)
	if err != nil {
		_ = stateSub.Unsubscribe()
		return err
	}
	f.mu.Lock()
	f.subs = append(f.subs, stateSub, contextSub)
	f.mu.Unlock()
	return nil
}

// Stop unsubscribes from the bus.
func (f *Forwarder) Stop() error {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Forwarder) handleApplyState(ctx context.Context, event *bus.Event) error {
	var state protocol.ApplyState
	if err := event.Decode(&state); err != nil {
		return err
	}
	if !f.advance(state) {
		f.logger.Warn("Dropping out of order apply state",
			zap.String("stream_id", state.StreamID),
			zap.String("status", string(state.Status)))
		return nil
	}
	return f.ui.Post(ctx, protocol.TypeUpdateApplyState, state, "")
}

// advance records state.Status for its stream if it may follow the last one.
func (f *Forwarder) advance(state protocol.ApplyState) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, seen := f.last[state.StreamID]
	if seen && !state.Status.CanFollow(prev) {
		return false
	}
	if !seen && len(f.last) >= maxTrackedStreams {
		f.forgetClosedLocked()
	}
	f.last[state.StreamID] = state.Status
	return true
}

func (f *Forwarder) forgetClosedLocked() {
	for id, status := range f.last {
		if status == protocol.ApplyStatusClosed {
			delete(f.last, id)
		}
	}
}

func (f *Forwarder) handleUIContext(ctx context.Context, event *bus.Event) error {
	var payload protocol.SetContextPayload
	if err := event.Decode(&payload); err != nil {
		return err
	}
	return f.ui.Post(ctx, protocol.TypeSetContext, payload, "")
}

// Recorder persists apply state events to the history store.
type Recorder struct {
	repo   store.Repository
	logger *logger.Logger
	sub    bus.Subscription
}

// NewRecorder subscribes repo to apply state events on eventBus.
func NewRecorder(eventBus bus.EventBus, repo store.Repository, log *logger.Logger) (*Recorder, error) {
	r := &Recorder{repo: repo, logger: log.WithFields(zap.String("component", "apply-recorder"))}
	sub, err := eventBus.Subscribe(events.ApplyStateSubject, r.handle)
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

func (r *Recorder) handle(ctx context.Context, event *bus.Event) error {
	var state protocol.ApplyState
	if err := event.Decode(&state); err != nil {
		return err
	}
	if state.StreamID == "" {
		return nil
	}
	err := r.repo.Save(ctx, state)
	if errors.Is(err, store.ErrStaleStatus) {
		r.logger.Debug("Skipping stale apply state",
			zap.String("stream_id", state.StreamID),
			zap.String("status", string(state.Status)))
		return nil
	}
	return err
}

// Stop unsubscribes the recorder.
func (r *Recorder) Stop() error {
	return r.sub.Unsubscribe()
}
