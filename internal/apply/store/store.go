// Package store persists the history of apply sessions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kandev/codepilot/pkg/protocol"
)

// ErrStaleStatus is returned when a saved status would move a session backwards.
var ErrStaleStatus = errors.New("apply status does not follow the stored status")

// Session is the stored summary of one apply operation.
type Session struct {
	StreamID   string               `db:"stream_id" json:"streamId"`
	Filepath   string               `db:"filepath" json:"filepath,omitempty"`
	ToolCallID string               `db:"tool_call_id" json:"toolCallId,omitempty"`
	Status     protocol.ApplyStatus `db:"status" json:"status"`
	NumDiffs   int                  `db:"num_diffs" json:"numDiffs"`
	CreatedAt  time.Time            `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time            `db:"updated_at" json:"updatedAt"`
}

// Repository stores apply sessions keyed by stream id.
type Repository interface {
	// Save records state, creating the session on first sight.
	Save(ctx context.Context, state protocol.ApplyState) error
	Get(ctx context.Context, streamID string) (*Session, error)
	// ListRecent returns sessions by most recent update first.
	ListRecent(ctx context.Context, limit int) ([]*Session, error)
}
