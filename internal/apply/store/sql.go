package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/kandev/codepilot/internal/common/errors"
	"github.com/kandev/codepilot/internal/db"
	"github.com/kandev/codepilot/pkg/protocol"
)

const defaultListLimit = 50

type sqlRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Repository = (*sqlRepository)(nil)

// NewRepository creates the schema if needed and returns a repository on pool.
func NewRepository(pool *db.Pool) (Repository, error) {
	repo := &sqlRepository{db: pool.Writer(), ro: pool.Reader()}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *sqlRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS apply_sessions (
		stream_id TEXT PRIMARY KEY,
		filepath TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		num_diffs INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_apply_sessions_updated_at ON apply_sessions(updated_at);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *sqlRepository) Save(ctx context.Context, state protocol.ApplyState) error {
	if state.StreamID == "" {
		return apperrors.BadRequest("streamId is required")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current Session
	err = tx.GetContext(ctx, &current, tx.Rebind(
		`SELECT stream_id, filepath, tool_call_id, status, num_diffs, created_at, updated_at
		 FROM apply_sessions WHERE stream_id = ?`), state.StreamID)
	now := time.Now().UTC()

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO apply_sessions (stream_id, filepath, tool_call_id, status, num_diffs, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			state.StreamID, state.Filepath, state.ToolCallID, string(state.Status), state.NumDiffs, now, now)
	case err != nil:
		return err
	default:
		if !state.Status.CanFollow(current.Status) {
			return fmt.Errorf("%w: %s after %s", ErrStaleStatus, state.Status, current.Status)
		}
		filepath := current.Filepath
		if state.Filepath != "" {
			filepath = state.Filepath
		}
		toolCallID := current.ToolCallID
		if state.ToolCallID != "" {
			toolCallID = state.ToolCallID
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE apply_sessions SET filepath = ?, tool_call_id = ?, status = ?, num_diffs = ?, updated_at = ?
			WHERE stream_id = ?`),
			filepath, toolCallID, string(state.Status), state.NumDiffs, now, state.StreamID)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqlRepository) Get(ctx context.Context, streamID string) (*Session, error) {
	var s Session
	err := r.ro.GetContext(ctx, &s, r.ro.Rebind(
		`SELECT stream_id, filepath, tool_call_id, status, num_diffs, created_at, updated_at
		 FROM apply_sessions WHERE stream_id = ?`), streamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("apply session", streamID)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sqlRepository) ListRecent(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var sessions []*Session
	err := r.ro.SelectContext(ctx, &sessions, r.ro.Rebind(
		`SELECT stream_id, filepath, tool_call_id, status, num_diffs, created_at, updated_at
		 FROM apply_sessions ORDER BY updated_at DESC, stream_id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
