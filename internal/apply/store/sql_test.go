package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/codepilot/internal/common/config"
	apperrors "github.com/kandev/codepilot/internal/common/errors"
	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/db"
	"github.com/kandev/codepilot/pkg/protocol"
)

func newTestRepository(t *testing.T) Repository {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	pool, cleanup, err := db.Provide(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "history.db"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	repo, err := NewRepository(pool)
	require.NoError(t, err)
	return repo
}

func TestRepository_Save(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.Save(ctx, protocol.ApplyState{
		StreamID:   "s1",
		Status:     protocol.ApplyStatusStreaming,
		Filepath:   "/tmp/a.go",
		ToolCallID: "call-1",
	}))
	require.NoError(t, repo.Save(ctx, protocol.ApplyState{StreamID: "s1", Status: protocol.ApplyStatusDone, NumDiffs: 3}))

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, protocol.ApplyStatusDone, got.Status)
	assert.Equal(t, 3, got.NumDiffs)
	assert.Equal(t, "/tmp/a.go", got.Filepath, "an empty filepath keeps the stored one")
	assert.Equal(t, "call-1", got.ToolCallID)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	t.Run("status never moves backwards", func(t *testing.T) {
		err := repo.Save(ctx, protocol.ApplyState{StreamID: "s1", Status: protocol.ApplyStatusStreaming})
		assert.ErrorIs(t, err, ErrStaleStatus)

		require.NoError(t, repo.Save(ctx, protocol.ApplyState{StreamID: "s1", Status: protocol.ApplyStatusClosed}))
		err = repo.Save(ctx, protocol.ApplyState{StreamID: "s1", Status: protocol.ApplyStatusClosed})
		assert.ErrorIs(t, err, ErrStaleStatus)

		got, err := repo.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, protocol.ApplyStatusClosed, got.Status)
	})

	t.Run("stream id is required", func(t *testing.T) {
		err := repo.Save(ctx, protocol.ApplyState{Status: protocol.ApplyStatusDone})
		assert.True(t, apperrors.IsBadRequest(err))
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := repo.Get(ctx, "nope")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestRepository_ListRecent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Save(ctx, protocol.ApplyState{StreamID: id, Status: protocol.ApplyStatusStreaming}))
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, repo.Save(ctx, protocol.ApplyState{StreamID: "a", Status: protocol.ApplyStatusDone}))

	sessions, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].StreamID)
	assert.Equal(t, "c", sessions[1].StreamID)

	all, err := repo.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
