package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/common/config"
	"github.com/kandev/codepilot/internal/common/logger"
)

// Provide opens the configured database.
func Provide(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Pool, func() error, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool := NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
		log.Info("Database initialized", zap.String("db_path", cfg.Path), zap.String("db_driver", "sqlite"))
		cleanup := func() error {
			_, _ = writer.Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case "postgres":
		conn, err := OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		pool := NewPool(conn, conn)
		log.Info("Database initialized",
			zap.String("db_host", cfg.Host),
			zap.String("db_name", cfg.DBName),
			zap.String("db_driver", "postgres"))
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
