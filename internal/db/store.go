package db

import (
	"context"
	"log/slog"

	"github.com/devicelink/server/internal/config"
	"github.com/devicelink/server/internal/repo"
	"github.com/devicelink/server/internal/repo/memory"
	"github.com/devicelink/server/internal/repo/sqlite"
)

// OpenStore opens the backend named by cfg.StoreDriver and applies its migrations
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; pairing state is lost on restart")
		return memory.New(), nil

	case config.DriverSQLite:
		database, err := OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		if err := Migrate(ctx, database, DialectSQLite); err != nil {
			_ = database.Close()
			return nil, err
		}
		return sqlite.New(database, logger), nil

	default:
		database, err := Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := Migrate(ctx, database, DialectPostgres); err != nil {
			_ = database.Close()
			return nil, err
		}
		return repo.NewPostgresStore(database), nil
	}
}
