package tests

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/devicelink/server/internal/db"
)

// OpenPostgres connects to databaseURL and applies the embedded migrations.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*sql.DB, error) {
	database, err := db.Open(ctx, databaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, database, db.DialectPostgres); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

// TruncateLinkTables empties the link service tables for a clean test state.
func TruncateLinkTables(ctx context.Context, database *sql.DB) error {
	_, err := database.ExecContext(ctx, "TRUNCATE TABLE link_requests, devices, users CASCADE")
	if err != nil {
		return fmt.Errorf("truncate link tables: %w", err)
	}
	return nil
}
