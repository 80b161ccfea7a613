package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Dialects understood by Migrate
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

// Migrate applies the embedded goose migrations for the given dialect.
// Each call builds its own goose provider, so concurrent calls do not share state.
func Migrate(ctx context.Context, database *sql.DB, dialect string) error {
	var (
		dir          string
		gooseDialect goose.Dialect
	)
	switch dialect {
	case DialectPostgres:
		dir, gooseDialect = "migrations/postgres", goose.DialectPostgres
	case DialectSQLite:
		dir, gooseDialect = "migrations/sqlite", goose.DialectSQLite3
	default:
		return fmt.Errorf("unsupported migration dialect %q", dialect)
	}

	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	// The provider does not own database; it is never closed here.
	provider, err := goose.NewProvider(gooseDialect, database, fsys)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if _, err := provider.Up(runCtx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
