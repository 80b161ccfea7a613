package tests

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/devicelink/server/internal/repo"
	"github.com/devicelink/server/internal/repo/repotest"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPostgresStore(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	database, err := OpenPostgres(ctx, os.Getenv("DATABASE_URL"), quietLogger())
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	repotest.Run(t, func(t *testing.T) repo.Store {
		require.NoError(t, TruncateLinkTables(ctx, database), "truncate link tables")
		return repo.NewPostgresStore(database)
	})
}
