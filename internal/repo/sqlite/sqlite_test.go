package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/devicelink/server/internal/db"
	"github.com/devicelink/server/internal/model"
	"github.com/devicelink/server/internal/repo"
	"github.com/devicelink/server/internal/repo/repotest"
	"github.com/devicelink/server/internal/repo/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "devicelink.db")

	database, err := db.OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, database, db.DialectSQLite))

	s := sqlite.New(database, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repo.Store { return newStore(t) })
}

func TestPing(t *testing.T) {
	assert.NoError(t, newStore(t).Ping(context.Background()))
}

func TestMigrateTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "twice.db")

	database, err := db.OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, db.Migrate(ctx, database, db.DialectSQLite))
	require.NoError(t, db.Migrate(ctx, database, db.DialectSQLite))
}

func TestForeignKeysEnforced(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()

	l := &model.LinkRequest{
		ID:         model.LinkIDPrefix + uuid.NewString(),
		Code:       "AB3X9Q",
		DeviceName: "PC",
		Platform:   model.PlatformLinux,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Minute),
	}
	require.NoError(t, s.Links().Create(ctx, l))

	// no such user: the device insert fails and the request stays pending
	d := model.Device{ID: uuid.New(), UserID: "ghost", Name: "PC", Platform: model.PlatformLinux, TokenHash: "h", LinkedAt: now}
	_, err := s.Links().Approve(ctx, l.ID, d, "token", now)
	require.Error(t, err)
	assert.NotErrorIs(t, err, repo.ErrConflict)

	got, err := s.Links().GetByID(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LinkStatusPending, got.Status)
}

func TestTimesSurviveNonUTCInput(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	zone := time.FixedZone("UTC+5", 5*60*60)
	created := time.Date(2030, 1, 1, 17, 0, 0, 123456789, zone)

	l := &model.LinkRequest{
		ID:         model.LinkIDPrefix + uuid.NewString(),
		Code:       "AB3X9Q",
		DeviceName: "PC",
		Platform:   model.PlatformLinux,
		CreatedAt:  created,
		ExpiresAt:  created.Add(10 * time.Minute),
	}
	require.NoError(t, s.Links().Create(ctx, l))

	got, err := s.Links().GetByID(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(created))

	// comparisons run on the normalized text form
	n, err := s.Links().ExpirePending(ctx, time.Date(2030, 1, 1, 12, 10, 0, 123456789, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
