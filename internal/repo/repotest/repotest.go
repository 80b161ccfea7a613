// Package repotest holds the behaviour every repo.Store backend must share.
// Backends call Run from their own tests.
package repotest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devicelink/server/internal/model"
	"github.com/devicelink/server/internal/repo"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty, migrated store. It registers its own cleanup.
type Factory func(t *testing.T) repo.Store

var base = time.Date(2030, 3, 14, 12, 0, 0, 0, time.UTC)

// Run executes the contract suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("CreateAndLookup", func(t *testing.T) { testCreateAndLookup(t, newStore(t)) })
	t.Run("PendingCodeIsUnique", func(t *testing.T) { testPendingCodeIsUnique(t, newStore(t)) })
	t.Run("Approve", func(t *testing.T) { testApprove(t, newStore(t)) })
	t.Run("ApproveRejectsNonPending", func(t *testing.T) { testApproveRejectsNonPending(t, newStore(t)) })
	t.Run("ClaimTokenOnce", func(t *testing.T) { testClaimTokenOnce(t, newStore(t)) })
	t.Run("ClaimTokenConcurrent", func(t *testing.T) { testClaimTokenConcurrent(t, newStore(t)) })
	t.Run("Sweep", func(t *testing.T) { testSweep(t, newStore(t)) })
	t.Run("Devices", func(t *testing.T) { testDevices(t, newStore(t)) })
}

func assertTime(t *testing.T, want time.Time, got time.Time, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, want.Equal(got), append([]any{"want %s, got %s", want, got}, msgAndArgs...)...)
}

func newCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}

func seedUser(t *testing.T, s repo.Store, id string) model.User {
	t.Helper()
	u, err := s.Users().Upsert(context.Background(), model.User{ID: id, Email: id + "@example.com", DisplayName: "User " + id})
	require.NoError(t, err)
	return u
}

func newLink(code string, createdAt time.Time) *model.LinkRequest {
	version := "2.0.1"
	return &model.LinkRequest{
		ID:         model.LinkIDPrefix + uuid.NewString(),
		Code:       code,
		DeviceName: "Work Laptop",
		Platform:   model.PlatformWindows,
		AppVersion: &version,
		CreatedAt:  createdAt,
		ExpiresAt:  createdAt.Add(10 * time.Minute),
	}
}

func createLink(t *testing.T, s repo.Store, createdAt time.Time) *model.LinkRequest {
	t.Helper()
	l := newLink(newCode(), createdAt)
	require.NoError(t, s.Links().Create(context.Background(), l))
	return l
}

func newDevice(userID string, linkedAt time.Time) model.Device {
	return model.Device{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      "Work Laptop",
		Platform:  model.PlatformWindows,
		TokenHash: strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", ""),
		LinkedAt:  linkedAt,
	}
}

func approve(t *testing.T, s repo.Store, l *model.LinkRequest, userID string, at time.Time) (model.Device, string) {
	t.Helper()
	d := newDevice(userID, at)
	token := "token-" + uuid.NewString()
	_, err := s.Links().Approve(context.Background(), l.ID, d, token, at)
	require.NoError(t, err)
	return d, token
}

func testUsers(t *testing.T, s repo.Store) {
	ctx := context.Background()

	_, err := s.Users().GetByID(ctx, "nobody")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	created := seedUser(t, s, "42")
	assert.Equal(t, "42", created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	updated, err := s.Users().Upsert(ctx, model.User{ID: "42", Email: "new@example.com", DisplayName: "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", updated.Email)
	assertTime(t, created.CreatedAt, updated.CreatedAt, "upsert keeps created_at")

	got, err := s.Users().GetByID(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.DisplayName)
}

func testCreateAndLookup(t *testing.T, s repo.Store) {
	ctx := context.Background()
	l := createLink(t, s, base)
	assert.Equal(t, model.LinkStatusPending, l.Status)

	byID, err := s.Links().GetByID(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.Code, byID.Code)
	assert.Equal(t, model.LinkStatusPending, byID.Status)
	assert.Equal(t, model.PlatformWindows, byID.Platform)
	require.NotNil(t, byID.AppVersion)
	assert.Equal(t, "2.0.1", *byID.AppVersion)
	assert.Nil(t, byID.Fingerprint)
	assert.Nil(t, byID.UserID)
	assert.Nil(t, byID.DeviceID)
	assert.Nil(t, byID.PendingToken)
	assertTime(t, l.ExpiresAt, byID.ExpiresAt)

	byCode, err := s.Links().GetByCode(ctx, l.Code)
	require.NoError(t, err)
	assert.Equal(t, l.ID, byCode.ID)

	_, err = s.Links().GetByID(ctx, "link_missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = s.Links().GetByCode(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func testPendingCodeIsUnique(t *testing.T, s repo.Store) {
	ctx := context.Background()
	code := newCode()

	first := newLink(code, base)
	require.NoError(t, s.Links().Create(ctx, first))
	err := s.Links().Create(ctx, newLink(code, base.Add(time.Second)))
	assert.ErrorIs(t, err, repo.ErrCodeTaken)

	// once expired the code is free again, and lookups prefer the pending holder
	require.NoError(t, s.Links().MarkExpired(ctx, first.ID))
	require.NoError(t, s.Links().MarkExpired(ctx, first.ID), "MarkExpired is idempotent")
	second := newLink(code, base.Add(-time.Hour))
	require.NoError(t, s.Links().Create(ctx, second))

	got, err := s.Links().GetByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	// without a pending holder the most recent request wins
	require.NoError(t, s.Links().MarkExpired(ctx, second.ID))
	got, err = s.Links().GetByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, model.LinkStatusExpired, got.Status)
}

func testApprove(t *testing.T, s repo.Store) {
	ctx := context.Background()
	seedUser(t, s, "42")
	l := createLink(t, s, base)
	at := base.Add(time.Minute)

	d := newDevice("42", at)
	got, err := s.Links().Approve(ctx, l.ID, d, "plain-token", at)
	require.NoError(t, err)
	assert.Equal(t, model.LinkStatusApproved, got.Status)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "42", *got.UserID)
	require.NotNil(t, got.DeviceID)
	assert.Equal(t, d.ID, *got.DeviceID)
	require.NotNil(t, got.PendingToken)
	assert.Equal(t, "plain-token", *got.PendingToken)
	require.NotNil(t, got.ApprovedAt)
	assertTime(t, at, *got.ApprovedAt)

	stored, err := s.Devices().GetByTokenHash(ctx, d.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, d.ID, stored.ID)
	assert.Equal(t, "42", stored.UserID)
	assertTime(t, at, stored.LinkedAt)
	require.NotNil(t, stored.LastSeenAt)
	assertTime(t, at, *stored.LastSeenAt)
}

func testApproveRejectsNonPending(t *testing.T, s repo.Store) {
	ctx := context.Background()
	seedUser(t, s, "42")

	// second approval loses and leaves no device behind
	l := createLink(t, s, base)
	approve(t, s, l, "42", base.Add(time.Minute))
	loser := newDevice("42", base.Add(2*time.Minute))
	_, err := s.Links().Approve(ctx, l.ID, loser, "other-token", base.Add(2*time.Minute))
	assert.ErrorIs(t, err, repo.ErrConflict)
	_, err = s.Devices().GetByTokenHash(ctx, loser.TokenHash)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	// deadline reached
	late := createLink(t, s, base)
	d := newDevice("42", late.ExpiresAt)
	_, err = s.Links().Approve(ctx, late.ID, d, "late-token", late.ExpiresAt)
	assert.ErrorIs(t, err, repo.ErrConflict)
	_, err = s.Devices().GetByTokenHash(ctx, d.TokenHash)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	// already expired
	expired := createLink(t, s, base)
	require.NoError(t, s.Links().MarkExpired(ctx, expired.ID))
	_, err = s.Links().Approve(ctx, expired.ID, newDevice("42", base), "t", base)
	assert.ErrorIs(t, err, repo.ErrConflict)

	got, err := s.Links().GetByID(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LinkStatusExpired, got.Status)
}

func testClaimTokenOnce(t *testing.T, s repo.Store) {
	ctx := context.Background()
	seedUser(t, s, "42")
	l := createLink(t, s, base)

	_, err := s.Links().ClaimToken(ctx, l.ID, base)
	assert.ErrorIs(t, err, repo.ErrAlreadyClaimed, "pending request has no token")

	_, token := approve(t, s, l, "42", base.Add(time.Minute))
	claimedAt := base.Add(2 * time.Minute)
	got, err := s.Links().ClaimToken(ctx, l.ID, claimedAt)
	require.NoError(t, err)
	assert.Equal(t, token, got)

	_, err = s.Links().ClaimToken(ctx, l.ID, claimedAt)
	assert.ErrorIs(t, err, repo.ErrAlreadyClaimed)

	stored, err := s.Links().GetByID(ctx, l.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PendingToken)
	assert.Equal(t, model.LinkStatusApproved, stored.Status)
	require.NotNil(t, stored.TokenClaimedAt)
	assertTime(t, claimedAt, *stored.TokenClaimedAt)

	_, err = s.Links().ClaimToken(ctx, "link_missing", claimedAt)
	assert.ErrorIs(t, err, repo.ErrAlreadyClaimed)
}

func testClaimTokenConcurrent(t *testing.T, s repo.Store) {
	ctx := context.Background()
	seedUser(t, s, "42")

	for round := 0; round < 20; round++ {
		l := createLink(t, s, base)
		_, token := approve(t, s, l, "42", base.Add(time.Minute))

		const n = 8
		var winners atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				got, err := s.Links().ClaimToken(ctx, l.ID, base.Add(2*time.Minute))
				if err == nil {
					assert.Equal(t, token, got)
					winners.Add(1)
					return
				}
				assert.ErrorIs(t, err, repo.ErrAlreadyClaimed)
			}()
		}
		close(start)
		wg.Wait()
		require.EqualValues(t, 1, winners.Load(), "round %d", round)
	}
}

func testSweep(t *testing.T, s repo.Store) {
	ctx := context.Background()
	seedUser(t, s, "42")

	pending := createLink(t, s, base)
	unclaimed := createLink(t, s, base)
	approve(t, s, unclaimed, "42", base.Add(time.Minute))
	recent := createLink(t, s, base.Add(time.Hour))

	n, err := s.Links().ExpirePending(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Links().ExpirePending(ctx, pending.ExpiresAt)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, err := s.Links().GetByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LinkStatusExpired, got.Status)

	n, err = s.Links().ClearUnclaimedTokens(ctx, unclaimed.ExpiresAt.Add(-time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.Links().ClearUnclaimedTokens(ctx, unclaimed.ExpiresAt)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, err = s.Links().GetByID(ctx, unclaimed.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PendingToken)
	assert.Equal(t, model.LinkStatusApproved, got.Status)

	n, err = s.Links().DeleteCreatedBefore(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	_, err = s.Links().GetByID(ctx, pending.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = s.Links().GetByID(ctx, recent.ID)
	assert.NoError(t, err)

	// the freed code of a deleted request can be used again
	reuse := newLink(pending.Code, base.Add(2*time.Hour))
	assert.NoError(t, s.Links().Create(ctx, reuse))
}

func testDevices(t *testing.T, s repo.Store) {
	ctx := context.Background()
	seedUser(t, s, "42")
	seedUser(t, s, "7")

	older, _ := approve(t, s, createLink(t, s, base), "42", base.Add(time.Minute))
	newer, _ := approve(t, s, createLink(t, s, base), "42", base.Add(2*time.Minute))
	approve(t, s, createLink(t, s, base), "7", base.Add(3*time.Minute))

	list, err := s.Devices().ListByUser(ctx, "42")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)

	empty, err := s.Devices().ListByUser(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	seen := base.Add(time.Hour)
	require.NoError(t, s.Devices().TouchLastSeen(ctx, older.ID, seen))
	got, err := s.Devices().GetByTokenHash(ctx, older.TokenHash)
	require.NoError(t, err)
	require.NotNil(t, got.LastSeenAt)
	assertTime(t, seen, *got.LastSeenAt)

	assert.ErrorIs(t, s.Devices().TouchLastSeen(ctx, uuid.New(), seen), repo.ErrNotFound)
	_, err = s.Devices().GetByTokenHash(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
