package memory

import (
	"context"
	"testing"
	"time"

	"github.com/devicelink/server/internal/model"
	"github.com/devicelink/server/internal/repo"
	"github.com/devicelink/server/internal/repo/repotest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreContract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repo.Store { return New() })
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
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

	d := model.Device{ID: uuid.New(), UserID: "42", TokenHash: "hash", LinkedAt: now}
	approved, err := s.Links().Approve(ctx, l.ID, d, "secret", now)
	require.NoError(t, err)

	// mutating a returned value must not reach the store
	*approved.PendingToken = "tampered"
	got, err := s.Links().GetByID(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", *got.PendingToken)

	dev, err := s.Devices().GetByTokenHash(ctx, "hash")
	require.NoError(t, err)
	later := now.Add(time.Hour)
	*dev.LastSeenAt = later
	dev, err = s.Devices().GetByTokenHash(ctx, "hash")
	require.NoError(t, err)
	assert.True(t, dev.LastSeenAt.Equal(now))
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	l := &model.LinkRequest{ID: "link_1", Code: "AAAAAA", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, s.Links().Create(ctx, l))

	dup := *l
	dup.Code = "BBBBBB"
	assert.ErrorIs(t, s.Links().Create(ctx, &dup), repo.ErrConflict)
}
