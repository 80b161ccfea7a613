package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devicelink/server/internal/model"
	"github.com/devicelink/server/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_Sweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sweeper := NewSweeper(f.store.Links(), SweeperConfig{Now: f.clock.Now})

	pending := f.create(t)
	approved, polled := f.completeAndPoll(t)
	require.NotEmpty(t, polled.AccessToken)
	unclaimed := f.create(t)
	_, err := f.svc.CompleteLink(ctx, f.user.ID, unclaimed.Code)
	require.NoError(t, err)

	// nothing is due yet
	res, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	// past expiry: the pending one expires, the unclaimed token survives the claim window
	f.clock.Advance(DefaultLinkTTL + time.Minute)
	res, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, res)

	l, err := f.store.Links().GetByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LinkStatusExpired, l.Status)
	l, err = f.store.Links().GetByID(ctx, unclaimed.ID)
	require.NoError(t, err)
	assert.NotNil(t, l.PendingToken)

	// past the claim window the abandoned token is dropped; status stays approved
	f.clock.Advance(DefaultTokenClaimWindow)
	res, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{TokensCleared: 1}, res)

	poll, err := f.svc.PollStatus(ctx, unclaimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LinkStatusApproved, poll.Status)
	assert.Empty(t, poll.AccessToken)

	// past retention everything goes
	f.clock.Advance(DefaultRetention)
	res, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Deleted: 3}, res)

	for _, id := range []string{pending.ID, approved.ID, unclaimed.ID} {
		_, err := f.store.Links().GetByID(ctx, id)
		assert.ErrorIs(t, err, repo.ErrNotFound)
	}

	// devices outlive their link requests
	devices, err := f.svc.ListDevices(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

type brokenLinks struct {
	repo.LinkRepo
	calls []string
}

var errSweep = errors.New("sweep failed")

func (b *brokenLinks) ExpirePending(context.Context, time.Time) (int64, error) {
	b.calls = append(b.calls, "expire")
	return 0, errSweep
}

func (b *brokenLinks) ClearUnclaimedTokens(context.Context, time.Time) (int64, error) {
	b.calls = append(b.calls, "clear")
	return 2, nil
}

func (b *brokenLinks) DeleteCreatedBefore(context.Context, time.Time) (int64, error) {
	b.calls = append(b.calls, "delete")
	return 0, errors.New("second failure")
}

func TestSweeper_continuesAfterFailedStep(t *testing.T) {
	links := &brokenLinks{}
	sweeper := NewSweeper(links, SweeperConfig{})

	res, err := sweeper.Sweep(context.Background())
	assert.ErrorIs(t, err, errSweep)
	assert.Equal(t, []string{"expire", "clear", "delete"}, links.calls)
	assert.EqualValues(t, 2, res.TokensCleared)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.store.Links(), SweeperConfig{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
