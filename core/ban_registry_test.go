package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBanRegistry(t *testing.T) (*BanRegistry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	backend := newTestBackend(t, clock)
	return NewBanRegistry(backend, testLogger(), clock.Now), clock
}

func TestBanRegistry_TemporaryBan(t *testing.T) {
	bans, clock := newTestBanRegistry(t)
	ctx := context.Background()

	record, err := bans.Ban(ctx, "alice", time.Hour, "manual")
	require.NoError(t, err)
	assert.False(t, record.Permanent)
	assert.True(t, clock.Now().Add(time.Hour).Equal(record.ExpiresAt))

	banned, err := bans.IsBanned(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, banned)

	clock.Advance(59 * time.Minute)
	banned, err = bans.IsBanned(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, banned)

	clock.Advance(time.Minute)
	banned, err = bans.IsBanned(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestBanRegistry_PermanentBan(t *testing.T) {
	bans, clock := newTestBanRegistry(t)
	ctx := context.Background()

	record, err := bans.Ban(ctx, "alice", 0, "")
	require.NoError(t, err)
	assert.True(t, record.Permanent)
	assert.True(t, record.ExpiresAt.IsZero())

	clock.Advance(10 * 365 * 24 * time.Hour)
	banned, err := bans.IsBanned(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, banned)

	require.NoError(t, bans.Unban(ctx, "alice"))
	banned, err = bans.IsBanned(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestBanRegistry_LongerBanWins(t *testing.T) {
	bans, _ := newTestBanRegistry(t)
	ctx := context.Background()

	_, err := bans.Ban(ctx, "alice", 0, "permanent")
	require.NoError(t, err)

	record, err := bans.Ban(ctx, "alice", time.Hour, "shorter")
	require.NoError(t, err)
	assert.True(t, record.Permanent)
	assert.Equal(t, "permanent", record.Reason)

	_, err = bans.Ban(ctx, "bob", time.Hour, "short")
	require.NoError(t, err)
	record, err = bans.Ban(ctx, "bob", 2*time.Hour, "longer")
	require.NoError(t, err)
	assert.Equal(t, "longer", record.Reason)
}

func TestBanRegistry_FailsClosed(t *testing.T) {
	clock := newFakeClock()
	backend := newTestBackend(t, clock)
	bans := NewBanRegistry(backend, testLogger(), clock.Now)
	backend.FailGet(true)

	banned, err := bans.IsBanned(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, banned)
}

func TestBanRegistry_GetAndList(t *testing.T) {
	bans, clock := newTestBanRegistry(t)
	ctx := context.Background()

	record, err := bans.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, record)

	_, err = bans.Ban(ctx, "alice", time.Hour, "a")
	require.NoError(t, err)
	_, err = bans.Ban(ctx, "bob", 0, "b")
	require.NoError(t, err)
	_, err = bans.Ban(ctx, "carol", time.Minute, "c")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	list, err := bans.List(ctx)
	require.NoError(t, err)
	var users []string
	for _, r := range list {
		users = append(users, r.UserID)
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)

	record, err = bans.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestBanRegistry_InvalidArguments(t *testing.T) {
	bans, _ := newTestBanRegistry(t)
	ctx := context.Background()

	_, err := bans.Ban(ctx, "", time.Hour, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = bans.Ban(ctx, "alice", -time.Second, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
