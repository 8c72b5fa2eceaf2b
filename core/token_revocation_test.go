package core

import (
	"context"
	"testing"
	"time"

	"github.com/stephnangue/sessiongate/physical/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenFixture struct {
	binder      *TokenBinder
	revocations *RevocationList
	backend     *inmem.InmemBackend
	clock       *fakeClock
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	clock := newFakeClock()
	backend := newTestBackend(t, clock)
	binder := NewTokenBinder(backend, testLogger(), clock.Now)
	revocations, err := NewRevocationList(backend, binder, nil, testLogger(), clock.Now)
	require.NoError(t, err)
	t.Cleanup(revocations.Close)
	return &tokenFixture{binder: binder, revocations: revocations, backend: backend, clock: clock}
}

func TestTokenBinder_BindAndLookup(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	b, err := f.binder.Bind(ctx, "alice", "1.1.1.1", "tok-1", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, "tok-1", b.TokenID, "raw tokens are never stored")
	assert.Len(t, b.TokenID, 64)
	assert.True(t, f.clock.Now().Add(time.Hour).Equal(b.ExpiresAt))

	got, err := f.binder.Lookup(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "1.1.1.1", got.Origin)

	got, err = f.binder.Lookup(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, got)

	f.clock.Advance(time.Hour)
	got, err = f.binder.Lookup(ctx, "tok-1")
	require.NoError(t, err)
	assert.Nil(t, got, "a binding never outlives its token")
}

func TestTokenBinder_TokensForOrigin(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	_, err := f.binder.Bind(ctx, "alice", "1.1.1.1", "tok-1", time.Hour)
	require.NoError(t, err)
	_, err = f.binder.Bind(ctx, "alice", "1.1.1.1", "tok-2", 2*time.Hour)
	require.NoError(t, err)
	_, err = f.binder.Bind(ctx, "alice", "2.2.2.2", "tok-3", time.Hour)
	require.NoError(t, err)
	_, err = f.binder.Bind(ctx, "bob", "1.1.1.1", "tok-4", time.Hour)
	require.NoError(t, err)

	bindings, err := f.binder.TokensForOrigin(ctx, "alice", "1.1.1.1")
	require.NoError(t, err)
	assert.Len(t, bindings, 2)

	all, err := f.binder.TokensForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	f.clock.Advance(90 * time.Minute)
	bindings, err = f.binder.TokensForOrigin(ctx, "alice", "1.1.1.1")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "alice", bindings[0].UserID)

	require.NoError(t, f.binder.Unbind(ctx, "alice", bindings[0].TokenID))
	bindings, err = f.binder.TokensForOrigin(ctx, "alice", "1.1.1.1")
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestTokenBinder_InvalidArguments(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	_, err := f.binder.Bind(ctx, "alice", "1.1.1.1", "", time.Hour)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.binder.Bind(ctx, "alice", "1.1.1.1", "tok", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRevocationList_RevokeUntilNaturalExpiry(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	_, err := f.binder.Bind(ctx, "alice", "1.1.1.1", "tok-1", time.Hour)
	require.NoError(t, err)

	revoked, err := f.revocations.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	ok, err := f.revocations.Revoke(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, ok)

	for _, step := range []time.Duration{0, 30 * time.Minute, 29 * time.Minute} {
		f.clock.Advance(step)
		revoked, err = f.revocations.IsRevoked(ctx, "tok-1")
		require.NoError(t, err)
		assert.True(t, revoked)
	}

	f.clock.Advance(time.Minute)
	revoked, err = f.revocations.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, revoked, "entry is dropped once the token expires naturally")
}

func TestRevocationList_UnknownToken(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	ok, err := f.revocations.Revoke(ctx, "never-bound")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.revocations.RevokeUntil(ctx, "never-bound", f.clock.Now().Add(time.Minute)))
	revoked, err := f.revocations.IsRevoked(ctx, "never-bound")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Already expired tokens need no entry.
	require.NoError(t, f.revocations.RevokeUntil(ctx, "stale", f.clock.Now().Add(-time.Minute)))
	revoked, err = f.revocations.IsRevoked(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevocationList_CachedAnswerSurvivesBackendOutage(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	_, err := f.binder.Bind(ctx, "alice", "1.1.1.1", "tok-1", time.Hour)
	require.NoError(t, err)
	_, err = f.revocations.Revoke(ctx, "tok-1")
	require.NoError(t, err)
	f.revocations.cache.Wait()

	f.backend.FailGet(true)
	revoked, err := f.revocations.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = f.revocations.IsRevoked(ctx, "tok-2")
	require.Error(t, err)
	assert.True(t, revoked, "lookup failures are reported as revoked")
}

func TestRevocationList_SeparateBackend(t *testing.T) {
	clock := newFakeClock()
	main := newTestBackend(t, clock)
	hot := newTestBackend(t, clock)
	binder := NewTokenBinder(main, testLogger(), clock.Now)
	revocations, err := NewRevocationList(hot, binder, nil, testLogger(), clock.Now)
	require.NoError(t, err)
	defer revocations.Close()
	ctx := context.Background()

	_, err = binder.Bind(ctx, "alice", "1.1.1.1", "tok-1", time.Hour)
	require.NoError(t, err)
	_, err = revocations.Revoke(ctx, "tok-1")
	require.NoError(t, err)

	// The admission backend failing does not affect revocation checks.
	main.FailGet(true)
	revoked, err := revocations.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}
