package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAbuseHistory(t *testing.T, config *AbuseHistoryConfig) (*AbuseHistory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewAbuseHistory(newTestBackend(t, clock), config, testLogger(), clock.Now), clock
}

func TestAbuseHistory_DistinctOrigins(t *testing.T) {
	h, clock := newTestAbuseHistory(t, nil)
	ctx := context.Background()

	for _, origin := range []string{"1.1.1.1", "2.2.2.2", "1.1.1.1", "1.1.1.1", "3.3.3.3"} {
		require.NoError(t, h.Record(ctx, "alice", origin))
		clock.Advance(time.Minute)
	}

	n, err := h.DistinctOrigins(ctx, "alice", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "repeated origins are counted once")

	n, err = h.DistinctOrigins(ctx, "bob", 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAbuseHistory_SlidingWindow(t *testing.T) {
	h, clock := newTestAbuseHistory(t, nil)
	ctx := context.Background()
	window := 10 * 24 * time.Hour

	require.NoError(t, h.Record(ctx, "alice", "1.1.1.1"))
	clock.Advance(5 * 24 * time.Hour)
	require.NoError(t, h.Record(ctx, "alice", "2.2.2.2"))

	n, err := h.DistinctOrigins(ctx, "alice", window)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Exactly at the window boundary the first observation still counts.
	clock.Advance(5 * 24 * time.Hour)
	n, err = h.DistinctOrigins(ctx, "alice", window)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	clock.Advance(time.Millisecond)
	n, err = h.DistinctOrigins(ctx, "alice", window)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clock.Advance(5 * 24 * time.Hour)
	n, err = h.DistinctOrigins(ctx, "alice", window)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAbuseHistory_Retention(t *testing.T) {
	h, clock := newTestAbuseHistory(t, &AbuseHistoryConfig{Retention: time.Hour})
	ctx := context.Background()

	require.NoError(t, h.Record(ctx, "alice", "1.1.1.1"))
	clock.Advance(2 * time.Hour)
	require.NoError(t, h.Record(ctx, "alice", "2.2.2.2"))

	obs, err := h.Observations(ctx, "alice", time.Hour)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "2.2.2.2", obs[0].Origin)
	assert.True(t, clock.Now().Equal(obs[0].Time()))
}

func TestAbuseHistory_RepeatedOriginKeepsDistinctOrigins(t *testing.T) {
	h, clock := newTestAbuseHistory(t, &AbuseHistoryConfig{Retention: 24 * time.Hour})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, h.Record(ctx, "alice", fmt.Sprintf("10.0.0.%d", i)))
		clock.Advance(time.Second)
	}
	for i := 0; i < 1000; i++ {
		require.NoError(t, h.Record(ctx, "alice", "10.0.0.0"))
		clock.Advance(time.Millisecond)
	}
	require.NoError(t, h.Record(ctx, "alice", "10.0.0.10"))

	n, err := h.DistinctOrigins(ctx, "alice", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	obs, err := h.Observations(ctx, "alice", 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, obs, 11, "one entry per origin")
	assert.Equal(t, "10.0.0.1", obs[0].Origin, "least recently seen first")
	assert.Equal(t, "10.0.0.0", obs[9].Origin)
	assert.Equal(t, 1001, obs[9].Attempts)
	assert.Equal(t, "10.0.0.10", obs[10].Origin)
	assert.True(t, clock.Now().Equal(obs[10].Time()))
}

func TestAbuseHistory_RepeatedOriginStaysInWindow(t *testing.T) {
	h, clock := newTestAbuseHistory(t, nil)
	ctx := context.Background()
	window := time.Hour

	require.NoError(t, h.Record(ctx, "alice", "1.1.1.1"))
	clock.Advance(50 * time.Minute)
	require.NoError(t, h.Record(ctx, "alice", "1.1.1.1"))
	clock.Advance(50 * time.Minute)

	n, err := h.DistinctOrigins(ctx, "alice", window)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "latest sighting is inside the window")
}

func TestAbuseHistory_Clear(t *testing.T) {
	h, _ := newTestAbuseHistory(t, nil)
	ctx := context.Background()

	require.NoError(t, h.Record(ctx, "alice", "1.1.1.1"))
	require.NoError(t, h.Clear(ctx, "alice"))

	n, err := h.DistinctOrigins(ctx, "alice", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAbuseHistory_InvalidArguments(t *testing.T) {
	h, _ := newTestAbuseHistory(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.Record(ctx, "alice", ""), ErrInvalidArgument)
	_, err := h.DistinctOrigins(ctx, "alice", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
