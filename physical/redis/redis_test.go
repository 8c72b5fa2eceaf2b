package redis

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/stephnangue/sessiongate/logger"
	"github.com/stephnangue/sessiongate/physical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBackend connects to the Redis named by SESSIONGATE_REDIS_ADDR and
// isolates the test under a random prefix.
func newTestBackend(t *testing.T) physical.Backend {
	t.Helper()
	addr := os.Getenv("SESSIONGATE_REDIS_ADDR")
	if addr == "" {
		t.Skip("SESSIONGATE_REDIS_ADDR not set, skipping redis backend tests")
	}
	id, err := uuid.GenerateUUID()
	require.NoError(t, err)

	log := logger.NewZerologLogger(&logger.Config{
		Level:   logger.ErrorLevel,
		Format:  logger.JSONFormat,
		Outputs: []io.Writer{io.Discard},
	})
	b, err := NewRedis(map[string]string{
		"address": addr,
		"prefix":  "sessiongate-test/" + id + "/",
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig(map[string]string{
		"address":      "127.0.0.1:6379",
		"db":           "3",
		"pool_size":    "20",
		"max_retries":  "4",
		"dial_timeout": "2s",
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", cfg.Address)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, 20, cfg.PoolSize)
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.DialTimeout)

	_, err = parseConfig(map[string]string{})
	require.Error(t, err)

	_, err = parseConfig(map[string]string{"address": "x", "db": "zero"})
	require.Error(t, err)
}

func TestTTLFor(t *testing.T) {
	ttl, ok := ttlFor(time.Time{})
	assert.True(t, ok)
	assert.Zero(t, ttl)

	_, ok = ttlFor(time.Now().Add(-time.Second))
	assert.False(t, ok)

	ttl, ok = ttlFor(time.Now().Add(time.Minute))
	assert.True(t, ok)
	assert.InDelta(t, float64(time.Minute), float64(ttl), float64(time.Second))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}

func TestRedisBackend_Basic(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, &physical.Entry{Key: "ban/alice", Value: []byte("v")}))

	got, err := b.Get(ctx, "ban/alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("v"), got.Value)
	assert.True(t, got.ExpiresAt.IsZero())

	keys, err := b.List(ctx, "ban/")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, keys)

	require.NoError(t, b.Delete(ctx, "ban/alice"))
	got, err = b.Get(ctx, "ban/alice")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisBackend_TTL(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, &physical.Entry{
		Key:       "revoked/t1",
		Value:     []byte("x"),
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	got, err := b.Get(ctx, "revoked/t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.WithinDuration(t, time.Now().Add(time.Hour), got.ExpiresAt, 5*time.Second)

	require.NoError(t, b.Put(ctx, &physical.Entry{
		Key:       "revoked/t2",
		Value:     []byte("x"),
		ExpiresAt: time.Now().Add(50 * time.Millisecond),
	}))
	time.Sleep(150 * time.Millisecond)
	got, err = b.Get(ctx, "revoked/t2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisBackend_UpdateIsAtomic(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := b.Update(ctx, "counter", func(current *physical.Entry) (*physical.Entry, error) {
					n := 0
					if current != nil {
						n = len(current.Value)
					}
					return &physical.Entry{Value: make([]byte, n+1)}, nil
				})
				if err == nil {
					return
				}
				assert.ErrorIs(t, err, physical.ErrConflict)
			}
		}()
	}
	wg.Wait()

	got, err := b.Get(ctx, "counter")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Value, workers)

	// ErrNoChange is swallowed
	require.NoError(t, b.Update(ctx, "counter", func(*physical.Entry) (*physical.Entry, error) {
		return nil, physical.ErrNoChange
	}))
	// nil deletes
	require.NoError(t, b.Update(ctx, "counter", func(*physical.Entry) (*physical.Entry, error) {
		return nil, nil
	}))
	got, err = b.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Nil(t, got)
}
