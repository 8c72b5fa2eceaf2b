package core

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stephnangue/sessiongate/logger"
	"github.com/stephnangue/sessiongate/physical/inmem"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() logger.Logger {
	return logger.NewZerologLogger(&logger.Config{
		Level:   logger.ErrorLevel,
		Format:  logger.JSONFormat,
		Outputs: []io.Writer{io.Discard},
	})
}

func newTestBackend(t *testing.T, clock *fakeClock) *inmem.InmemBackend {
	t.Helper()
	b, err := inmem.NewInmem(nil, testLogger())
	require.NoError(t, err)
	backend := b.(*inmem.InmemBackend)
	backend.SetClock(clock.Now)
	return backend
}

type testGate struct {
	*SessionGate
	backend *inmem.InmemBackend
	clock   *fakeClock
}

func newTestGate(t *testing.T, policy *Policy) *testGate {
	t.Helper()
	clock := newFakeClock()
	backend := newTestBackend(t, clock)
	if policy == nil {
		policy = testPolicy(3, EvictOldest)
	}
	gate, err := NewSessionGate(&GateConfig{
		Storage: backend,
		Logger:  testLogger(),
		Policy:  policy,
		Now:     clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gate.Close() })
	return &testGate{SessionGate: gate, backend: backend, clock: clock}
}

func testPolicy(max int, eviction EvictionPolicy) *Policy {
	return &Policy{
		MaxActiveOrigins: max,
		Eviction:         eviction,
		SessionTTL:       time.Hour,
		HistoryWindow:    30 * 24 * time.Hour,
		BanThreshold:     0,
		TouchInterval:    time.Minute,
	}
}

func origins(views []SessionView) []string {
	out := make([]string, 0, len(views))
	for _, v := range views {
		out = append(out, v.Origin)
	}
	return out
}
