package presence

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(2*time.Minute, WithClock(clock.Now)), clock
}

func TestRegistry_TwoConnectionsScenario(t *testing.T) {
	r, _ := newTestRegistry()

	assert.True(t, r.Register(7, "a", "10.0.0.7:5000"))
	assert.False(t, r.Register(7, "b", "10.0.0.7:5001"))
	assert.Len(t, r.ActiveConnections(7), 2)

	kioskID, last := r.Unregister("a")
	assert.False(t, last)
	assert.Zero(t, kioskID)
	assert.True(t, r.IsReachable(7))

	kioskID, last = r.Unregister("b")
	assert.True(t, last)
	assert.Equal(t, int64(7), kioskID)
	assert.False(t, r.IsReachable(7))
	assert.Empty(t, r.ReachableKiosks())
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r, clock := newTestRegistry()

	require.True(t, r.Register(1, "conn", "addr"))
	first := r.ActiveConnections(1)[0]

	clock.Advance(30 * time.Second)
	assert.False(t, r.Register(1, "conn", "addr"))

	conns := r.ActiveConnections(1)
	require.Len(t, conns, 1)
	assert.Equal(t, first.ConnectedAt, conns[0].ConnectedAt)
	assert.True(t, conns[0].LastActivity.After(first.LastActivity))
}

func TestRegistry_TouchUnknownIsNoop(t *testing.T) {
	r, _ := newTestRegistry()
	assert.NotPanics(t, func() { r.Touch("missing") })

	kioskID, last := r.Unregister("missing")
	assert.False(t, last)
	assert.Zero(t, kioskID)
}

func TestRegistry_ConcurrentRegisterThenUnregister(t *testing.T) {
	r, _ := newTestRegistry()
	const n = 64

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Register(5, fmt.Sprintf("c-%d", i), "addr") {
				firsts.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), firsts.Load())
	assert.Equal(t, n, r.ConnectionCount())

	var lasts atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, last := r.Unregister(fmt.Sprintf("c-%d", i)); last {
				lasts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), lasts.Load())
	assert.Zero(t, r.ConnectionCount())
}

func TestRegistry_PruneStale(t *testing.T) {
	r, clock := newTestRegistry()

	r.Register(1, "old", "addr")
	r.Register(2, "keep-a", "addr")
	clock.Advance(90 * time.Second)
	r.Register(2, "keep-b", "addr")
	r.Touch("keep-a")
	clock.Advance(60 * time.Second)

	// "old" has been silent 150s, past the 2 minute threshold
	assert.Equal(t, []int64{2}, r.ReachableKiosks())
	assert.Empty(t, r.ActiveConnections(1))

	pruned := r.PruneStale()
	require.Len(t, pruned, 1)
	assert.Equal(t, Pruned{ConnectionID: "old", KioskID: 1, LastForKiosk: true}, pruned[0])
	assert.Equal(t, 2, r.ConnectionCount())
}

func TestRegistry_ReRegisterMovesKiosk(t *testing.T) {
	r, _ := newTestRegistry()

	r.Register(1, "x", "addr")
	assert.True(t, r.Register(2, "x", "addr"))
	assert.False(t, r.IsReachable(1))
	assert.True(t, r.IsReachable(2))
}
