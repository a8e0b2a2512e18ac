package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *clock) {
	t.Helper()
	if cfg.Policies == nil {
		cfg.Policies = map[string]Policy{"t": {TTL: 10 * time.Second, StaleWindow: 20 * time.Second}}
	}
	c := New(cfg, zaptest.NewLogger(t))
	clk := &clock{t: time.Unix(1_000_000, 0)}
	c.now = clk.Now
	return c, clk
}

func serve(t *testing.T, c *Cache) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = c.Serve(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
}

func countingFetch(n *atomic.Int32, val any) FetchFunc {
	return func(context.Context) (any, error) {
		n.Add(1)
		return val, nil
	}
}

func TestFreshReadNeverFetches(t *testing.T) {
	c, clk := newTestCache(t, Config{})
	ctx := context.Background()
	var calls atomic.Int32

	v, err := c.GetOrFetch(ctx, "t", "k", countingFetch(&calls, "v1"))
	require.NoError(t, err)
	require.Equal(t, "v1", v)

	clk.Advance(9 * time.Second)
	for i := 0; i < 10; i++ {
		v, err = c.GetOrFetch(ctx, "t", "k", countingFetch(&calls, "v2"))
		require.NoError(t, err)
		require.Equal(t, "v1", v)
	}
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, int64(10), c.Stats().Hits)
}

func TestStaleReadRevalidatesExactlyOnce(t *testing.T) {
	c, clk := newTestCache(t, Config{Workers: 4})
	serve(t, c)
	ctx := context.Background()

	_, err := c.GetOrFetch(ctx, "t", "k", func(context.Context) (any, error) { return "old", nil })
	require.NoError(t, err)
	clk.Advance(15 * time.Second) // inside the stale window

	var calls atomic.Int32
	release := make(chan struct{})
	slow := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "new", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrFetch(ctx, "t", "k", slow)
			if err != nil || v != "old" {
				t.Errorf("stale read: %v %v", v, err)
			}
		}()
	}
	wg.Wait()
	close(release)

	require.Eventually(t, func() bool { return c.Stats().Revalidations == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), calls.Load())

	v, err := c.GetOrFetch(ctx, "t", "k", slow)
	require.NoError(t, err)
	require.Equal(t, "new", v)
}

func TestExpiredReadBlocksOnSingleFetch(t *testing.T) {
	c, clk := newTestCache(t, Config{})
	ctx := context.Background()

	_, _ = c.GetOrFetch(ctx, "t", "k", func(context.Context) (any, error) { return "old", nil })
	clk.Advance(31 * time.Second) // past staleUntil

	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "fresh", nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrFetch(ctx, "t", "k", fetch)
			if err != nil || v != "fresh" {
				t.Errorf("expired read: %v %v", v, err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())
}

func TestFailedRevalidationExtendsStaleWindow(t *testing.T) {
	c, clk := newTestCache(t, Config{})
	serve(t, c)
	ctx := context.Background()

	_, _ = c.GetOrFetch(ctx, "t", "k", func(context.Context) (any, error) { return "old", nil })
	clk.Advance(25 * time.Second) // stale, 5s left in the window

	failing := func(context.Context) (any, error) { return nil, errors.New("remote down") }
	v, err := c.GetOrFetch(ctx, "t", "k", failing)
	require.NoError(t, err)
	require.Equal(t, "old", v)
	require.Eventually(t, func() bool { return c.Stats().RevalidateFailures == 1 }, time.Second, 5*time.Millisecond)

	// the original window would have closed at +30s; the failure pushed it to +50s
	clk.Advance(15 * time.Second)
	var calls atomic.Int32
	v, err = c.GetOrFetch(ctx, "t", "k", func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("still down")
	})
	require.NoError(t, err)
	require.Equal(t, "old", v, "stale data over no data")
}

func TestFullQueueDropsRevalidation(t *testing.T) {
	c, clk := newTestCache(t, Config{QueueSize: 1})
	ctx := context.Background()
	for _, k := range []string{"a", "b"} {
		_, _ = c.GetOrFetch(ctx, "t", k, func(context.Context) (any, error) { return k, nil })
	}
	clk.Advance(15 * time.Second)

	// no workers: the first job fills the queue, the second is dropped
	_, _ = c.GetOrFetch(ctx, "t", "a", func(context.Context) (any, error) { return "a2", nil })
	v, err := c.GetOrFetch(ctx, "t", "b", func(context.Context) (any, error) { return "b2", nil })
	require.NoError(t, err)
	require.Equal(t, "b", v, "caller is not blocked by a full queue")
	require.Equal(t, int64(1), c.Stats().Dropped)
}

func TestInvalidateExactAndPrefix(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()
	for _, k := range []string{"u1:c1", "u1:c2", "u2:c1"} {
		_, _ = c.GetOrFetch(ctx, "t", k, func(context.Context) (any, error) { return k, nil })
	}

	require.Equal(t, 1, c.Invalidate("t", "u2:c1"))
	require.Equal(t, 0, c.Invalidate("t", "u2:c1"))
	require.Equal(t, 2, c.Invalidate("t", "u1:*"))
	require.Zero(t, c.Stats().Entries)

	var calls atomic.Int32
	_, _ = c.GetOrFetch(ctx, "t", "u1:c1", countingFetch(&calls, "again"))
	require.Equal(t, int32(1), calls.Load())
}

func TestInvalidateDuringFetchDiscardsResult(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	v, err := c.GetOrFetch(ctx, "t", "k", func(context.Context) (any, error) {
		c.Invalidate("t", "k")
		return "racing", nil
	})
	require.NoError(t, err)
	require.Equal(t, "racing", v)
	require.Zero(t, c.Stats().Entries)
}

func TestInvalidateOtherKeyKeepsInFlightResult(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	v, err := c.GetOrFetch(ctx, "t", "u1:c2", func(context.Context) (any, error) {
		c.Invalidate("t", "u1:c1")
		c.Invalidate("t", "u2:*")
		c.Invalidate("other", "u1:c2")
		return "kept", nil
	})
	require.NoError(t, err)
	require.Equal(t, "kept", v)
	require.Equal(t, 1, c.Stats().Entries)

	var calls atomic.Int32
	v, _ = c.GetOrFetch(ctx, "t", "u1:c2", countingFetch(&calls, "refetched"))
	require.Equal(t, "kept", v)
	require.Zero(t, calls.Load())
}

func TestInvalidatePrefixDuringFetchDiscardsCoveredKey(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	_, err := c.GetOrFetch(ctx, "t", "u1:c2", func(context.Context) (any, error) {
		c.Invalidate("t", "u1:*")
		return "racing", nil
	})
	require.NoError(t, err)
	require.Zero(t, c.Stats().Entries)
}

func TestInvalidationMarksAreReleased(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	_, _ = c.GetOrFetch(ctx, "t", "k", func(context.Context) (any, error) {
		c.Invalidate("t", "k")
		return "x", nil
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.marks)
	require.Empty(t, c.inflight)
}

func TestFetchTyped(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx := context.Background()

	n, err := Fetch(ctx, c, "t", "n", func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, n)

	_, err = Fetch(ctx, c, "t", "n", func(context.Context) (string, error) { return "x", nil })
	require.Error(t, err)

	_, err = Fetch(ctx, c, "t", "e", func(context.Context) (int, error) { return 0, errors.New("boom") })
	require.EqualError(t, err, "boom")
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	c, clk := newTestCache(t, Config{})
	_, _ = c.GetOrFetch(context.Background(), "t", "k", func(context.Context) (any, error) { return 1, nil })
	clk.Advance(time.Minute)
	c.sweep()
	require.Zero(t, c.Stats().Entries)
}
