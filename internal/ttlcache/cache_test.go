package ttlcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetSetDelete(t *testing.T) {
	c := New[string](time.Minute, 0)
	defer c.Close()

	_, ok := c.Get("a")
	require.False(t, ok)

	c.Set("a", "one")
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "one", v)
	require.True(t, c.Contains("a"))

	c.Delete("a")
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New[int](10*time.Millisecond, 0)
	defer c.Close()

	c.Set("k", 42)
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = c.Get("k")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestSweepRemovesExpired(t *testing.T) {
	c := New[int](5*time.Millisecond, 10*time.Millisecond)
	defer c.Close()

	c.Set("k", 1)
	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		_, present := c.entries["k"]
		return !present
	}, time.Second, 5*time.Millisecond)
}

func TestGetOrLoadSingleFlight(t *testing.T) {
	c := New[int](time.Minute, 0)
	defer c.Close()

	var calls atomic.Int32
	load := func(ctx context.Context) (int, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return 7, nil
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "key", load)
			require.NoError(t, err)
			require.Equal(t, 7, v)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())

	// Warm path does not hit the loader again.
	v, err := c.GetOrLoad(context.Background(), "key", load)
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.Equal(t, int32(1), calls.Load())
}

func TestGetOrLoadErrorNotCached(t *testing.T) {
	c := New[int](time.Minute, 0)
	defer c.Close()

	boom := errors.New("boom")
	_, err := c.GetOrLoad(context.Background(), "key", func(ctx context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	v, err := c.GetOrLoad(context.Background(), "key", func(ctx context.Context) (int, error) {
		return 9, nil
	})
	require.NoError(t, err)
	require.Equal(t, 9, v)
}

func TestStats(t *testing.T) {
	c := New[string](time.Minute, 0)
	defer c.Close()

	c.Set("a", "x")
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	st := c.Stats()
	require.Equal(t, 1, st.Size)
	require.Equal(t, int64(2), st.Hits)
	require.Equal(t, int64(1), st.Misses)

	c.Purge()
	require.Equal(t, 0, c.Len())
}
