package prewarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarmAllStoresSuccesses(t *testing.T) {
	c := New()
	c.Register(ResourceAccessibility, 40*time.Millisecond, func(ctx context.Context) (any, error) {
		return "conn", nil
	})
	c.Register(ResourceClipboard, 20*time.Millisecond, func(ctx context.Context) (any, error) {
		return []byte("old clipboard"), nil
	})

	n := c.WarmAll(context.Background())
	assert.Equal(t, 2, n)

	e, ok := c.Get(ResourceAccessibility)
	require.True(t, ok)
	assert.Equal(t, "conn", e.Payload)
}

func TestPartialSuccessIsNormal(t *testing.T) {
	c := New()
	c.Register(ResourceAccessibility, 40*time.Millisecond, func(ctx context.Context) (any, error) {
		return "conn", nil
	})
	c.Register(ResourcePortal, 40*time.Millisecond, func(ctx context.Context) (any, error) {
		return nil, errors.New("portal denied")
	})

	n := c.WarmAll(context.Background())
	assert.Equal(t, 1, n)

	_, ok := c.Get(ResourcePortal)
	assert.False(t, ok)
	_, ok = c.Get(ResourceAccessibility)
	assert.True(t, ok)
}

func TestSlowWarmerDoesNotStallOthers(t *testing.T) {
	c := New()
	c.Register(ResourcePortal, 20*time.Millisecond, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c.Register(ResourceClipboard, 20*time.Millisecond, func(ctx context.Context) (any, error) {
		return "snap", nil
	})

	start := time.Now()
	n := c.WarmAll(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, 1, n)
	assert.Less(t, elapsed, 500*time.Millisecond, "hung warmer must be cut off by its own timeout")

	_, ok := c.Get(ResourceClipboard)
	assert.True(t, ok)
}

func TestStaleEntryTreatedAsAbsent(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	c := New(WithTTL(3*time.Second), WithClock(clock))
	c.Register(ResourceKeyboard, 0, func(ctx context.Context) (any, error) {
		return "dev", nil
	})
	require.Equal(t, 1, c.WarmAll(context.Background()))

	_, ok := c.Get(ResourceKeyboard)
	require.True(t, ok)

	mu.Lock()
	now = now.Add(4 * time.Second)
	mu.Unlock()

	_, ok = c.Get(ResourceKeyboard)
	assert.False(t, ok, "stale entry must never be served")

	// A second lookup confirms the stale entry was dropped, not just hidden.
	_, ok = c.Get(ResourceKeyboard)
	assert.False(t, ok)
}

func TestRefreshReplacesEntry(t *testing.T) {
	calls := 0
	c := New()
	c.Register(ResourceAccessibility, 0, func(ctx context.Context) (any, error) {
		calls++
		return calls, nil
	})

	require.Equal(t, 1, c.WarmAll(context.Background()))
	e, _ := c.Get(ResourceAccessibility)
	assert.Equal(t, 1, e.Payload)

	require.True(t, c.Refresh(context.Background(), ResourceAccessibility))
	e, _ = c.Get(ResourceAccessibility)
	assert.Equal(t, 2, e.Payload)
}

func TestRefreshUnknownResource(t *testing.T) {
	c := New()
	assert.False(t, c.Refresh(context.Background(), ResourcePortal))
}

func TestResetDropsEverything(t *testing.T) {
	c := New()
	c.Register(ResourceClipboard, 0, func(ctx context.Context) (any, error) {
		return "snap", nil
	})
	require.Equal(t, 1, c.WarmAll(context.Background()))

	c.Reset()
	_, ok := c.Get(ResourceClipboard)
	assert.False(t, ok)
}

func TestGetUnknownResource(t *testing.T) {
	c := New()
	_, ok := c.Get(ResourceAccessibility)
	assert.False(t, ok)
}
