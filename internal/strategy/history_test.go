package strategy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"injectd/internal/injector"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCooldownMonotonicAndCapped(t *testing.T) {
	clock := newManualClock()
	h := NewHistory().WithClock(clock.Now)

	var prev time.Duration
	for i := 0; i < 10; i++ {
		h.RecordFailure("editor", injector.MethodAtspiInsert)
		rec, ok := h.Record("editor", injector.MethodAtspiInsert)
		require.True(t, ok)
		assert.GreaterOrEqual(t, rec.Cooldown, prev, "failure %d", i)
		assert.LessOrEqual(t, rec.Cooldown, maxCooldown)
		prev = rec.Cooldown
		// Let each cooldown lapse so the next failure is consecutive, not
		// skipped.
		clock.Advance(rec.Cooldown + time.Millisecond)
	}
	assert.Equal(t, maxCooldown, prev)
}

func TestSuccessResetsBackoff(t *testing.T) {
	clock := newManualClock()
	h := NewHistory().WithClock(clock.Now)

	for i := 0; i < 4; i++ {
		h.RecordFailure("editor", injector.MethodClipboardPaste)
	}
	require.True(t, h.InCooldown("editor", injector.MethodClipboardPaste))

	h.RecordSuccess("editor", injector.MethodClipboardPaste)
	assert.False(t, h.InCooldown("editor", injector.MethodClipboardPaste))

	rec, ok := h.Record("editor", injector.MethodClipboardPaste)
	require.True(t, ok)
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.Zero(t, rec.Cooldown)

	// The next failure starts from the base again.
	h.RecordFailure("editor", injector.MethodClipboardPaste)
	rec, _ = h.Record("editor", injector.MethodClipboardPaste)
	assert.Equal(t, baseCooldown, rec.Cooldown)
}

func TestCooldownExpires(t *testing.T) {
	clock := newManualClock()
	h := NewHistory().WithClock(clock.Now)

	h.RecordFailure("editor", injector.MethodPortalInput)
	assert.True(t, h.InCooldown("editor", injector.MethodPortalInput))

	clock.Advance(baseCooldown + time.Millisecond)
	assert.False(t, h.InCooldown("editor", injector.MethodPortalInput))
}

func TestRatePerAppAndMethod(t *testing.T) {
	h := NewHistory()

	assert.Equal(t, 0.5, h.Rate("editor", injector.MethodAtspiInsert))

	h.RecordSuccess("editor", injector.MethodAtspiInsert)
	h.RecordSuccess("editor", injector.MethodAtspiInsert)
	h.RecordFailure("editor", injector.MethodAtspiInsert)
	assert.InDelta(t, 2.0/3.0, h.Rate("editor", injector.MethodAtspiInsert), 1e-9)

	// Separate applications keep separate records.
	assert.Equal(t, 0.5, h.Rate("terminal", injector.MethodAtspiInsert))
}

func TestExportImportRoundTrip(t *testing.T) {
	h := NewHistory()
	h.RecordSuccess("editor", injector.MethodAtspiInsert)
	h.RecordFailure("terminal", injector.MethodClipboardPaste)

	records := h.Export()
	require.Len(t, records, 2)

	h2 := NewHistory()
	h2.Import(records)
	assert.InDelta(t, 1.0, h2.Rate("editor", injector.MethodAtspiInsert), 1e-9)
	assert.InDelta(t, 0.0, h2.Rate("terminal", injector.MethodClipboardPaste), 1e-9)
}
