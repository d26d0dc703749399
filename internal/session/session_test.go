package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSession(cfg Config, clock *fakeClock) *Session {
	return New(cfg, WithClock(clock.Now))
}

func TestZeroTimeoutsReleaseImmediately(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(Config{}, clock)

	s.AddTranscription("hello")
	assert.True(t, s.ShouldInject())

	text, err := s.TakeBuffer()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, StateIdle, s.State())
}

func TestRapidInputNeverReleasesEarly(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{
		BufferPauseTimeout: 300 * time.Millisecond,
		SilenceTimeout:     800 * time.Millisecond,
	}
	s := newTestSession(cfg, clock)

	for i := 0; i < 10; i++ {
		s.AddTranscription("word")
		clock.Advance(100 * time.Millisecond)
		assert.False(t, s.ShouldInject(), "iteration %d", i)
	}
	assert.Contains(t, []State{StateBuffering, StateWaitingForSilence}, s.State())
}

func TestSilenceReleasesBuffer(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{
		BufferPauseTimeout: 300 * time.Millisecond,
		SilenceTimeout:     800 * time.Millisecond,
	}
	s := newTestSession(cfg, clock)

	s.AddTranscription("first")
	clock.Advance(400 * time.Millisecond)
	assert.False(t, s.ShouldInject())
	assert.Equal(t, StateWaitingForSilence, s.State())

	clock.Advance(500 * time.Millisecond)
	assert.True(t, s.ShouldInject())

	text, err := s.TakeBuffer()
	require.NoError(t, err)
	assert.Equal(t, "first", text)
}

func TestNewInputResetsSilenceClock(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{
		BufferPauseTimeout: 300 * time.Millisecond,
		SilenceTimeout:     800 * time.Millisecond,
	}
	s := newTestSession(cfg, clock)

	s.AddTranscription("first")
	clock.Advance(400 * time.Millisecond)
	require.False(t, s.ShouldInject())
	require.Equal(t, StateWaitingForSilence, s.State())

	s.AddTranscription("second")
	assert.Equal(t, StateBuffering, s.State())

	clock.Advance(700 * time.Millisecond)
	assert.False(t, s.ShouldInject())

	clock.Advance(200 * time.Millisecond)
	assert.True(t, s.ShouldInject())

	text, err := s.TakeBuffer()
	require.NoError(t, err)
	assert.Equal(t, "first second", text)
}

func TestTakeBufferDrainsExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(Config{}, clock)

	s.AddTranscription("once")
	require.True(t, s.ShouldInject())

	text, err := s.TakeBuffer()
	require.NoError(t, err)
	assert.Equal(t, "once", text)

	text, err = s.TakeBuffer()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, text)
	assert.Equal(t, StateIdle, s.State())
}

func TestTakeBufferOutsideReadyIsError(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{
		BufferPauseTimeout: 300 * time.Millisecond,
		SilenceTimeout:     800 * time.Millisecond,
	}
	s := newTestSession(cfg, clock)

	_, err := s.TakeBuffer()
	assert.ErrorIs(t, err, ErrNotReady)

	s.AddTranscription("buffered")
	_, err = s.TakeBuffer()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestTerminalPunctuationBypassesSilence(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{
		BufferPauseTimeout: 300 * time.Millisecond,
		SilenceTimeout:     800 * time.Millisecond,
	}
	s := newTestSession(cfg, clock)

	s.AddTranscription("That is all.")
	assert.True(t, s.ShouldInject(), "terminal punctuation releases without waiting")

	text, err := s.TakeBuffer()
	require.NoError(t, err)
	assert.Equal(t, "That is all.", text)
}

func TestMaxBufferCharsBypassesSilence(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{
		BufferPauseTimeout: 300 * time.Millisecond,
		SilenceTimeout:     800 * time.Millisecond,
		MaxBufferChars:     10,
	}
	s := newTestSession(cfg, clock)

	s.AddTranscription("a long stretch of dictation")
	assert.True(t, s.ShouldInject())
}

func TestWhitespaceNormalization(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(Config{}, clock)

	s.AddTranscription("  hello\t\n world ")
	require.True(t, s.ShouldInject())

	text, err := s.TakeBuffer()
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestEmptyFragmentIgnored(t *testing.T) {
	clock := newFakeClock()
	s := newTestSession(Config{}, clock)

	s.AddTranscription("   ")
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, s.ShouldInject())
}

func TestFlushSkipsSilenceWait(t *testing.T) {
	clk := newFakeClock()
	s := New(DefaultConfig(), WithClock(clk.Now))

	s.AddTranscription("flush me now")
	require.Equal(t, StateBuffering, s.State())

	text, err := s.Flush()
	require.NoError(t, err)
	assert.Equal(t, "flush me now", text)
	assert.Equal(t, StateIdle, s.State())
}

func TestFlushEmptyBuffer(t *testing.T) {
	s := New(DefaultConfig())
	_, err := s.Flush()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestBufferPreviewNeverExposesText(t *testing.T) {
	s := New(DefaultConfig())

	chars, digest := s.BufferPreview()
	assert.Zero(t, chars)
	assert.Empty(t, digest)

	s.AddTranscription("confidential dictation")
	chars, digest = s.BufferPreview()
	assert.Equal(t, len("confidential dictation"), chars)
	require.NotEmpty(t, digest)
	assert.NotContains(t, digest, "confidential")
	assert.Equal(t, StateBuffering, s.State(), "preview must not consume the buffer")

	text, err := s.Flush()
	require.NoError(t, err)
	assert.Equal(t, "confidential dictation", text)
}

func TestResetDiscardsBuffer(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	s := newTestSession(cfg, clock)

	s.AddTranscription("discard me")
	s.Reset()
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, s.BufferLen())

	_, err := s.TakeBuffer()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestUtteranceIDStableAcrossFragments(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	s := newTestSession(cfg, clock)

	s.AddTranscription("one")
	first := s.UtteranceID()
	require.NotEmpty(t, first)

	s.AddTranscription("two")
	assert.Equal(t, first, s.UtteranceID())

	s.Reset()
	assert.Empty(t, s.UtteranceID())

	s.AddTranscription("fresh")
	assert.NotEqual(t, first, s.UtteranceID())
}
