package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// scriptedWatcher serves a baseline, then switches to a second text after a
// set number of observations.
type scriptedWatcher struct {
	mu       sync.Mutex
	baseline string
	then     string
	after    int
	calls    int
	err      error
}

func (w *scriptedWatcher) ObserveText(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	w.calls++
	if w.calls > w.after {
		return w.then, nil
	}
	return w.baseline, nil
}

func newConfirmer(w Watcher) *Confirmer {
	return New(w, WithWindow(75*time.Millisecond), WithPollInterval(5*time.Millisecond))
}

func TestConfirmMatchingPrefix(t *testing.T) {
	w := &scriptedWatcher{baseline: "", then: "Hello world", after: 2}
	c := newConfirmer(w)
	assert.Equal(t, ResultConfirmed, c.Confirm(context.Background(), "Hello world"))
}

func TestConfirmTruncatedObservation(t *testing.T) {
	// The target has only rendered the first three characters so far.
	w := &scriptedWatcher{baseline: "", then: "Hel", after: 2}
	c := newConfirmer(w)
	assert.Equal(t, ResultConfirmed, c.Confirm(context.Background(), "Hello world"))
}

func TestConfirmUnrelatedChangeIsMismatch(t *testing.T) {
	w := &scriptedWatcher{baseline: "", then: "something else", after: 2}
	c := newConfirmer(w)
	assert.Equal(t, ResultMismatch, c.Confirm(context.Background(), "Hello world"))
}

func TestConfirmNoChangeIsTimeout(t *testing.T) {
	w := &scriptedWatcher{baseline: "static", then: "static", after: 0}
	c := newConfirmer(w)
	assert.Equal(t, ResultTimeout, c.Confirm(context.Background(), "Hello"))
}

func TestConfirmDeadlineIsHard(t *testing.T) {
	w := &scriptedWatcher{baseline: "static", then: "static", after: 0}
	c := New(w, WithWindow(30*time.Millisecond), WithPollInterval(5*time.Millisecond))

	start := time.Now()
	res := c.Confirm(context.Background(), "Hello")
	assert.Equal(t, ResultTimeout, res)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestConfirmWatcherDownIsUnavailable(t *testing.T) {
	w := &scriptedWatcher{err: errors.New("bus unreachable")}
	c := newConfirmer(w)
	assert.Equal(t, ResultUnavailable, c.Confirm(context.Background(), "Hello"))
}

func TestConfirmInsertionMidText(t *testing.T) {
	w := &scriptedWatcher{
		baseline: "before after",
		then:     "before Hello world after",
		after:    2,
	}
	c := newConfirmer(w)
	assert.Equal(t, ResultConfirmed, c.Confirm(context.Background(), "Hello world"))
}

func TestConfirmShortExpectedText(t *testing.T) {
	w := &scriptedWatcher{baseline: "", then: "ok", after: 2}
	c := newConfirmer(w)
	assert.Equal(t, ResultConfirmed, c.Confirm(context.Background(), "ok"))
}

func TestPrefixBounds(t *testing.T) {
	assert.Equal(t, "Hello ", Prefix("Hello world"))
	assert.Equal(t, "Hi", Prefix("Hi"))
	assert.Equal(t, "", Prefix(""))
}

func TestPrefixKeepsCombiningMarks(t *testing.T) {
	// e followed by a combining acute accent; the mark must ride with
	// its base.
	text := "e\u0301xample text"
	p := Prefix(text)
	assert.Contains(t, p, "\u0301")

	visible := 0
	for _, r := range p {
		if !isCombining(r) {
			visible++
		}
	}
	assert.Equal(t, 6, visible)
}

func TestInsertionExtraction(t *testing.T) {
	assert.Equal(t, "new", insertion("ab cd", "ab newcd"))
	assert.Equal(t, "typed", insertion("", "typed"))
	assert.Equal(t, "", insertion("same", "same"))
}
