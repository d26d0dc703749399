// Package confirm verifies that injected text actually appeared in the
// target.
//
// Adapters report local success ("clipboard set", "key event written") which
// says nothing about whether the target application reacted. The confirmer is
// the only source of truth: it watches the target's text for a change and
// matches a short prefix of the injected text against what appeared,
// tolerating downstream normalization rather than requiring byte equality.
package confirm

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"injectd/internal/logging"
)

// Result classifies one confirmation outcome.
type Result int

const (
	// ResultConfirmed means the observed change matched the injected prefix.
	ResultConfirmed Result = iota
	// ResultMismatch means the target changed but not with our text.
	ResultMismatch
	// ResultTimeout means the watch mechanism works but no matching change
	// arrived inside the window. Never promoted to Confirmed; policy decides
	// whether it counts as failure.
	ResultTimeout
	// ResultUnavailable means the watch mechanism itself is unreachable,
	// distinct from a working mechanism that saw nothing.
	ResultUnavailable
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case ResultConfirmed:
		return "confirmed"
	case ResultMismatch:
		return "mismatch"
	case ResultTimeout:
		return "timeout"
	case ResultUnavailable:
		return "unavailable"
	default:
		return "invalid"
	}
}

// Watcher reads the target's current text. Backed by the accessibility bus in
// production and by scripted doubles in tests.
type Watcher interface {
	ObserveText(ctx context.Context) (string, error)
}

// Prefix length bounds, in visible characters.
const (
	minPrefix = 3
	maxPrefix = 6
)

// DefaultWindow is the hard confirmation deadline.
const DefaultWindow = 75 * time.Millisecond

// defaultPollInterval is the gap between observation polls. Event
// subscription would be preferable; the accessibility bus delivers
// text-changed signals unreliably across toolkits, so bounded polling under
// the same deadline is the dependable form.
const defaultPollInterval = 10 * time.Millisecond

// Confirmer polls a watcher for the injected text.
type Confirmer struct {
	watcher Watcher
	window  time.Duration
	poll    time.Duration
	log     *slog.Logger
}

// Option customizes a Confirmer.
type Option func(*Confirmer)

// WithWindow overrides the confirmation deadline.
func WithWindow(d time.Duration) Option {
	return func(c *Confirmer) { c.window = d }
}

// WithPollInterval overrides the polling gap, for tests.
func WithPollInterval(d time.Duration) Option {
	return func(c *Confirmer) { c.poll = d }
}

// WithLogger sets the confirmer logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Confirmer) { c.log = log }
}

// New creates a confirmer over the given watcher.
func New(watcher Watcher, opts ...Option) *Confirmer {
	c := &Confirmer{
		watcher: watcher,
		window:  DefaultWindow,
		poll:    defaultPollInterval,
		log:     logging.Default().With("component", "confirm"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Confirm watches for expected to appear in the target. It reads a baseline
// first, then polls for a change until the window closes.
func (c *Confirmer) Confirm(ctx context.Context, expected string) Result {
	prefix := Prefix(expected)
	if prefix == "" {
		return ResultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, c.window)
	defer cancel()

	baseline, err := c.watcher.ObserveText(ctx)
	if err != nil {
		c.log.Debug("watch mechanism unreachable", "error", err)
		return ResultUnavailable
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ResultTimeout
		case <-ticker.C:
		}

		observed, err := c.watcher.ObserveText(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ResultTimeout
			}
			return ResultUnavailable
		}
		if observed == baseline {
			continue
		}

		inserted := insertion(baseline, observed)
		if matchesPrefix(inserted, prefix) {
			return ResultConfirmed
		}
		c.log.Debug("target changed without our text",
			"expected_digest", logging.TextDigest(prefix),
			"observed_digest", logging.TextDigest(inserted))
		return ResultMismatch
	}
}

// Prefix extracts the 3 to 6 visible-character prefix used for matching.
// Combining marks attach to the preceding visible character so the prefix
// never splits a grapheme; text shorter than the minimum is used whole.
func Prefix(text string) string {
	var b strings.Builder
	visible := 0
	for _, r := range text {
		if isCombining(r) {
			if visible > 0 {
				b.WriteRune(r)
			}
			continue
		}
		if visible >= maxPrefix {
			break
		}
		b.WriteRune(r)
		visible++
	}
	return b.String()
}

// isCombining reports whether the rune extends the previous visible
// character rather than standing alone.
func isCombining(r rune) bool {
	return unicode.In(r, unicode.Mn, unicode.Me, unicode.Mc) || r == '\u200d'
}

// insertion extracts the text that appeared between two observations by
// stripping the longest common prefix and suffix. An insertion at the caret
// leaves the surrounding text intact, so the residue is what was typed.
func insertion(before, after string) string {
	b, a := []rune(before), []rune(after)

	i := 0
	for i < len(b) && i < len(a) && b[i] == a[i] {
		i++
	}
	j := 0
	for j < len(b)-i && j < len(a)-i && b[len(b)-1-j] == a[len(a)-1-j] {
		j++
	}
	return string(a[i : len(a)-j])
}

// matchesPrefix reports whether the inserted text and the expected prefix
// agree on at least the minimum visible length. A truncated observation that
// is still a prefix of the expectation counts.
func matchesPrefix(inserted, prefix string) bool {
	if inserted == "" {
		return false
	}
	ir, pr := []rune(inserted), []rune(prefix)

	n := 0
	for n < len(ir) && n < len(pr) && ir[n] == pr[n] {
		n++
	}

	visible := 0
	for _, r := range ir[:n] {
		if !isCombining(r) {
			visible++
		}
	}
	if visible >= minPrefix {
		return true
	}
	// Short expectations match whole.
	return n == len(pr) && n == len(ir)
}
