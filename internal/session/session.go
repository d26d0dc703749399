// Package session decides when buffered transcript text is ready to inject.
//
// Transcription arrives as fragments; injecting each one immediately would
// fragment an utterance across many injections, while waiting too long makes
// dictation feel laggy. The session buffers fragments and watches the gaps
// between them: a short pause moves it toward injection, sustained silence
// (or a full buffer, or terminal punctuation) releases the buffer.
package session

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"injectd/internal/logging"
)

// State is the session's position in the buffering lifecycle.
type State int

const (
	// StateIdle means the buffer is empty and nothing is pending.
	StateIdle State = iota
	// StateBuffering means fragments are arriving.
	StateBuffering
	// StateWaitingForSilence means input paused; waiting out the longer
	// silence window before release.
	StateWaitingForSilence
	// StateReady means the buffer must be drained with TakeBuffer.
	StateReady
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateWaitingForSilence:
		return "waiting_for_silence"
	case StateReady:
		return "ready"
	default:
		return "invalid"
	}
}

// ErrNotReady is returned by TakeBuffer outside the Ready state. The buffer
// is drained exactly once per readiness; a second drain is a caller bug.
var ErrNotReady = errors.New("session: buffer not ready")

// Config holds the timing knobs. A zero timeout means that stage is skipped
// entirely, so zero for both releases a fragment as soon as it arrives.
type Config struct {
	// BufferPauseTimeout is the input gap that moves Buffering to
	// WaitingForSilence.
	BufferPauseTimeout time.Duration

	// SilenceTimeout is the input gap that releases the buffer. Layered on
	// top of the pause check, so the effective wait is the larger of the two.
	SilenceTimeout time.Duration

	// MaxBufferChars releases the buffer immediately once exceeded,
	// bypassing the silence wait. Zero disables the limit.
	MaxBufferChars int
}

// DefaultConfig returns the timing defaults.
func DefaultConfig() Config {
	return Config{
		BufferPauseTimeout: 300 * time.Millisecond,
		SilenceTimeout:     800 * time.Millisecond,
		MaxBufferChars:     512,
	}
}

// Session is the per-dictation-session buffering state machine. Safe for a
// producer feeding AddTranscription while an owner polls ShouldInject.
type Session struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu          sync.Mutex
	state       State
	buf         strings.Builder
	lastInput   time.Time
	utteranceID string
}

// Option customizes a Session.
type Option func(*Session)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithLogger sets the session logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// New creates an idle session.
func New(cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:   cfg,
		log:   logging.Default().With("component", "session"),
		now:   time.Now,
		state: StateIdle,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddTranscription appends a finalized transcript fragment to the buffer.
// Whitespace is normalized and fragments are joined with single spaces.
// Empty fragments are dropped without touching session state.
func (s *Session) AddTranscription(text string) {
	norm := normalize(text)
	if norm == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		s.utteranceID = uuid.NewString()
		s.log.Debug("utterance started", "utterance_id", s.utteranceID)
	}
	if s.buf.Len() > 0 {
		s.buf.WriteByte(' ')
	}
	s.buf.WriteString(norm)
	s.lastInput = s.now()
	s.state = StateBuffering

	s.log.Debug("fragment buffered",
		"utterance_id", s.utteranceID,
		"fragment_len", len(norm),
		"buffer_len", s.buf.Len(),
		"buffer_digest", logging.TextDigest(s.buf.String()))
}

// ShouldInject advances the state machine against the clock and reports
// whether the buffer is ready to drain. Called periodically by the session
// owner; a true result obliges the caller to invoke TakeBuffer.
func (s *Session) ShouldInject() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle, StateReady:
		return s.state == StateReady
	}

	// Size and punctuation overrides bypass the silence wait entirely to
	// bound latency and buffer growth.
	if s.cfg.MaxBufferChars > 0 && s.buf.Len() >= s.cfg.MaxBufferChars {
		s.become(StateReady, "max_buffer_chars")
		return true
	}
	if endsTerminal(s.buf.String()) {
		s.become(StateReady, "terminal_punctuation")
		return true
	}

	gap := s.now().Sub(s.lastInput)
	if s.state == StateBuffering && gap >= s.cfg.BufferPauseTimeout {
		s.state = StateWaitingForSilence
	}
	if s.state == StateWaitingForSilence && gap >= s.cfg.SilenceTimeout {
		s.become(StateReady, "silence")
		return true
	}
	return false
}

// become transitions to Ready and logs why.
func (s *Session) become(st State, reason string) {
	s.state = st
	s.log.Debug("buffer ready",
		"utterance_id", s.utteranceID,
		"reason", reason,
		"buffer_len", s.buf.Len())
}

// NotifyInput resets the waiting clock when input resumes mid-wait. The same
// effect as AddTranscription but for partial (non-final) fragments that carry
// no text to keep.
func (s *Session) NotifyInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateWaitingForSilence {
		s.state = StateBuffering
	}
	if s.state == StateBuffering {
		s.lastInput = s.now()
	}
}

// TakeBuffer drains the accumulated text and resets to Idle. Only legal in
// the Ready state; any other state returns ErrNotReady with an empty string.
func (s *Session) TakeBuffer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return "", ErrNotReady
	}
	text := s.buf.String()
	s.buf.Reset()
	s.state = StateIdle
	s.log.Debug("buffer drained",
		"utterance_id", s.utteranceID,
		"text_len", len(text),
		"text_digest", logging.TextDigest(text))
	s.utteranceID = ""
	return text, nil
}

// Flush drains the buffer regardless of state, skipping the silence wait.
// Returns ErrNotReady when nothing is buffered.
func (s *Session) Flush() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf.Len() == 0 {
		return "", ErrNotReady
	}
	text := s.buf.String()
	s.buf.Reset()
	s.state = StateIdle
	s.log.Debug("buffer flushed",
		"utterance_id", s.utteranceID,
		"text_len", len(text),
		"text_digest", logging.TextDigest(text))
	s.utteranceID = ""
	return text, nil
}

// Reset discards any buffered text and returns to Idle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() > 0 {
		s.log.Debug("buffer discarded",
			"utterance_id", s.utteranceID,
			"buffer_len", s.buf.Len())
	}
	s.buf.Reset()
	s.state = StateIdle
	s.utteranceID = ""
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BufferLen returns the current buffer length in bytes.
func (s *Session) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// BufferPreview returns a redacted view of the buffer: its length in bytes
// and the digest of its content. Buffered text itself never leaves the
// session except through TakeBuffer or Flush.
func (s *Session) BufferPreview() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return 0, ""
	}
	return s.buf.Len(), logging.TextDigest(s.buf.String())
}

// UtteranceID returns the identifier of the in-flight utterance, empty when
// idle.
func (s *Session) UtteranceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.utteranceID
}

// normalize collapses runs of whitespace to single spaces and trims the ends.
func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// endsTerminal reports whether the buffer ends in sentence-terminal
// punctuation.
func endsTerminal(text string) bool {
	runes := []rune(text)
	if len(runes) == 0 {
		return false
	}
	switch runes[len(runes)-1] {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}
