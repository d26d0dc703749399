// Package focus answers whether the currently focused UI element can accept
// text, without hammering the accessibility bus on every character.
//
// Results are cached for a short window. Backend failures degrade to
// StatusUnknown rather than propagating: downstream policy decides how to
// treat an unknown focus state.
package focus

import (
	"context"
	"sync"
	"time"
)

// Status classifies the currently focused UI element.
type Status int

const (
	// StatusUnknown means focus state could not be determined.
	StatusUnknown Status = iota
	// StatusEditableText means the focused element accepts text input.
	StatusEditableText
	// StatusNonEditable means a focused element exists but rejects text.
	StatusNonEditable
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusEditableText:
		return "editable"
	case StatusNonEditable:
		return "non_editable"
	default:
		return "unknown"
	}
}

// Target identifies the focused application and window at query time.
type Target struct {
	// App is the application identifier (window class or bus name).
	App string

	// Window is the window or accessible-object identifier.
	Window string
}

// Backend queries the live focus state. Production backends talk to the
// accessibility bus; tests substitute a deterministic double.
type Backend interface {
	// QueryFocus returns the focus status and target identity.
	// Implementations should bound their own I/O with the context deadline.
	QueryFocus(ctx context.Context) (Status, Target, error)
}

// Tracker caches focus queries for a configurable window.
type Tracker struct {
	backend  Backend
	cacheTTL time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	lastCheck time.Time
	cached    Status
	target    Target
	hasCached bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCacheTTL overrides the default 200ms result cache window.
func WithCacheTTL(d time.Duration) Option {
	return func(t *Tracker) { t.cacheTTL = d }
}

// WithQueryTimeout overrides the per-query backend timeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

// NewTracker creates a focus tracker over the given backend.
func NewTracker(backend Backend, opts ...Option) *Tracker {
	t := &Tracker{
		backend:  backend,
		cacheTTL: 200 * time.Millisecond,
		timeout:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Status returns the focus status, serving the cached result when fresh.
// Backend errors and timeouts yield StatusUnknown.
func (t *Tracker) Status(ctx context.Context) Status {
	s, _ := t.StatusTarget(ctx)
	return s
}

// StatusTarget returns the focus status along with the target identity
// captured at the same query.
func (t *Tracker) StatusTarget(ctx context.Context) (Status, Target) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasCached && time.Since(t.lastCheck) < t.cacheTTL {
		return t.cached, t.target
	}

	qctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	status, target, err := t.backend.QueryFocus(qctx)
	if err != nil {
		status = StatusUnknown
		target = Target{}
	}

	t.lastCheck = time.Now()
	t.cached = status
	t.target = target
	t.hasCached = true
	return status, target
}

// Invalidate drops the cached result so the next query hits the backend.
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	t.hasCached = false
	t.mu.Unlock()
}
