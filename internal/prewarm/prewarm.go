// Package prewarm prepares expensive external resources ahead of the
// time-critical injection attempt.
//
// Connecting to the accessibility bus, snapshotting the clipboard, or
// establishing a portal session each cost tens of milliseconds; paying those
// costs sequentially inside an injection attempt would blow the total budget.
// The cache warms them concurrently while the session is still buffering, and
// serves them for a short TTL afterwards.
package prewarm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"injectd/internal/logging"
)

// Resource identifies one warmable resource class.
type Resource string

const (
	// ResourceAccessibility is the accessibility bus connection.
	ResourceAccessibility Resource = "accessibility"
	// ResourceClipboard is the pre-attempt clipboard snapshot.
	ResourceClipboard Resource = "clipboard"
	// ResourcePortal is the desktop portal input session.
	ResourcePortal Resource = "portal"
	// ResourceKeyboard is the virtual keyboard device handle.
	ResourceKeyboard Resource = "keyboard"
)

// DefaultTTL is how long a warmed entry stays servable. Beyond this, focus
// and clipboard state have likely drifted and the entry is treated as absent.
const DefaultTTL = 3 * time.Second

// WarmFunc prepares one resource. The payload is resource-specific and opaque
// to the cache.
type WarmFunc func(ctx context.Context) (any, error)

// Entry is one warmed resource.
type Entry struct {
	Resource  Resource
	Payload   any
	CreatedAt time.Time
}

// warmer pairs a preparation function with its private timeout. Timeouts are
// per warmer, not shared, so one hung resource cannot stall the others.
type warmer struct {
	fn      WarmFunc
	timeout time.Duration
}

// Cache holds warmed resources until they expire.
type Cache struct {
	ttl time.Duration
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	warmers map[Resource]warmer
	entries map[Resource]Entry
}

// Option customizes a Cache.
type Option func(*Cache)

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the cache logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// New creates an empty cache with no registered warmers.
func New(opts ...Option) *Cache {
	c := &Cache{
		ttl:     DefaultTTL,
		log:     logging.Default().With("component", "prewarm"),
		now:     time.Now,
		warmers: make(map[Resource]warmer),
		entries: make(map[Resource]Entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register adds a warmer for a resource. The timeout bounds that warmer
// alone; 10 to 40ms is the expected range depending on the resource.
func (c *Cache) Register(res Resource, timeout time.Duration, fn WarmFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warmers[res] = warmer{fn: fn, timeout: timeout}
}

// WarmAll runs every registered warmer concurrently and stores whichever
// succeed. Partial success is normal: an unreachable portal does not prevent
// the accessibility connection from being cached. Returns the number of
// resources warmed.
func (c *Cache) WarmAll(ctx context.Context) int {
	c.mu.Lock()
	pending := make(map[Resource]warmer, len(c.warmers))
	for res, w := range c.warmers {
		pending[res] = w
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	warmed := make(chan Resource, len(pending))
	for res, w := range pending {
		wg.Add(1)
		go func(res Resource, w warmer) {
			defer wg.Done()
			if c.warmOne(ctx, res, w) {
				warmed <- res
			}
		}(res, w)
	}
	wg.Wait()
	close(warmed)

	n := 0
	for range warmed {
		n++
	}
	c.log.Debug("prewarm pass complete", "warmed", n, "registered", len(pending))
	return n
}

// Refresh re-runs the warmer for one resource, replacing any cached entry.
// Used when the strategy layer is about to retry a specific method and wants
// its backing resource fresh.
func (c *Cache) Refresh(ctx context.Context, res Resource) bool {
	c.mu.Lock()
	w, ok := c.warmers[res]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.warmOne(ctx, res, w)
}

// warmOne runs a single warmer under its own timeout and stores the result.
func (c *Cache) warmOne(ctx context.Context, res Resource, w warmer) bool {
	wctx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := c.now()
	payload, err := w.fn(wctx)
	if err != nil {
		c.log.Debug("prewarm failed", "resource", res, "error", err)
		return false
	}

	c.mu.Lock()
	c.entries[res] = Entry{Resource: res, Payload: payload, CreatedAt: c.now()}
	c.mu.Unlock()

	c.log.Debug("prewarm succeeded", "resource", res, "elapsed", c.now().Sub(start))
	return true
}

// Get returns the cached entry for a resource. A stale entry (older than the
// TTL) is treated as absent and dropped; the caller prepares inline instead.
func (c *Cache) Get(res Resource) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[res]
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(e.CreatedAt) > c.ttl {
		delete(c.entries, res)
		return Entry{}, false
	}
	return e, true
}

// Invalidate drops one cached entry.
func (c *Cache) Invalidate(res Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, res)
}

// Reset drops every cached entry, used on session reset.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Resource]Entry)
}
