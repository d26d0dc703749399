package strategy

import (
	"sync"
	"time"

	"injectd/internal/injector"
)

// Cooldown bounds. A failing method is excluded for the base duration, doubled
// on each consecutive failure, and capped.
const (
	baseCooldown = 500 * time.Millisecond
	maxCooldown  = 30 * time.Second
)

// recordKey identifies one (application, method) pair.
type recordKey struct {
	app    string
	method injector.Method
}

// MethodRecord tracks how one method has fared against one application.
type MethodRecord struct {
	App    string
	Method injector.Method

	Successes int
	Failures  int

	// ConsecutiveFailures drives the exponential backoff.
	ConsecutiveFailures int

	// Cooldown is the exclusion duration applied on the last failure.
	Cooldown time.Duration

	// CooldownUntil is when the method becomes eligible again.
	CooldownUntil time.Time

	LastAttempt time.Time
}

// SuccessRate returns the observed success fraction. Unattempted pairs score
// a neutral 0.5 so history only reorders methods it has actually seen.
func (r *MethodRecord) SuccessRate() float64 {
	total := r.Successes + r.Failures
	if total == 0 {
		return 0.5
	}
	return float64(r.Successes) / float64(total)
}

// History is the process-wide method performance registry. Keyed by
// (application, method); created lazily, never evicted. Guarded by one lock:
// updates happen only at attempt boundaries, so contention is negligible.
type History struct {
	now func() time.Time

	mu      sync.Mutex
	records map[recordKey]*MethodRecord
}

// NewHistory creates an empty registry.
func NewHistory() *History {
	return &History{now: time.Now, records: make(map[recordKey]*MethodRecord)}
}

// WithClock replaces the wall clock, for tests.
func (h *History) WithClock(now func() time.Time) *History {
	h.now = now
	return h
}

// get returns the record for a key, creating it on first use. Caller holds
// the lock.
func (h *History) get(app string, method injector.Method) *MethodRecord {
	k := recordKey{app: app, method: method}
	r, ok := h.records[k]
	if !ok {
		r = &MethodRecord{App: app, Method: method}
		h.records[k] = r
	}
	return r
}

// RecordSuccess resets the backoff for a pair.
func (h *History) RecordSuccess(app string, method injector.Method) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.get(app, method)
	r.Successes++
	r.ConsecutiveFailures = 0
	r.Cooldown = 0
	r.CooldownUntil = time.Time{}
	r.LastAttempt = h.now()
}

// RecordFailure advances the backoff for a pair: base on the first failure,
// doubled per consecutive failure, capped.
func (h *History) RecordFailure(app string, method injector.Method) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.get(app, method)
	r.Failures++
	r.ConsecutiveFailures++

	cd := baseCooldown << (r.ConsecutiveFailures - 1)
	if cd > maxCooldown || cd <= 0 {
		cd = maxCooldown
	}
	r.Cooldown = cd
	r.CooldownUntil = h.now().Add(cd)
	r.LastAttempt = h.now()
}

// InCooldown reports whether a pair is currently excluded.
func (h *History) InCooldown(app string, method injector.Method) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.records[recordKey{app: app, method: method}]
	if !ok {
		return false
	}
	return h.now().Before(r.CooldownUntil)
}

// Rate returns the success rate for a pair (0.5 when unattempted).
func (h *History) Rate(app string, method injector.Method) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.records[recordKey{app: app, method: method}]
	if !ok {
		return 0.5
	}
	return r.SuccessRate()
}

// Record returns a copy of the record for a pair, and whether it exists.
func (h *History) Record(app string, method injector.Method) (MethodRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.records[recordKey{app: app, method: method}]
	if !ok {
		return MethodRecord{}, false
	}
	return *r, true
}

// Export snapshots every record, for stats reporting and persistence.
func (h *History) Export() []MethodRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]MethodRecord, 0, len(h.records))
	for _, r := range h.records {
		out = append(out, *r)
	}
	return out
}

// Import seeds the registry from persisted records. Cooldown expiries in the
// past are kept as-is; InCooldown ignores them naturally.
func (h *History) Import(records []MethodRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range records {
		rec := rec
		h.records[recordKey{app: rec.App, method: rec.Method}] = &rec
	}
}
