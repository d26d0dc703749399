package injector

import (
	"context"
	"sync"
	"time"
)

// Mock is a scriptable adapter for tests. It records every attempt and can
// fail, delay, or succeed on demand.
type Mock struct {
	method    Method
	available bool

	mu       sync.Mutex
	err      error
	delay    time.Duration
	attempts []MockAttempt
}

// MockAttempt records one call to Attempt.
type MockAttempt struct {
	Text    string
	Context Context
	At      time.Time
}

// NewMock creates a mock adapter for the given method that succeeds
// immediately.
func NewMock(method Method) *Mock {
	return &Mock{method: method, available: true}
}

// Method implements Injector.
func (m *Mock) Method() Method { return m.method }

// Available implements Injector.
func (m *Mock) Available() bool { return m.available }

// SetAvailable controls the Available probe.
func (m *Mock) SetAvailable(ok bool) { m.available = ok }

// FailWith makes every subsequent attempt return err (nil restores success).
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// DelayFor makes every subsequent attempt take at least d.
func (m *Mock) DelayFor(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// Attempt implements Injector.
func (m *Mock) Attempt(ctx context.Context, text string, ictx *Context) error {
	m.mu.Lock()
	err := m.err
	delay := m.delay
	m.attempts = append(m.attempts, MockAttempt{Text: text, Context: *ictx, At: time.Now()})
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return Fail(m.method, err)
	}
	return nil
}

// Attempts returns a copy of the recorded attempts.
func (m *Mock) Attempts() []MockAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockAttempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}

// AttemptCount returns how many times Attempt was called.
func (m *Mock) AttemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}
