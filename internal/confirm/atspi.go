package confirm

import (
	"context"
	"sync"

	"injectd/internal/atspi"
)

// AtspiWatcher observes the focused element's text over the accessibility
// bus. It re-resolves focus on every observation so a focus change between
// injection and confirmation reads the element the text actually landed in.
type AtspiWatcher struct {
	dial func(ctx context.Context) (*atspi.Conn, error)

	mu   sync.Mutex
	conn *atspi.Conn
}

// NewAtspiWatcher creates a watcher over the accessibility bus.
func NewAtspiWatcher() *AtspiWatcher {
	return &AtspiWatcher{dial: atspi.Connect}
}

// ObserveText implements Watcher.
func (w *AtspiWatcher) ObserveText(ctx context.Context) (string, error) {
	conn, err := w.get(ctx)
	if err != nil {
		return "", err
	}
	ref, _, err := conn.FocusedEditable(ctx)
	if err != nil {
		w.reset()
		return "", err
	}
	text, err := conn.Text(ctx, ref)
	if err != nil {
		w.reset()
		return "", err
	}
	return text, nil
}

func (w *AtspiWatcher) get(ctx context.Context) (*atspi.Conn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return w.conn, nil
	}
	conn, err := w.dial(ctx)
	if err != nil {
		return nil, err
	}
	w.conn = conn
	return conn, nil
}

func (w *AtspiWatcher) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// Close releases the bus connection.
func (w *AtspiWatcher) Close() error {
	w.reset()
	return nil
}
