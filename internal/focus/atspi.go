package focus

import (
	"context"
	"errors"
	"sync"

	"injectd/internal/atspi"
)

// AtspiBackend queries focus state over the AT-SPI accessibility bus.
// The connection is established lazily and reused; a failed connection is
// retried on the next query.
type AtspiBackend struct {
	mu   sync.Mutex
	conn *atspi.Conn
}

// NewAtspiBackend creates an AT-SPI focus backend.
func NewAtspiBackend() *AtspiBackend {
	return &AtspiBackend{}
}

// QueryFocus implements Backend.
func (b *AtspiBackend) QueryFocus(ctx context.Context) (Status, Target, error) {
	conn, err := b.connection(ctx)
	if err != nil {
		return StatusUnknown, Target{}, err
	}

	ref, editable, err := conn.FocusedEditable(ctx)
	if err != nil {
		if errors.Is(err, atspi.ErrNoFocusedElement) {
			return StatusNonEditable, Target{}, nil
		}
		// Drop the connection so the next query reconnects.
		b.reset()
		return StatusUnknown, Target{}, err
	}

	target := Target{App: ref.Name, Window: string(ref.Path)}
	if name, err := conn.AppName(ctx, ref); err == nil && name != "" {
		target.App = name
	}

	if editable {
		return StatusEditableText, target, nil
	}
	return StatusNonEditable, target, nil
}

// connection returns the cached bus connection, dialing if needed.
func (b *AtspiBackend) connection(ctx context.Context) (*atspi.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	conn, err := atspi.Connect(ctx)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return conn, nil
}

func (b *AtspiBackend) reset() {
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
}

// Close releases the backend's bus connection.
func (b *AtspiBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}
