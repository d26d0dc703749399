package injector

import (
	"context"
	"errors"
	"sync"

	"injectd/internal/atspi"
	"injectd/internal/clipboard"
)

// atspiDialer opens accessibility bus connections; injectable for tests and
// shared with prewarm so warmed connections carry over.
type atspiDialer func(ctx context.Context) (*atspi.Conn, error)

// atspiBase holds the connection handling shared by the two AT-SPI adapters.
type atspiBase struct {
	dial atspiDialer

	mu   sync.Mutex
	conn *atspi.Conn
}

func (b *atspiBase) get(ctx context.Context) (*atspi.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	conn, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return conn, nil
}

// reset drops the cached connection after a bus-level failure so the next
// attempt redials instead of reusing a dead socket.
func (b *atspiBase) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// Seed primes the cached connection, used by the prewarm layer.
func (b *atspiBase) Seed(ctx context.Context) error {
	_, err := b.get(ctx)
	return err
}

func (b *atspiBase) available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), availabilityProbeTimeout)
	defer cancel()
	_, err := b.get(ctx)
	if err != nil {
		b.reset()
		return false
	}
	return true
}

// target resolves the focused editable element for one attempt.
func (b *atspiBase) target(ctx context.Context, method Method) (*atspi.Conn, atspi.Ref, error) {
	conn, err := b.get(ctx)
	if err != nil {
		return nil, atspi.Ref{}, Fail(method, ErrUnavailable)
	}
	ref, editable, err := conn.FocusedEditable(ctx)
	if err != nil {
		if errors.Is(err, atspi.ErrNoFocusedElement) {
			return nil, atspi.Ref{}, Fail(method, ErrNoEditableTarget)
		}
		b.reset()
		return nil, atspi.Ref{}, Failf(method, "focus query: %w", err)
	}
	if !editable {
		return nil, atspi.Ref{}, Fail(method, ErrNoEditableTarget)
	}
	return conn, ref, nil
}

// AtspiInsert delivers text with EditableText.InsertText at the caret.
type AtspiInsert struct {
	atspiBase
}

// NewAtspiInsert creates the direct-insert adapter.
func NewAtspiInsert() *AtspiInsert {
	return &AtspiInsert{atspiBase{dial: atspi.Connect}}
}

// Method implements Injector.
func (a *AtspiInsert) Method() Method { return MethodAtspiInsert }

// Available implements Injector.
func (a *AtspiInsert) Available() bool { return a.available() }

// Attempt implements Injector.
func (a *AtspiInsert) Attempt(ctx context.Context, text string, ictx *Context) error {
	conn, ref, err := a.target(ctx, MethodAtspiInsert)
	if err != nil {
		return err
	}

	offset, err := conn.CaretOffset(ctx, ref)
	if err != nil {
		// Some widgets expose EditableText without Text; append instead.
		offset = -1
	}
	if err := conn.InsertText(ctx, ref, offset, text); err != nil {
		return Failf(MethodAtspiInsert, "insert: %w", err)
	}
	return nil
}

// AtspiPaste seeds the clipboard and asks the target to paste via
// EditableText.PasteText. Works in targets whose InsertText is broken but
// whose paste path is wired to the clipboard.
type AtspiPaste struct {
	atspiBase
	clip *clipboard.Client
}

// NewAtspiPaste creates the accessibility-paste adapter.
func NewAtspiPaste(clip *clipboard.Client) *AtspiPaste {
	return &AtspiPaste{atspiBase: atspiBase{dial: atspi.Connect}, clip: clip}
}

// Method implements Injector.
func (a *AtspiPaste) Method() Method { return MethodAtspiPaste }

// Available implements Injector.
func (a *AtspiPaste) Available() bool {
	return a.clip.Available() && a.available()
}

// Attempt implements Injector.
func (a *AtspiPaste) Attempt(ctx context.Context, text string, ictx *Context) error {
	conn, ref, err := a.target(ctx, MethodAtspiPaste)
	if err != nil {
		return err
	}

	restore, err := seedClipboard(ctx, a.clip, text, ictx)
	if err != nil {
		return Failf(MethodAtspiPaste, "seed clipboard: %w", err)
	}
	defer restore()

	offset, err := conn.CaretOffset(ctx, ref)
	if err != nil {
		offset = -1
	}
	if err := conn.PasteText(ctx, ref, offset); err != nil {
		return Failf(MethodAtspiPaste, "paste: %w", err)
	}
	return nil
}

// seedClipboard writes text to the clipboard and returns a restore function
// that puts the pre-attempt content back. The restore uses a fresh context so
// it still runs after the attempt deadline expires.
func seedClipboard(ctx context.Context, clip *clipboard.Client, text string, ictx *Context) (func(), error) {
	var snap clipboard.Snapshot
	if ictx != nil && ictx.Backup != nil {
		snap = clipboard.Snapshot{Content: ictx.Backup.Content, MimeType: ictx.Backup.MimeType}
		if len(snap.Content) == 0 {
			snap.Empty = true
		}
	} else {
		var err error
		snap, err = clip.Read(ctx)
		if err != nil {
			snap = clipboard.Snapshot{Empty: true}
		}
	}

	if err := clip.Write(ctx, []byte(text)); err != nil {
		return nil, err
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), clipboardRestoreTimeout)
		defer cancel()
		clip.Restore(rctx, snap)
	}, nil
}
