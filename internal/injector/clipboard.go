package injector

import (
	"context"
	"sync"
	"time"

	"injectd/internal/clipboard"
	"injectd/internal/uinput"
)

// pasteSettleDelay gives the target time to service the paste chord before
// the clipboard is restored underneath it.
const pasteSettleDelay = 30 * time.Millisecond

// keyboardDevice is the slice of uinput the adapters need; injectable so
// tests run without /dev/uinput.
type keyboardDevice interface {
	TypeText(ctx context.Context, text string) error
	PasteChord(ctx context.Context) error
	Close() error
}

// deviceOpener creates keyboard devices on demand.
type deviceOpener func() (keyboardDevice, error)

func defaultOpener(name string) deviceOpener {
	return func() (keyboardDevice, error) { return uinput.Open(name) }
}

// sharedDevice lazily opens one virtual keyboard and hands it to both
// keystroke-capable adapters. Creating a uinput device is visible to the
// compositor, so one device serves the whole process.
type sharedDevice struct {
	open deviceOpener

	mu  sync.Mutex
	dev keyboardDevice
}

func (s *sharedDevice) get() (keyboardDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return s.dev, nil
	}
	dev, err := s.open()
	if err != nil {
		return nil, err
	}
	s.dev = dev
	return dev, nil
}

func (s *sharedDevice) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		s.dev.Close()
		s.dev = nil
	}
}

// ClipboardPaste seeds the clipboard and synthesizes Ctrl+V on a virtual
// keyboard. The broadest-compatibility method, and the most invasive: it
// perturbs the user's clipboard, so it restores the snapshot on every exit
// path.
type ClipboardPaste struct {
	clip *clipboard.Client
	dev  *sharedDevice
}

// NewClipboardPaste creates the clipboard-plus-paste-chord adapter.
func NewClipboardPaste(clip *clipboard.Client) *ClipboardPaste {
	return &ClipboardPaste{clip: clip, dev: &sharedDevice{open: defaultOpener("injectd paste")}}
}

// Method implements Injector.
func (c *ClipboardPaste) Method() Method { return MethodClipboardPaste }

// Available implements Injector.
func (c *ClipboardPaste) Available() bool {
	return c.clip.Available() && uinput.Available()
}

// Attempt implements Injector.
func (c *ClipboardPaste) Attempt(ctx context.Context, text string, ictx *Context) error {
	dev, err := c.dev.get()
	if err != nil {
		return Fail(MethodClipboardPaste, ErrPermissionDenied)
	}

	restore, err := seedClipboard(ctx, c.clip, text, ictx)
	if err != nil {
		return Failf(MethodClipboardPaste, "seed clipboard: %w", err)
	}
	defer restore()

	if err := dev.PasteChord(ctx); err != nil {
		c.dev.close()
		return Failf(MethodClipboardPaste, "paste chord: %w", err)
	}

	select {
	case <-time.After(pasteSettleDelay):
	case <-ctx.Done():
	}
	return nil
}

// Close releases the virtual device.
func (c *ClipboardPaste) Close() error {
	c.dev.close()
	return nil
}

// VirtualKeyboard types text key by key on a uinput device. Limited to the
// US layout; text with unmappable runes fails before any key is emitted so a
// clipboard method can take over cleanly.
type VirtualKeyboard struct {
	dev *sharedDevice
}

// NewVirtualKeyboard creates the synthesized-typing adapter.
func NewVirtualKeyboard() *VirtualKeyboard {
	return &VirtualKeyboard{dev: &sharedDevice{open: defaultOpener("injectd keyboard")}}
}

// Method implements Injector.
func (v *VirtualKeyboard) Method() Method { return MethodVirtualKeyboard }

// Available implements Injector.
func (v *VirtualKeyboard) Available() bool { return uinput.Available() }

// Attempt implements Injector.
func (v *VirtualKeyboard) Attempt(ctx context.Context, text string, ictx *Context) error {
	if ictx.ModeOverride == ModePaste {
		return Fail(MethodVirtualKeyboard, ErrModeMismatch)
	}
	if _, err := uinput.MapText(text); err != nil {
		return Failf(MethodVirtualKeyboard, "unmappable text: %w", err)
	}

	dev, err := v.dev.get()
	if err != nil {
		return Fail(MethodVirtualKeyboard, ErrPermissionDenied)
	}
	if err := dev.TypeText(ctx, text); err != nil {
		v.dev.close()
		return Failf(MethodVirtualKeyboard, "type: %w", err)
	}
	return nil
}

// Close releases the virtual device.
func (v *VirtualKeyboard) Close() error {
	v.dev.close()
	return nil
}
