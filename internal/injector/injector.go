// Package injector defines the uniform capability surface over the injection
// primitives (accessibility insert/paste, clipboard plus synthesized paste,
// virtual keyboard, portal input) and the per-attempt context threaded through
// them.
//
// Adapters are deliberately thin: they perform one primitive and report what
// happened. Sequencing, budgets, fallback, and confirmation are the strategy
// layer's job.
package injector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"injectd/internal/focus"
)

const (
	// availabilityProbeTimeout bounds startup capability probes.
	availabilityProbeTimeout = 250 * time.Millisecond

	// clipboardRestoreTimeout bounds the deferred clipboard restore, which
	// runs on its own context so it survives an expired attempt deadline.
	clipboardRestoreTimeout = 500 * time.Millisecond
)

// Method identifies one injection primitive.
type Method string

const (
	// MethodAtspiInsert inserts text directly via the AT-SPI EditableText
	// interface.
	MethodAtspiInsert Method = "atspi_insert"
	// MethodAtspiPaste seeds the clipboard and asks the target to paste via
	// AT-SPI.
	MethodAtspiPaste Method = "atspi_paste"
	// MethodClipboardPaste seeds the clipboard and synthesizes a paste
	// chord. Last in the base order because it perturbs shared state.
	MethodClipboardPaste Method = "clipboard_paste"
	// MethodVirtualKeyboard types the text through a virtual uinput device.
	MethodVirtualKeyboard Method = "virtual_keyboard"
	// MethodPortalInput drives keyboard input through the desktop portal's
	// RemoteDesktop interface.
	MethodPortalInput Method = "portal_input"
	// MethodNoOp is the terminal sentinel. It never errors and performs no
	// action; the strategy layer must never report it as genuine success.
	MethodNoOp Method = "noop"
)

// Methods lists every known method in base-order-independent form.
func Methods() []Method {
	return []Method{
		MethodAtspiInsert,
		MethodAtspiPaste,
		MethodClipboardPaste,
		MethodVirtualKeyboard,
		MethodPortalInput,
		MethodNoOp,
	}
}

// Mode selects how text reaches the target.
type Mode string

const (
	// ModeAuto lets the strategy manager decide.
	ModeAuto Mode = "auto"
	// ModePaste prefers clipboard-mediated delivery.
	ModePaste Mode = "paste"
	// ModeKeystroke prefers synthesized typing.
	ModeKeystroke Mode = "keystroke"
)

// ClipboardBackup snapshots clipboard content so a clipboard-mutating adapter
// can restore it on every exit path.
type ClipboardBackup struct {
	Content  []byte
	MimeType string
}

// Context is the per-attempt immutable snapshot built once per injection
// request by the strategy manager and threaded through every adapter, so all
// methods agree on target identity and delivery mode.
type Context struct {
	// AttemptID correlates log and telemetry records for one request.
	AttemptID string

	// App is the target application identifier.
	App string

	// Window is the target window identifier.
	Window string

	// Focus is the focus status captured when the request began.
	Focus focus.Status

	// Backup is the clipboard snapshot taken before any adapter ran, if one
	// was available.
	Backup *ClipboardBackup

	// ModeOverride is the paste-versus-keystroke decision, made exactly
	// once per request. Adapters honor it rather than re-deriving policy.
	ModeOverride Mode
}

// Injector is the capability set every adapter implements.
type Injector interface {
	// Method identifies the primitive this adapter drives.
	Method() Method

	// Available reports whether the primitive can work in this environment.
	// Used for capability probing at startup; a true result does not
	// guarantee any individual attempt succeeds.
	Available() bool

	// Attempt performs one injection. A nil return means local success
	// only; confirmation is the caller's responsibility.
	Attempt(ctx context.Context, text string, ictx *Context) error
}

// Adapter-local failure causes.
var (
	// ErrUnavailable means the primitive cannot be reached at all
	// (bus down, device missing, tool not installed).
	ErrUnavailable = errors.New("injector: method unavailable")

	// ErrNoEditableTarget means the primitive works but there is nothing
	// focused that accepts text.
	ErrNoEditableTarget = errors.New("injector: no editable target")

	// ErrPermissionDenied means the environment refused the operation
	// (portal permission, uinput access).
	ErrPermissionDenied = errors.New("injector: permission denied")

	// ErrModeMismatch means the request's delivery mode rules this adapter
	// out: keystroke-only adapters decline paste-mode requests.
	ErrModeMismatch = errors.New("injector: delivery mode mismatch")
)

// AdapterError wraps a method-local failure with its origin. The strategy
// layer records these per method; they are never fatal on their own.
type AdapterError struct {
	Method Method
	Err    error
}

// Error implements error.
func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

// Unwrap exposes the cause.
func (e *AdapterError) Unwrap() error { return e.Err }

// Failf wraps an adapter-local failure.
func Failf(method Method, format string, args ...any) error {
	return &AdapterError{Method: method, Err: fmt.Errorf(format, args...)}
}

// Fail wraps a sentinel cause for a method.
func Fail(method Method, err error) error {
	return &AdapterError{Method: method, Err: err}
}
