// Package portal drives keyboard input through the XDG desktop portal's
// RemoteDesktop interface. The portal is permission-gated: the first session
// may prompt the user, after which compositors typically remember the grant.
//
// Session setup is slow (three brokered round trips), which is why the
// prewarm layer establishes sessions ahead of the injection critical path.
package portal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	portalService = "org.freedesktop.portal.Desktop"
	portalPath    = "/org/freedesktop/portal/desktop"

	remoteDesktopIface = "org.freedesktop.portal.RemoteDesktop"
	requestIface       = "org.freedesktop.portal.Request"

	// deviceKeyboard is the RemoteDesktop device bitmask for keyboards.
	deviceKeyboard = uint32(1)

	// Key event states for NotifyKeyboardKeycode.
	statePressed  = uint32(1)
	stateReleased = uint32(0)
)

// ErrDenied is returned when the portal (or the user) refuses the session.
var ErrDenied = errors.New("portal: remote desktop session denied")

var tokenSeq atomic.Uint64

// Session is an established RemoteDesktop portal session.
type Session struct {
	conn   *dbus.Conn
	handle dbus.ObjectPath
}

// Available reports whether the portal service is reachable on the session
// bus and exposes the RemoteDesktop interface.
func Available() bool {
	conn, err := dbus.SessionBus()
	if err != nil {
		return false
	}
	v, err := conn.Object(portalService, portalPath).GetProperty(remoteDesktopIface + ".version")
	if err != nil {
		return false
	}
	ver, ok := v.Value().(uint32)
	return ok && ver >= 1
}

// Connect establishes a RemoteDesktop session with keyboard access.
func Connect(ctx context.Context) (*Session, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("portal: session bus: %w", err)
	}

	s := &Session{conn: conn}

	// CreateSession
	resp, err := s.request(ctx, "CreateSession", map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(newToken()),
		"session_handle_token": dbus.MakeVariant(newToken()),
	})
	if err != nil {
		return nil, err
	}
	handleVar, ok := resp["session_handle"]
	if !ok {
		return nil, errors.New("portal: create session returned no handle")
	}
	switch h := handleVar.Value().(type) {
	case string:
		s.handle = dbus.ObjectPath(h)
	case dbus.ObjectPath:
		s.handle = h
	default:
		return nil, fmt.Errorf("portal: unexpected session handle type %T", h)
	}

	// SelectDevices: keyboard only.
	if _, err := s.request(ctx, "SelectDevices", map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(newToken()),
		"types":        dbus.MakeVariant(deviceKeyboard),
	}, s.handle); err != nil {
		return nil, err
	}

	// Start: empty parent window, we have no surface of our own.
	if _, err := s.request(ctx, "Start", map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(newToken()),
	}, s.handle, ""); err != nil {
		return nil, err
	}

	return s, nil
}

// request calls a RemoteDesktop method and waits for its Response signal.
func (s *Session) request(ctx context.Context, method string, options map[string]dbus.Variant, prefixArgs ...interface{}) (map[string]dbus.Variant, error) {
	signals := make(chan *dbus.Signal, 8)
	s.conn.Signal(signals)
	defer s.conn.RemoveSignal(signals)

	if err := s.conn.AddMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return nil, fmt.Errorf("portal: match signal: %w", err)
	}
	defer s.conn.RemoveMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	)

	args := make([]interface{}, 0, len(prefixArgs)+1)
	args = append(args, prefixArgs...)
	args = append(args, options)

	var reqPath dbus.ObjectPath
	obj := s.conn.Object(portalService, portalPath)
	call := obj.CallWithContext(ctx, remoteDesktopIface+"."+method, 0, args...)
	if err := call.Store(&reqPath); err != nil {
		return nil, fmt.Errorf("portal: %s: %w", method, err)
	}

	for {
		select {
		case sig := <-signals:
			if sig.Path != reqPath || len(sig.Body) < 2 {
				continue
			}
			code, _ := sig.Body[0].(uint32)
			if code != 0 {
				return nil, ErrDenied
			}
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			return results, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("portal: %s: %w", method, ctx.Err())
		}
	}
}

// Keycode sends one key press or release for a Linux keycode.
func (s *Session) Keycode(ctx context.Context, keycode int32, pressed bool) error {
	state := stateReleased
	if pressed {
		state = statePressed
	}
	obj := s.conn.Object(portalService, portalPath)
	opts := map[string]dbus.Variant{}
	if err := obj.CallWithContext(ctx, remoteDesktopIface+".NotifyKeyboardKeycode", 0,
		s.handle, opts, keycode, state).Err; err != nil {
		return fmt.Errorf("portal: keycode %d: %w", keycode, err)
	}
	return nil
}

// TapKeycode presses and releases one Linux keycode in the session.
func (s *Session) TapKeycode(ctx context.Context, keycode int32) error {
	if err := s.Keycode(ctx, keycode, true); err != nil {
		return err
	}
	return s.Keycode(ctx, keycode, false)
}

// Close tears down the portal session.
func (s *Session) Close() error {
	if s.handle == "" {
		return nil
	}
	obj := s.conn.Object(portalService, s.handle)
	err := obj.Call("org.freedesktop.portal.Session.Close", 0).Err
	s.handle = ""
	return err
}

// newToken generates a portal handle token.
func newToken() string {
	n := tokenSeq.Add(1)
	return fmt.Sprintf("injectd_%d_%s", n, uuid.NewString()[:8])
}
