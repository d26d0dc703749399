// Package atspi is a thin client for the AT-SPI2 accessibility bus.
//
// It covers the small surface injectd needs: locating the focused accessible
// object, reading its text, and driving the EditableText interface. Everything
// here is plumbing; sequencing, budgeting, and fallback live in the strategy
// layer.
package atspi

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// D-Bus names for the accessibility bus and registry.
const (
	a11yBusService = "org.a11y.Bus"
	a11yBusPath    = "/org/a11y/bus"
	a11yBusIface   = "org.a11y.Bus"

	RegistryName = "org.a11y.atspi.Registry"
	RootPath     = "/org/a11y/atspi/accessible/root"

	ifaceAccessible   = "org.a11y.atspi.Accessible"
	ifaceCollection   = "org.a11y.atspi.Collection"
	ifaceText         = "org.a11y.atspi.Text"
	ifaceEditableText = "org.a11y.atspi.EditableText"
)

// AT-SPI StateType bit positions used in match rules.
const (
	stateEditable = 7
	stateFocused  = 12
)

// ErrNoFocusedElement is returned when no accessible object has focus.
var ErrNoFocusedElement = errors.New("atspi: no focused element")

// Ref identifies an accessible object by bus name and object path.
type Ref struct {
	Name string
	Path dbus.ObjectPath
}

// IsZero reports whether the ref is empty.
func (r Ref) IsZero() bool { return r.Name == "" && r.Path == "" }

// matchRule mirrors the AT-SPI MatchRule wire struct (aiia{ss}iaiiasib).
type matchRule struct {
	States         []int32
	StateMatch     int32
	Attributes     map[string]string
	AttributeMatch int32
	Roles          []int32
	RoleMatch      int32
	Interfaces     []string
	InterfaceMatch int32
	Invert         bool
}

// matchAll is the AT-SPI MATCH_ALL match type.
const matchAll int32 = 1

// stateSet encodes state bit positions into the two-word form AT-SPI expects.
func stateSet(bits ...uint) []int32 {
	words := []int32{0, 0}
	for _, b := range bits {
		words[b/32] |= 1 << (b % 32)
	}
	return words
}

// Conn is a connection to the accessibility bus.
type Conn struct {
	bus *dbus.Conn
}

// Connect opens the accessibility bus. The bus address is brokered through
// org.a11y.Bus on the session bus.
func Connect(ctx context.Context) (*Conn, error) {
	session, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("atspi: session bus: %w", err)
	}

	var addr string
	obj := session.Object(a11yBusService, a11yBusPath)
	if err := obj.CallWithContext(ctx, a11yBusIface+".GetAddress", 0).Store(&addr); err != nil {
		return nil, fmt.Errorf("atspi: get bus address: %w", err)
	}

	bus, err := dbus.Connect(addr)
	if err != nil {
		return nil, fmt.Errorf("atspi: connect %s: %w", addr, err)
	}
	return &Conn{bus: bus}, nil
}

// Close releases the bus connection.
func (c *Conn) Close() error {
	if c.bus == nil {
		return nil
	}
	return c.bus.Close()
}

// FocusedEditable finds the focused accessible object. The boolean reports
// whether the object implements EditableText.
func (c *Conn) FocusedEditable(ctx context.Context) (Ref, bool, error) {
	// First pass: focused and editable.
	refs, err := c.getMatches(ctx, matchRule{
		States:         stateSet(stateFocused, stateEditable),
		StateMatch:     matchAll,
		AttributeMatch: matchAll,
		RoleMatch:      matchAll,
		Interfaces:     []string{ifaceEditableText},
		InterfaceMatch: matchAll,
	})
	if err != nil {
		return Ref{}, false, err
	}
	if len(refs) > 0 {
		return refs[0], true, nil
	}

	// Second pass: anything focused at all.
	refs, err = c.getMatches(ctx, matchRule{
		States:         stateSet(stateFocused),
		StateMatch:     matchAll,
		AttributeMatch: matchAll,
		RoleMatch:      matchAll,
		InterfaceMatch: matchAll,
	})
	if err != nil {
		return Ref{}, false, err
	}
	if len(refs) == 0 {
		return Ref{}, false, ErrNoFocusedElement
	}
	return refs[0], false, nil
}

// getMatches runs Collection.GetMatches against the registry root.
func (c *Conn) getMatches(ctx context.Context, rule matchRule) ([]Ref, error) {
	obj := c.bus.Object(RegistryName, RootPath)

	// sortby=canonical(0), count=1, traverse=false
	var raw [][]interface{}
	call := obj.CallWithContext(ctx, ifaceCollection+".GetMatches", 0, rule, int32(0), int32(1), false)
	if err := call.Store(&raw); err != nil {
		return nil, fmt.Errorf("atspi: get matches: %w", err)
	}

	refs := make([]Ref, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 2 {
			continue
		}
		name, _ := entry[0].(string)
		path, _ := entry[1].(dbus.ObjectPath)
		refs = append(refs, Ref{Name: name, Path: path})
	}
	return refs, nil
}

// AppName returns the accessible name of the application owning ref.
func (c *Conn) AppName(ctx context.Context, ref Ref) (string, error) {
	obj := c.bus.Object(ref.Name, ref.Path)

	var app [2]interface{}
	call := obj.CallWithContext(ctx, ifaceAccessible+".GetApplication", 0)
	if err := call.Store(&app); err != nil {
		return "", fmt.Errorf("atspi: get application: %w", err)
	}
	appName, _ := app[0].(string)
	appPath, _ := app[1].(dbus.ObjectPath)

	v, err := c.bus.Object(appName, appPath).GetProperty(ifaceAccessible + ".Name")
	if err != nil {
		return appName, nil
	}
	name, _ := v.Value().(string)
	if name == "" {
		return appName, nil
	}
	return name, nil
}

// Text reads the full text content of ref.
func (c *Conn) Text(ctx context.Context, ref Ref) (string, error) {
	obj := c.bus.Object(ref.Name, ref.Path)
	var text string
	call := obj.CallWithContext(ctx, ifaceText+".GetText", 0, int32(0), int32(-1))
	if err := call.Store(&text); err != nil {
		return "", fmt.Errorf("atspi: get text: %w", err)
	}
	return text, nil
}

// CaretOffset returns the caret position within ref.
func (c *Conn) CaretOffset(ctx context.Context, ref Ref) (int32, error) {
	v, err := c.bus.Object(ref.Name, ref.Path).GetProperty(ifaceText + ".CaretOffset")
	if err != nil {
		return 0, fmt.Errorf("atspi: caret offset: %w", err)
	}
	offset, ok := v.Value().(int32)
	if !ok {
		return 0, fmt.Errorf("atspi: caret offset: unexpected type %T", v.Value())
	}
	return offset, nil
}

// InsertText inserts text at the given offset via EditableText.
func (c *Conn) InsertText(ctx context.Context, ref Ref, offset int32, text string) error {
	obj := c.bus.Object(ref.Name, ref.Path)
	var ok bool
	call := obj.CallWithContext(ctx, ifaceEditableText+".InsertText", 0, offset, text, int32(len([]rune(text))))
	if err := call.Store(&ok); err != nil {
		return fmt.Errorf("atspi: insert text: %w", err)
	}
	if !ok {
		return errors.New("atspi: insert text rejected by target")
	}
	return nil
}

// PasteText asks the target to paste clipboard content at the given offset.
func (c *Conn) PasteText(ctx context.Context, ref Ref, offset int32) error {
	obj := c.bus.Object(ref.Name, ref.Path)
	var ok bool
	call := obj.CallWithContext(ctx, ifaceEditableText+".PasteText", 0, offset)
	if err := call.Store(&ok); err != nil {
		return fmt.Errorf("atspi: paste text: %w", err)
	}
	if !ok {
		return errors.New("atspi: paste rejected by target")
	}
	return nil
}
