// Package detect identifies the display protocol and desktop environment from
// the process environment. The strategy layer uses the result to choose the
// base ordering of injection methods.
package detect

import (
	"os"
	"strings"
)

// Protocol is the display server protocol in use.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolWayland
	ProtocolX11
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolWayland:
		return "wayland"
	case ProtocolX11:
		return "x11"
	default:
		return "unknown"
	}
}

// Desktop is the desktop environment family.
type Desktop int

const (
	DesktopOther Desktop = iota
	DesktopGNOME
	DesktopKDE
	DesktopHyprland
	DesktopSway
)

// String returns the desktop name.
func (d Desktop) String() string {
	switch d {
	case DesktopGNOME:
		return "gnome"
	case DesktopKDE:
		return "kde"
	case DesktopHyprland:
		return "hyprland"
	case DesktopSway:
		return "sway"
	default:
		return "other"
	}
}

// Environment is a snapshot of the detected desktop session.
type Environment struct {
	Protocol Protocol
	Desktop  Desktop

	// XWayland is true when an X11 display is served inside a Wayland session.
	XWayland bool
}

// Detect inspects the process environment.
//
// Detection hierarchy for the protocol: XDG_SESSION_TYPE is authoritative,
// then WAYLAND_DISPLAY, then DISPLAY.
func Detect() Environment {
	return fromEnv(os.Getenv)
}

// fromEnv is the testable core of Detect.
func fromEnv(getenv func(string) string) Environment {
	env := Environment{}

	switch strings.ToLower(getenv("XDG_SESSION_TYPE")) {
	case "wayland":
		env.Protocol = ProtocolWayland
	case "x11":
		env.Protocol = ProtocolX11
	default:
		if getenv("WAYLAND_DISPLAY") != "" {
			env.Protocol = ProtocolWayland
		} else if getenv("DISPLAY") != "" {
			env.Protocol = ProtocolX11
		}
	}

	if env.Protocol == ProtocolX11 && getenv("WAYLAND_DISPLAY") != "" {
		env.XWayland = true
	}

	desktop := strings.ToLower(getenv("XDG_CURRENT_DESKTOP"))
	if desktop == "" {
		desktop = strings.ToLower(getenv("DESKTOP_SESSION"))
	}
	switch {
	case strings.Contains(desktop, "gnome"):
		env.Desktop = DesktopGNOME
	case strings.Contains(desktop, "kde"), strings.Contains(desktop, "plasma"):
		env.Desktop = DesktopKDE
	case strings.Contains(desktop, "hyprland"), getenv("HYPRLAND_INSTANCE_SIGNATURE") != "":
		env.Desktop = DesktopHyprland
	case strings.Contains(desktop, "sway"), getenv("SWAYSOCK") != "":
		env.Desktop = DesktopSway
	}

	return env
}
