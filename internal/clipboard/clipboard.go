// Package clipboard reads, writes, and restores the desktop clipboard through
// the standard external tools (wl-copy/wl-paste on Wayland, xclip on X11).
//
// Adapters that seed the clipboard must restore the previous content on every
// exit path; Snapshot and Restore exist so that contract is cheap to honor.
package clipboard

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"injectd/internal/detect"
)

// Snapshot captures clipboard content for later restoration.
type Snapshot struct {
	Content  []byte
	MimeType string

	// Empty marks a clipboard that held no content; Restore clears it.
	Empty bool
}

// ErrNoTool is returned when no clipboard utility is installed for the
// current display protocol.
var ErrNoTool = errors.New("clipboard: no clipboard tool available")

// Client drives the protocol-appropriate clipboard tool.
type Client struct {
	protocol detect.Protocol
}

// New creates a clipboard client for the detected environment.
func New(env detect.Environment) *Client {
	return &Client{protocol: env.Protocol}
}

// Available reports whether a usable clipboard tool is installed.
func (c *Client) Available() bool {
	switch c.protocol {
	case detect.ProtocolWayland:
		_, err := exec.LookPath("wl-copy")
		return err == nil
	case detect.ProtocolX11:
		_, err := exec.LookPath("xclip")
		return err == nil
	default:
		return false
	}
}

// Read snapshots the current clipboard content.
func (c *Client) Read(ctx context.Context) (Snapshot, error) {
	var cmd *exec.Cmd
	switch c.protocol {
	case detect.ProtocolWayland:
		cmd = exec.CommandContext(ctx, "wl-paste", "--no-newline")
	case detect.ProtocolX11:
		cmd = exec.CommandContext(ctx, "xclip", "-selection", "clipboard", "-o")
	default:
		return Snapshot{}, ErrNoTool
	}

	out, err := cmd.Output()
	if err != nil {
		// Both tools exit non-zero on an empty clipboard.
		if isEmptyClipboard(err) {
			return Snapshot{Empty: true}, nil
		}
		return Snapshot{}, err
	}
	return Snapshot{Content: out, MimeType: "text/plain;charset=utf-8"}, nil
}

// Write replaces the clipboard content with data.
func (c *Client) Write(ctx context.Context, data []byte) error {
	var cmd *exec.Cmd
	switch c.protocol {
	case detect.ProtocolWayland:
		cmd = exec.CommandContext(ctx, "wl-copy")
	case detect.ProtocolX11:
		cmd = exec.CommandContext(ctx, "xclip", "-selection", "clipboard", "-in")
	default:
		return ErrNoTool
	}

	cmd.Stdin = bytes.NewReader(data)
	return cmd.Run()
}

// Clear empties the clipboard.
func (c *Client) Clear(ctx context.Context) error {
	switch c.protocol {
	case detect.ProtocolWayland:
		return exec.CommandContext(ctx, "wl-copy", "--clear").Run()
	case detect.ProtocolX11:
		// xclip has no clear; writing empty content is the convention.
		return c.Write(ctx, nil)
	default:
		return ErrNoTool
	}
}

// Restore puts a snapshot back onto the clipboard.
func (c *Client) Restore(ctx context.Context, snap Snapshot) error {
	if snap.Empty {
		return c.Clear(ctx)
	}
	return c.Write(ctx, snap.Content)
}

// isEmptyClipboard detects the tool-specific "nothing to paste" failures.
func isEmptyClipboard(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	msg := strings.ToLower(string(exitErr.Stderr))
	return strings.Contains(msg, "no selection") ||
		strings.Contains(msg, "nothing is copied") ||
		strings.Contains(msg, "clipboard is empty")
}
