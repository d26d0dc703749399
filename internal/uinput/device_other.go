//go:build !linux

package uinput

import (
	"context"
	"errors"
)

// ErrUnsupported is returned on platforms without uinput.
var ErrUnsupported = errors.New("uinput: not supported on this platform")

// Device is unavailable on this platform.
type Device struct{}

// Available always reports false here.
func Available() bool { return false }

// Open fails on this platform.
func Open(name string) (*Device, error) { return nil, ErrUnsupported }

// Close is a no-op.
func (d *Device) Close() error { return nil }

// TypeText fails on this platform.
func (d *Device) TypeText(ctx context.Context, text string) error { return ErrUnsupported }

// PasteChord fails on this platform.
func (d *Device) PasteChord(ctx context.Context) error { return ErrUnsupported }
