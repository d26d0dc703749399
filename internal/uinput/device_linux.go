//go:build linux

package uinput

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// uinput ioctl requests.
const (
	uiDevCreate  = 0x5501
	uiDevDestroy = 0x5502
	uiDevSetup   = 0x405c5503
	uiSetEvBit   = 0x40045564
	uiSetKeyBit  = 0x40045565
)

// Input event types and values.
const (
	evSyn = 0x00
	evKey = 0x01

	keyRelease = 0
	keyPress   = 1
)

// inputID mirrors struct input_id.
type inputID struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// uinputSetup mirrors struct uinput_setup.
type uinputSetup struct {
	ID           inputID
	Name         [80]byte
	FFEffectsMax uint32
}

// Device is a virtual uinput keyboard.
type Device struct {
	f *os.File

	// KeyDelay is the pause between synthesized events. Targets drop
	// events delivered faster than a human could type.
	KeyDelay time.Duration
}

// Available reports whether /dev/uinput can be opened for writing.
func Available() bool {
	f, err := os.OpenFile("/dev/uinput", os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// Open creates and registers a virtual keyboard device.
func Open(name string) (*Device, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("uinput: open: %w", err)
	}

	fd := int(f.Fd())
	if err := unix.IoctlSetInt(fd, uiSetEvBit, evKey); err != nil {
		f.Close()
		return nil, fmt.Errorf("uinput: enable key events: %w", err)
	}
	if err := unix.IoctlSetInt(fd, uiSetEvBit, evSyn); err != nil {
		f.Close()
		return nil, fmt.Errorf("uinput: enable syn events: %w", err)
	}
	for code := 1; code <= maxKeyCode; code++ {
		if err := unix.IoctlSetInt(fd, uiSetKeyBit, code); err != nil {
			f.Close()
			return nil, fmt.Errorf("uinput: enable key %d: %w", code, err)
		}
	}

	setup := uinputSetup{
		ID: inputID{Bustype: 0x03, Vendor: 0x1d6b, Product: 0x0104, Version: 1},
	}
	copy(setup.Name[:], name)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uiDevSetup, uintptr(unsafe.Pointer(&setup))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("uinput: device setup: %w", errno)
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uiDevCreate, 0); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("uinput: device create: %w", errno)
	}

	return &Device{f: f, KeyDelay: 2 * time.Millisecond}, nil
}

// Close destroys the virtual device.
func (d *Device) Close() error {
	if d.f == nil {
		return nil
	}
	unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), uiDevDestroy, 0)
	err := d.f.Close()
	d.f = nil
	return err
}

// writeEvent emits one input event followed by no sync; callers sync
// explicitly so chords arrive atomically.
func (d *Device) writeEvent(typ, code uint16, value int32) error {
	// struct input_event on 64-bit: timeval (16) + type (2) + code (2) + value (4)
	var buf [24]byte
	binary.LittleEndian.PutUint16(buf[16:18], typ)
	binary.LittleEndian.PutUint16(buf[18:20], code)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(value))
	_, err := d.f.Write(buf[:])
	return err
}

// sync flushes pending events to the target.
func (d *Device) sync() error {
	return d.writeEvent(evSyn, 0, 0)
}

// tap presses and releases one key, with shift when required.
func (d *Device) tap(ctx context.Context, s Stroke) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Shift {
		if err := d.writeEvent(evKey, KeyLeftShift, keyPress); err != nil {
			return err
		}
	}
	if err := d.writeEvent(evKey, s.Code, keyPress); err != nil {
		return err
	}
	if err := d.writeEvent(evKey, s.Code, keyRelease); err != nil {
		return err
	}
	if s.Shift {
		if err := d.writeEvent(evKey, KeyLeftShift, keyRelease); err != nil {
			return err
		}
	}
	if err := d.sync(); err != nil {
		return err
	}

	if d.KeyDelay > 0 {
		select {
		case <-time.After(d.KeyDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// TypeText types the given text on the virtual keyboard. The whole string is
// mapped before any event is emitted, so unmappable text fails cleanly
// without partial output.
func (d *Device) TypeText(ctx context.Context, text string) error {
	strokes, err := MapText(text)
	if err != nil {
		return err
	}
	for _, s := range strokes {
		if err := d.tap(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// PasteChord synthesizes Ctrl+V.
func (d *Device) PasteChord(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.writeEvent(evKey, KeyLeftCtrl, keyPress); err != nil {
		return err
	}
	if err := d.writeEvent(evKey, KeyV, keyPress); err != nil {
		return err
	}
	if err := d.writeEvent(evKey, KeyV, keyRelease); err != nil {
		return err
	}
	if err := d.writeEvent(evKey, KeyLeftCtrl, keyRelease); err != nil {
		return err
	}
	return d.sync()
}
