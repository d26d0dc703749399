package injector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"injectd/internal/uinput"
)

func TestAdapterErrorUnwrap(t *testing.T) {
	err := Fail(MethodAtspiInsert, ErrNoEditableTarget)
	assert.True(t, errors.Is(err, ErrNoEditableTarget))

	var aerr *AdapterError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, MethodAtspiInsert, aerr.Method)
}

func TestFailfWrapsCause(t *testing.T) {
	cause := errors.New("bus gone")
	err := Failf(MethodAtspiPaste, "paste: %w", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "atspi_paste")
}

func TestNoOpAlwaysSucceeds(t *testing.T) {
	n := NewNoOp()
	assert.Equal(t, MethodNoOp, n.Method())
	assert.True(t, n.Available())
	assert.NoError(t, n.Attempt(context.Background(), "anything", &Context{}))
}

func TestMockRecordsAttempts(t *testing.T) {
	m := NewMock(MethodVirtualKeyboard)
	ictx := &Context{AttemptID: "a1", App: "editor"}

	require.NoError(t, m.Attempt(context.Background(), "hello", ictx))

	attempts := m.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, "hello", attempts[0].Text)
	assert.Equal(t, "a1", attempts[0].Context.AttemptID)
}

func TestMockFailWith(t *testing.T) {
	m := NewMock(MethodPortalInput)
	m.FailWith(ErrPermissionDenied)

	err := m.Attempt(context.Background(), "x", &Context{})
	assert.True(t, errors.Is(err, ErrPermissionDenied))

	m.FailWith(nil)
	assert.NoError(t, m.Attempt(context.Background(), "x", &Context{}))
	assert.Equal(t, 2, m.AttemptCount())
}

func TestMockDelayHonorsContext(t *testing.T) {
	m := NewMock(MethodClipboardPaste)
	m.DelayFor(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := m.Attempt(ctx, "x", &Context{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestVirtualKeyboardRejectsUnmappableBeforeOpening(t *testing.T) {
	opened := false
	v := &VirtualKeyboard{dev: &sharedDevice{open: func() (keyboardDevice, error) {
		opened = true
		return nil, errors.New("should not open")
	}}}

	err := v.Attempt(context.Background(), "héllo", &Context{})
	require.Error(t, err)
	assert.False(t, opened, "device must not open for unmappable text")

	var aerr *AdapterError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, MethodVirtualKeyboard, aerr.Method)
}

func TestVirtualKeyboardDeclinesPasteMode(t *testing.T) {
	opened := false
	v := &VirtualKeyboard{dev: &sharedDevice{open: func() (keyboardDevice, error) {
		opened = true
		return nil, errors.New("should not open")
	}}}

	err := v.Attempt(context.Background(), "hello", &Context{ModeOverride: ModePaste})
	assert.True(t, errors.Is(err, ErrModeMismatch))
	assert.False(t, opened, "device must not open for a declined mode")
}

type fakeDevice struct {
	typed  []string
	pastes int
	closed bool
	err    error
}

func (f *fakeDevice) TypeText(ctx context.Context, text string) error {
	if f.err != nil {
		return f.err
	}
	f.typed = append(f.typed, text)
	return nil
}

func (f *fakeDevice) PasteChord(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.pastes++
	return nil
}

func (f *fakeDevice) Close() error {
	f.closed = true
	return nil
}

func TestVirtualKeyboardTypesMappableText(t *testing.T) {
	dev := &fakeDevice{}
	v := &VirtualKeyboard{dev: &sharedDevice{open: func() (keyboardDevice, error) { return dev, nil }}}

	require.NoError(t, v.Attempt(context.Background(), "Hello, world!", &Context{}))
	require.Len(t, dev.typed, 1)
	assert.Equal(t, "Hello, world!", dev.typed[0])
}

func TestVirtualKeyboardResetsDeviceOnFailure(t *testing.T) {
	dev := &fakeDevice{err: errors.New("write failed")}
	v := &VirtualKeyboard{dev: &sharedDevice{open: func() (keyboardDevice, error) { return dev, nil }}}

	err := v.Attempt(context.Background(), "hi", &Context{})
	require.Error(t, err)
	assert.True(t, dev.closed, "failed device must be closed for redial")
}

func TestSharedDeviceReuses(t *testing.T) {
	opens := 0
	s := &sharedDevice{open: func() (keyboardDevice, error) {
		opens++
		return &fakeDevice{}, nil
	}}

	d1, err := s.get()
	require.NoError(t, err)
	d2, err := s.get()
	require.NoError(t, err)
	assert.Same(t, d1.(*fakeDevice), d2.(*fakeDevice))
	assert.Equal(t, 1, opens)
}

type fakePortal struct {
	taps   []int32
	down   map[int32]bool
	closed bool
	err    error
}

func newFakePortal() *fakePortal {
	return &fakePortal{down: make(map[int32]bool)}
}

func (f *fakePortal) Keycode(ctx context.Context, keycode int32, pressed bool) error {
	if f.err != nil {
		return f.err
	}
	f.down[keycode] = pressed
	return nil
}

func (f *fakePortal) TapKeycode(ctx context.Context, keycode int32) error {
	if f.err != nil {
		return f.err
	}
	f.taps = append(f.taps, keycode)
	return nil
}

func (f *fakePortal) Close() error {
	f.closed = true
	return nil
}

func TestPortalInputTypesLowercase(t *testing.T) {
	fp := newFakePortal()
	p := &PortalInput{connect: func(ctx context.Context) (portalSession, error) { return fp, nil }}

	require.NoError(t, p.Attempt(context.Background(), "hi", &Context{}))
	assert.Len(t, fp.taps, 2)
}

func TestPortalInputShiftReleasedAfterShiftedKey(t *testing.T) {
	fp := newFakePortal()
	p := &PortalInput{connect: func(ctx context.Context) (portalSession, error) { return fp, nil }}

	require.NoError(t, p.Attempt(context.Background(), "Hi", &Context{}))
	assert.False(t, fp.down[int32(uinput.KeyLeftShift)], "shift must not stay held")
}

func TestPortalInputRejectsUnmappableWithoutConnecting(t *testing.T) {
	connected := false
	p := &PortalInput{connect: func(ctx context.Context) (portalSession, error) {
		connected = true
		return newFakePortal(), nil
	}}

	err := p.Attempt(context.Background(), "日本語", &Context{})
	require.Error(t, err)
	assert.False(t, connected)
}

func TestPortalInputDeclinesPasteMode(t *testing.T) {
	connected := false
	p := &PortalInput{connect: func(ctx context.Context) (portalSession, error) {
		connected = true
		return newFakePortal(), nil
	}}

	err := p.Attempt(context.Background(), "hello", &Context{ModeOverride: ModePaste})
	assert.True(t, errors.Is(err, ErrModeMismatch))
	assert.False(t, connected, "session must not start for a declined mode")
}

func TestPortalInputSessionReuseAcrossAttempts(t *testing.T) {
	connects := 0
	p := &PortalInput{connect: func(ctx context.Context) (portalSession, error) {
		connects++
		return newFakePortal(), nil
	}}

	require.NoError(t, p.Attempt(context.Background(), "a", &Context{}))
	require.NoError(t, p.Attempt(context.Background(), "b", &Context{}))
	assert.Equal(t, 1, connects)
}

func TestMethodsIncludesSentinelLast(t *testing.T) {
	methods := Methods()
	require.NotEmpty(t, methods)
	assert.Equal(t, MethodNoOp, methods[len(methods)-1])
}
