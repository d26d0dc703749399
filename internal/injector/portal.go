package injector

import (
	"context"
	"errors"
	"sync"

	"injectd/internal/portal"
	"injectd/internal/uinput"
)

// portalSession is the slice of the portal client the adapter needs.
type portalSession interface {
	Keycode(ctx context.Context, keycode int32, pressed bool) error
	TapKeycode(ctx context.Context, keycode int32) error
	Close() error
}

// portalConnector establishes portal sessions; injectable for tests.
type portalConnector func(ctx context.Context) (portalSession, error)

// PortalInput types text through the desktop portal's RemoteDesktop
// interface. Slowest method on the list because every keystroke is a brokered
// round trip, but it is the only one that works in fully sandboxed sessions.
type PortalInput struct {
	connect portalConnector

	mu      sync.Mutex
	session portalSession
}

// NewPortalInput creates the portal-input adapter.
func NewPortalInput() *PortalInput {
	return &PortalInput{connect: func(ctx context.Context) (portalSession, error) {
		return portal.Connect(ctx)
	}}
}

// Method implements Injector.
func (p *PortalInput) Method() Method { return MethodPortalInput }

// Available implements Injector.
func (p *PortalInput) Available() bool { return portal.Available() }

// Seed establishes the portal session ahead of time. Session setup can
// involve a user prompt, so the prewarm layer calls this outside the
// injection critical path.
func (p *PortalInput) Seed(ctx context.Context) error {
	_, err := p.get(ctx)
	return err
}

func (p *PortalInput) get(ctx context.Context) (portalSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		return p.session, nil
	}
	s, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	p.session = s
	return s, nil
}

func (p *PortalInput) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		p.session.Close()
		p.session = nil
	}
}

// Attempt implements Injector.
func (p *PortalInput) Attempt(ctx context.Context, text string, ictx *Context) error {
	if ictx.ModeOverride == ModePaste {
		return Fail(MethodPortalInput, ErrModeMismatch)
	}
	strokes, err := uinput.MapText(text)
	if err != nil {
		return Failf(MethodPortalInput, "unmappable text: %w", err)
	}

	session, err := p.get(ctx)
	if err != nil {
		if errors.Is(err, portal.ErrDenied) {
			return Fail(MethodPortalInput, ErrPermissionDenied)
		}
		return Fail(MethodPortalInput, ErrUnavailable)
	}

	for _, s := range strokes {
		if s.Shift {
			if err := p.tapShifted(ctx, session, s.Code); err != nil {
				return err
			}
			continue
		}
		if err := session.TapKeycode(ctx, int32(s.Code)); err != nil {
			p.reset()
			return Failf(MethodPortalInput, "keycode %d: %w", s.Code, err)
		}
	}
	return nil
}

// tapShifted holds shift across one keycode tap.
func (p *PortalInput) tapShifted(ctx context.Context, session portalSession, code uint16) error {
	shift := int32(uinput.KeyLeftShift)
	if err := session.Keycode(ctx, shift, true); err != nil {
		p.reset()
		return Failf(MethodPortalInput, "shift: %w", err)
	}
	err := session.TapKeycode(ctx, int32(code))
	if rerr := session.Keycode(ctx, shift, false); err == nil {
		err = rerr
	}
	if err != nil {
		p.reset()
		return Failf(MethodPortalInput, "keycode %d: %w", code, err)
	}
	return nil
}

// Close tears down the portal session.
func (p *PortalInput) Close() error {
	p.reset()
	return nil
}
