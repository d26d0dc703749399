package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"injectd/internal/confirm"
	"injectd/internal/detect"
	"injectd/internal/focus"
	"injectd/internal/injector"
)

// stubConfirmer returns a fixed confirmation result.
type stubConfirmer struct {
	res confirm.Result
}

func (s *stubConfirmer) Confirm(ctx context.Context, expected string) confirm.Result {
	return s.res
}

// stubFocus returns a fixed focus status and target.
type stubFocus struct {
	status focus.Status
	target focus.Target
}

func (s *stubFocus) StatusTarget(ctx context.Context) (focus.Status, focus.Target) {
	return s.status, s.target
}

func waylandEnv() detect.Environment {
	return detect.Environment{Protocol: detect.ProtocolWayland, Desktop: detect.DesktopGNOME}
}

func editorFocus() *stubFocus {
	return &stubFocus{status: focus.StatusEditableText, target: focus.Target{App: "editor", Window: "main"}}
}

func newManager(t *testing.T, cfg Config, adapters []injector.Injector, c Confirmer, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithFocusSource(editorFocus())}, opts...)
	return New(cfg, waylandEnv(), adapters, NewHistory(), c, opts...)
}

func TestFallbackToNextMethod(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)
	insert.FailWith(injector.ErrNoEditableTarget)
	paste := injector.NewMock(injector.MethodClipboardPaste)

	m := newManager(t, DefaultConfig(),
		[]injector.Injector{insert, paste, injector.NewNoOp()},
		&stubConfirmer{res: confirm.ResultConfirmed})

	out := m.Inject(context.Background(), "test")
	require.True(t, out.Success)
	assert.Equal(t, injector.MethodClipboardPaste, out.Method)
	assert.NoError(t, out.Err)

	rec, ok := m.History().Record("editor", injector.MethodAtspiInsert)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Failures)
	assert.NotZero(t, rec.Cooldown)
}

func TestSentinelNeverReportedAsSuccess(t *testing.T) {
	m := newManager(t, DefaultConfig(),
		[]injector.Injector{injector.NewNoOp()},
		&stubConfirmer{res: confirm.ResultConfirmed})

	out := m.Inject(context.Background(), "x")
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, ErrAllMethodsFailed)
	require.Len(t, out.Diagnostics, 1)
	assert.Equal(t, injector.MethodNoOp, out.Diagnostics[0].Method)
	assert.Equal(t, StageSentinel, out.Diagnostics[0].Stage)
}

func TestBudgetExhaustedSkipsRemainingCandidates(t *testing.T) {
	slow := injector.NewMock(injector.MethodAtspiInsert)
	slow.DelayFor(time.Second)
	never := injector.NewMock(injector.MethodClipboardPaste)

	cfg := DefaultConfig()
	cfg.TotalBudget = 20 * time.Millisecond
	cfg.StageBudget = 50 * time.Millisecond

	m := newManager(t, cfg,
		[]injector.Injector{slow, never, injector.NewNoOp()},
		&stubConfirmer{res: confirm.ResultConfirmed})

	out := m.Inject(context.Background(), "test")
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, ErrBudgetExhausted)
	assert.Zero(t, never.AttemptCount(), "second candidate must be skipped, not attempted")

	last := out.Diagnostics[len(out.Diagnostics)-1]
	assert.Equal(t, StageExhausted, last.Stage)
}

func TestCooldownSkipsMethod(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)
	paste := injector.NewMock(injector.MethodClipboardPaste)

	h := NewHistory()
	h.RecordFailure("editor", injector.MethodAtspiInsert)

	m := New(DefaultConfig(), waylandEnv(),
		[]injector.Injector{insert, paste, injector.NewNoOp()},
		h, &stubConfirmer{res: confirm.ResultConfirmed},
		WithFocusSource(editorFocus()))

	out := m.Inject(context.Background(), "test")
	require.True(t, out.Success)
	assert.Equal(t, injector.MethodClipboardPaste, out.Method)
	assert.Zero(t, insert.AttemptCount())

	require.NotEmpty(t, out.Diagnostics)
	assert.Equal(t, StageSkipped, out.Diagnostics[0].Stage)
}

func TestHistoryReordersCandidates(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)
	paste := injector.NewMock(injector.MethodClipboardPaste)

	h := NewHistory()
	h.Import([]MethodRecord{
		{App: "editor", Method: injector.MethodAtspiInsert, Successes: 1, Failures: 9},
		{App: "editor", Method: injector.MethodClipboardPaste, Successes: 9, Failures: 1},
	})

	m := New(DefaultConfig(), waylandEnv(),
		[]injector.Injector{insert, paste, injector.NewNoOp()},
		h, &stubConfirmer{res: confirm.ResultConfirmed},
		WithFocusSource(editorFocus()))

	out := m.Inject(context.Background(), "test")
	require.True(t, out.Success)
	assert.Equal(t, injector.MethodClipboardPaste, out.Method)
	assert.Zero(t, insert.AttemptCount(), "higher success rate must be tried first")
}

func TestDisabledMethodExcludedDespiteHistory(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)
	paste := injector.NewMock(injector.MethodClipboardPaste)

	h := NewHistory()
	h.Import([]MethodRecord{
		{App: "editor", Method: injector.MethodAtspiInsert, Successes: 100},
	})

	cfg := DefaultConfig()
	cfg.Enabled = map[injector.Method]bool{injector.MethodAtspiInsert: false}

	m := New(cfg, waylandEnv(),
		[]injector.Injector{insert, paste, injector.NewNoOp()},
		h, &stubConfirmer{res: confirm.ResultConfirmed},
		WithFocusSource(editorFocus()))

	out := m.Inject(context.Background(), "test")
	require.True(t, out.Success)
	assert.Equal(t, injector.MethodClipboardPaste, out.Method)
	assert.Zero(t, insert.AttemptCount())
}

func TestStrictPolicyRejectsUnverified(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)

	m := newManager(t, DefaultConfig(),
		[]injector.Injector{insert, injector.NewNoOp()},
		&stubConfirmer{res: confirm.ResultTimeout})

	out := m.Inject(context.Background(), "test")
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, ErrAllMethodsFailed)

	rec, ok := m.History().Record("editor", injector.MethodAtspiInsert)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Failures)
}

func TestLenientPolicyAcceptsTimeout(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)

	cfg := DefaultConfig()
	cfg.ConfirmPolicies = map[injector.Method]ConfirmPolicy{
		injector.MethodAtspiInsert: PolicyLenient,
	}

	m := newManager(t, cfg,
		[]injector.Injector{insert, injector.NewNoOp()},
		&stubConfirmer{res: confirm.ResultTimeout})

	out := m.Inject(context.Background(), "test")
	assert.True(t, out.Success)
	assert.Equal(t, injector.MethodAtspiInsert, out.Method)
}

func TestLenientPolicyStillRejectsMismatch(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)

	cfg := DefaultConfig()
	cfg.ConfirmPolicies = map[injector.Method]ConfirmPolicy{
		injector.MethodAtspiInsert: PolicyLenient,
	}

	m := newManager(t, cfg,
		[]injector.Injector{insert, injector.NewNoOp()},
		&stubConfirmer{res: confirm.ResultMismatch})

	out := m.Inject(context.Background(), "test")
	assert.False(t, out.Success)
}

func TestRequireFocusRefusesNonEditable(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)

	cfg := DefaultConfig()
	cfg.RequireFocus = true

	m := New(cfg, waylandEnv(),
		[]injector.Injector{insert, injector.NewNoOp()},
		NewHistory(), &stubConfirmer{res: confirm.ResultConfirmed},
		WithFocusSource(&stubFocus{status: focus.StatusNonEditable}))

	out := m.Inject(context.Background(), "test")
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, ErrTargetExcluded)
	assert.Zero(t, insert.AttemptCount())
}

func TestUnknownFocusPolicy(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)

	cfg := DefaultConfig()
	cfg.InjectOnUnknownFocus = false

	m := New(cfg, waylandEnv(),
		[]injector.Injector{insert, injector.NewNoOp()},
		NewHistory(), &stubConfirmer{res: confirm.ResultConfirmed},
		WithFocusSource(&stubFocus{status: focus.StatusUnknown}))

	out := m.Inject(context.Background(), "test")
	assert.ErrorIs(t, out.Err, ErrTargetExcluded)
	assert.Zero(t, insert.AttemptCount())
}

func TestBlockListRefusesApp(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)

	cfg := DefaultConfig()
	cfg.BlockApps = []string{"password"}

	m := New(cfg, waylandEnv(),
		[]injector.Injector{insert, injector.NewNoOp()},
		NewHistory(), &stubConfirmer{res: confirm.ResultConfirmed},
		WithFocusSource(&stubFocus{
			status: focus.StatusEditableText,
			target: focus.Target{App: "KeePassword Manager"},
		}))

	out := m.Inject(context.Background(), "secret")
	assert.ErrorIs(t, out.Err, ErrTargetExcluded)
	assert.Zero(t, insert.AttemptCount())
}

func TestAllowListRegex(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)

	cfg := DefaultConfig()
	cfg.AllowApps = []string{"^(editor|terminal)$"}

	m := newManager(t, cfg,
		[]injector.Injector{insert, injector.NewNoOp()},
		&stubConfirmer{res: confirm.ResultConfirmed})

	out := m.Inject(context.Background(), "test")
	assert.True(t, out.Success)
}

func TestModeDecidedOncePerRequest(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)

	m := newManager(t, DefaultConfig(),
		[]injector.Injector{insert, injector.NewNoOp()},
		&stubConfirmer{res: confirm.ResultConfirmed})

	out := m.Inject(context.Background(), "short")
	require.True(t, out.Success)

	attempts := insert.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, injector.ModeKeystroke, attempts[0].Context.ModeOverride)

	longText := "this stretch of dictation is far longer than the keystroke ceiling"
	out = m.Inject(context.Background(), longText)
	require.True(t, out.Success)
	attempts = insert.Attempts()
	assert.Equal(t, injector.ModePaste, attempts[1].Context.ModeOverride)
}

func TestPasteModeSkipsKeystrokeOnlyMethods(t *testing.T) {
	vk := injector.NewMock(injector.MethodVirtualKeyboard)
	portal := injector.NewMock(injector.MethodPortalInput)
	paste := injector.NewMock(injector.MethodClipboardPaste)

	h := NewHistory()
	h.Import([]MethodRecord{
		{App: "editor", Method: injector.MethodVirtualKeyboard, Successes: 100},
	})

	cfg := DefaultConfig()
	cfg.Enabled = map[injector.Method]bool{injector.MethodPortalInput: true}

	m := New(cfg, waylandEnv(),
		[]injector.Injector{vk, portal, paste, injector.NewNoOp()},
		h, &stubConfirmer{res: confirm.ResultConfirmed},
		WithFocusSource(editorFocus()))

	longText := "the quick brown fox jumps over the lazy dog, twice over the fence"
	require.Greater(t, len(longText), cfg.KeystrokeMaxChars)

	out := m.Inject(context.Background(), longText)
	require.True(t, out.Success)
	assert.Equal(t, injector.MethodClipboardPaste, out.Method)
	assert.Zero(t, vk.AttemptCount(), "typing methods must not deliver paste-mode text")
	assert.Zero(t, portal.AttemptCount())

	skipped := make(map[injector.Method]string)
	for _, d := range out.Diagnostics {
		if d.Stage == StageSkipped {
			skipped[d.Method] = d.Reason
		}
	}
	assert.Contains(t, skipped[injector.MethodVirtualKeyboard], "paste")
	assert.Contains(t, skipped[injector.MethodPortalInput], "paste")

	_, ok := m.History().Record("editor", injector.MethodPortalInput)
	assert.False(t, ok, "a mode skip must not count as a failure")
}

func TestDiagnosticsCarryEveryFailure(t *testing.T) {
	insert := injector.NewMock(injector.MethodAtspiInsert)
	insert.FailWith(errors.New("bus gone"))
	paste := injector.NewMock(injector.MethodClipboardPaste)
	paste.FailWith(injector.ErrPermissionDenied)

	m := newManager(t, DefaultConfig(),
		[]injector.Injector{insert, paste, injector.NewNoOp()},
		&stubConfirmer{res: confirm.ResultConfirmed})

	out := m.Inject(context.Background(), "test")
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, ErrAllMethodsFailed)

	methods := make(map[injector.Method]string)
	for _, d := range out.Diagnostics {
		methods[d.Method] = d.Reason
	}
	assert.Contains(t, methods[injector.MethodAtspiInsert], "bus gone")
	assert.Contains(t, methods[injector.MethodClipboardPaste], "permission denied")
	assert.Contains(t, methods, injector.MethodNoOp)
}

func TestPortalOptIn(t *testing.T) {
	portal := injector.NewMock(injector.MethodPortalInput)
	insert := injector.NewMock(injector.MethodAtspiInsert)
	insert.FailWith(injector.ErrUnavailable)

	m := newManager(t, DefaultConfig(),
		[]injector.Injector{insert, portal, injector.NewNoOp()},
		&stubConfirmer{res: confirm.ResultConfirmed})

	out := m.Inject(context.Background(), "test")
	assert.False(t, out.Success, "portal must not run without its flag")
	assert.Zero(t, portal.AttemptCount())

	cfg := DefaultConfig()
	cfg.Enabled = map[injector.Method]bool{injector.MethodPortalInput: true}
	m = newManager(t, cfg,
		[]injector.Injector{insert, portal, injector.NewNoOp()},
		&stubConfirmer{res: confirm.ResultConfirmed})

	out = m.Inject(context.Background(), "test")
	assert.True(t, out.Success)
	assert.Equal(t, injector.MethodPortalInput, out.Method)
}
