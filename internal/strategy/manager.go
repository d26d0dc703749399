// Package strategy orchestrates injection: it selects, sequences, budgets,
// and adapts over the injection methods.
//
// Every attempt runs under two clocks: a per-method stage budget and a total
// request budget. Methods that keep failing for an application are excluded
// with exponential cooldowns; methods that work rise in the candidate order.
// The loop always terminates, because a do-nothing sentinel sits at the end
// of every candidate list, and its outcome is never reported as success.
package strategy

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"injectd/internal/confirm"
	"injectd/internal/detect"
	"injectd/internal/focus"
	"injectd/internal/injector"
	"injectd/internal/logging"
	"injectd/internal/prewarm"
)

// Surfaced failure classes. Adapter-local errors never reach the caller;
// only these two do, always with the per-method diagnostic trail attached.
var (
	// ErrBudgetExhausted means time ran out before the candidates did.
	ErrBudgetExhausted = errors.New("strategy: total budget exhausted")

	// ErrAllMethodsFailed means every candidate was tried and none stuck.
	ErrAllMethodsFailed = errors.New("strategy: all methods failed")

	// ErrTargetExcluded means policy refused the target before any attempt.
	ErrTargetExcluded = errors.New("strategy: target excluded by policy")
)

// ConfirmPolicy decides how an unverifiable attempt is scored.
type ConfirmPolicy string

const (
	// PolicyStrict treats anything but a confirmed match as failure.
	PolicyStrict ConfirmPolicy = "strict"
	// PolicyLenient accepts local adapter success when confirmation times
	// out or the watch mechanism is unavailable. A mismatch still fails.
	PolicyLenient ConfirmPolicy = "lenient"
)

// Config carries the orchestration knobs.
type Config struct {
	// TotalBudget bounds one whole Inject call.
	TotalBudget time.Duration

	// StageBudget bounds each individual method attempt.
	StageBudget time.Duration

	// Enabled switches methods on or off. A method absent from the map uses
	// its default; the sentinel is always on.
	Enabled map[injector.Method]bool

	// ConfirmPolicies overrides the confirmation policy per method.
	// Unlisted methods are strict.
	ConfirmPolicies map[injector.Method]ConfirmPolicy

	// RequireFocus refuses to inject when focus is known non-editable.
	RequireFocus bool

	// InjectOnUnknownFocus allows attempts when focus cannot be determined.
	InjectOnUnknownFocus bool

	// AllowApps, when non-empty, restricts injection to matching
	// applications. Patterns are regular expressions, falling back to
	// substring match when they do not compile.
	AllowApps []string

	// BlockApps refuses matching applications.
	BlockApps []string

	// KeystrokeMaxChars is the longest text delivered by synthesized
	// typing when the mode decision is otherwise free. Longer text goes
	// through a paste path.
	KeystrokeMaxChars int
}

// DefaultConfig returns the orchestration defaults.
func DefaultConfig() Config {
	return Config{
		TotalBudget:          200 * time.Millisecond,
		StageBudget:          50 * time.Millisecond,
		InjectOnUnknownFocus: true,
		KeystrokeMaxChars:    32,
	}
}

// Diagnostic records what happened to one candidate during one request.
type Diagnostic struct {
	Method  injector.Method `json:"method"`
	Stage   string          `json:"stage"`
	Reason  string          `json:"reason"`
	Elapsed time.Duration   `json:"elapsed"`
}

// Diagnostic stages.
const (
	StageSkipped   = "skipped"
	StageAttempt   = "attempt"
	StageConfirm   = "confirm"
	StageSentinel  = "sentinel"
	StageExcluded  = "excluded"
	StageExhausted = "budget"
)

// Outcome is the result of one Inject call.
type Outcome struct {
	AttemptID string
	Success   bool
	Method    injector.Method
	Elapsed   time.Duration

	// Diagnostics lists every candidate touched, in order, with why it did
	// not succeed. Populated on failure and on success (for the methods
	// tried before the winner).
	Diagnostics []Diagnostic

	// Err is ErrBudgetExhausted, ErrAllMethodsFailed, or ErrTargetExcluded
	// on failure; nil on success.
	Err error
}

// Confirmer verifies that injected text appeared.
type Confirmer interface {
	Confirm(ctx context.Context, expected string) confirm.Result
}

// FocusSource answers whether the current target accepts text.
type FocusSource interface {
	StatusTarget(ctx context.Context) (focus.Status, focus.Target)
}

// ClipboardSnapshotter captures clipboard content for the pre-attempt backup.
type ClipboardSnapshotter interface {
	Read(ctx context.Context) ([]byte, string, error)
}

// Recorder receives per-attempt records for telemetry.
type Recorder interface {
	RecordOutcome(o Outcome)
}

// Manager runs the injection loop.
type Manager struct {
	cfg       Config
	env       detect.Environment
	adapters  map[injector.Method]injector.Injector
	baseOrder []injector.Method
	history   *History
	confirmer Confirmer
	focus     FocusSource
	clip      ClipboardSnapshotter
	cache     *prewarm.Cache
	recorder  Recorder
	log       *slog.Logger
	now       func() time.Time

	allow []matcher
	block []matcher
}

// Option customizes a Manager.
type Option func(*Manager)

// WithFocusSource attaches a focus tracker.
func WithFocusSource(f FocusSource) Option {
	return func(m *Manager) { m.focus = f }
}

// WithClipboardSnapshotter attaches the pre-attempt clipboard backup source.
func WithClipboardSnapshotter(c ClipboardSnapshotter) Option {
	return func(m *Manager) { m.clip = c }
}

// WithPrewarm attaches the resource cache for targeted refreshes.
func WithPrewarm(c *prewarm.Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithRecorder attaches a telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithLogger sets the manager logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a manager over the given adapters. The history registry is
// injected rather than global so tests get isolated instances.
func New(cfg Config, env detect.Environment, adapters []injector.Injector, history *History, confirmer Confirmer, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		env:       env,
		adapters:  make(map[injector.Method]injector.Injector, len(adapters)),
		history:   history,
		confirmer: confirmer,
		log:       logging.Default().With("component", "strategy"),
		now:       time.Now,
		allow:     compileMatchers(cfg.AllowApps),
		block:     compileMatchers(cfg.BlockApps),
	}
	for _, a := range adapters {
		m.adapters[a.Method()] = a
	}
	m.baseOrder = baseOrder(env)
	for _, o := range opts {
		o(m)
	}
	return m
}

// baseOrder derives the environment-preferred method order. Accessibility
// insert leads everywhere; on Wayland the portal outranks the raw uinput
// device because sandboxed sessions may only have the former; clipboard
// paste comes last because it perturbs shared clipboard state. The sentinel
// is always the terminal entry.
func baseOrder(env detect.Environment) []injector.Method {
	order := []injector.Method{
		injector.MethodAtspiInsert,
		injector.MethodAtspiPaste,
	}
	if env.Protocol == detect.ProtocolWayland {
		order = append(order, injector.MethodPortalInput, injector.MethodVirtualKeyboard)
	} else {
		order = append(order, injector.MethodVirtualKeyboard, injector.MethodPortalInput)
	}
	order = append(order, injector.MethodClipboardPaste, injector.MethodNoOp)
	return order
}

// enabled reports whether a method participates, combining config flags with
// per-method defaults. Portal input is opt-in; everything else is opt-out.
func (m *Manager) enabled(method injector.Method) bool {
	if method == injector.MethodNoOp {
		return true
	}
	if v, ok := m.cfg.Enabled[method]; ok {
		return v
	}
	return method != injector.MethodPortalInput
}

// candidates builds the ordered method list for one request: base order,
// filtered by flags and adapter presence, stably re-sorted by historical
// success rate for this application. History is a tiebreaker on top of the
// base order, never a way back in for a disabled method. The sentinel stays
// pinned last regardless of its record.
func (m *Manager) candidates(app string) []injector.Method {
	out := make([]injector.Method, 0, len(m.baseOrder))
	for _, method := range m.baseOrder {
		if !m.enabled(method) {
			continue
		}
		if _, ok := m.adapters[method]; !ok {
			continue
		}
		out = append(out, method)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i] == injector.MethodNoOp || out[j] == injector.MethodNoOp {
			return out[j] == injector.MethodNoOp
		}
		return m.history.Rate(app, out[i]) > m.history.Rate(app, out[j])
	})
	return out
}

// decideMode makes the paste-versus-keystroke decision, exactly once per
// request. Short plain text types fine; anything long or outside the
// keyboard layout goes through a paste path.
func (m *Manager) decideMode(text string) injector.Mode {
	if len(text) > m.cfg.KeystrokeMaxChars {
		return injector.ModePaste
	}
	for _, r := range text {
		if r > 127 {
			return injector.ModePaste
		}
	}
	return injector.ModeKeystroke
}

// keystrokeOnly reports methods that can only deliver text by synthesized
// typing. They are skipped without a history penalty when the request was
// decided as paste; paste-capable methods deliver either mode.
func keystrokeOnly(method injector.Method) bool {
	return method == injector.MethodVirtualKeyboard || method == injector.MethodPortalInput
}

// policy returns the confirmation policy for a method.
func (m *Manager) policy(method injector.Method) ConfirmPolicy {
	if p, ok := m.cfg.ConfirmPolicies[method]; ok {
		return p
	}
	return PolicyStrict
}

// Inject delivers text to the focused target, trying candidates in order
// until one sticks or time runs out.
func (m *Manager) Inject(ctx context.Context, text string) Outcome {
	start := m.now()
	out := Outcome{AttemptID: uuid.NewString()}
	log := m.log.With("attempt_id", out.AttemptID)

	ictx, refuse := m.buildContext(ctx, out.AttemptID, text)
	if refuse != "" {
		out.Err = ErrTargetExcluded
		out.Elapsed = m.now().Sub(start)
		out.Diagnostics = append(out.Diagnostics, Diagnostic{
			Stage:  StageExcluded,
			Reason: refuse,
		})
		log.Info("injection refused", "reason", refuse, "text_len", len(text))
		m.record(out)
		return out
	}

	log.Debug("injection started",
		"app", ictx.App,
		"mode", ictx.ModeOverride,
		"text_len", len(text),
		"text_digest", logging.TextDigest(text))

	for _, method := range m.candidates(ictx.App) {
		if ictx.ModeOverride == injector.ModePaste && keystrokeOnly(method) {
			out.Diagnostics = append(out.Diagnostics, Diagnostic{
				Method: method, Stage: StageSkipped, Reason: "text requires paste delivery",
			})
			continue
		}
		if m.history.InCooldown(ictx.App, method) {
			out.Diagnostics = append(out.Diagnostics, Diagnostic{
				Method: method, Stage: StageSkipped, Reason: "in cooldown",
			})
			continue
		}

		elapsed := m.now().Sub(start)
		if elapsed >= m.cfg.TotalBudget {
			out.Err = ErrBudgetExhausted
			out.Elapsed = elapsed
			out.Diagnostics = append(out.Diagnostics, Diagnostic{
				Method: method, Stage: StageExhausted, Reason: "total budget exhausted before attempt",
			})
			log.Warn("budget exhausted", "elapsed", elapsed, "tried", len(out.Diagnostics))
			m.record(out)
			return out
		}

		if method == injector.MethodNoOp {
			out.Diagnostics = append(out.Diagnostics, Diagnostic{
				Method: method, Stage: StageSentinel, Reason: "reached terminal sentinel",
			})
			break
		}

		diag, ok := m.attempt(ctx, method, text, ictx, start)
		out.Diagnostics = append(out.Diagnostics, diag)
		if ok {
			m.history.RecordSuccess(ictx.App, method)
			out.Success = true
			out.Method = method
			out.Elapsed = m.now().Sub(start)
			log.Info("injection succeeded",
				"method", method,
				"app", ictx.App,
				"elapsed", out.Elapsed,
				"text_len", len(text))
			m.record(out)
			return out
		}

		m.history.RecordFailure(ictx.App, method)
		if m.cache != nil {
			m.refreshFor(ctx, method)
		}
	}

	out.Err = ErrAllMethodsFailed
	out.Elapsed = m.now().Sub(start)
	log.Warn("all methods failed",
		"app", ictx.App,
		"tried", len(out.Diagnostics),
		"elapsed", out.Elapsed)
	m.record(out)
	return out
}

// attempt runs one method under its stage budget and scores the result.
func (m *Manager) attempt(ctx context.Context, method injector.Method, text string, ictx *injector.Context, start time.Time) (Diagnostic, bool) {
	adapter := m.adapters[method]

	stage := m.cfg.StageBudget
	if remaining := m.cfg.TotalBudget - m.now().Sub(start); remaining < stage {
		stage = remaining
	}
	actx, cancel := context.WithTimeout(ctx, stage)
	defer cancel()

	attemptStart := m.now()
	err := adapter.Attempt(actx, text, ictx)
	elapsed := m.now().Sub(attemptStart)
	if err != nil {
		return Diagnostic{Method: method, Stage: StageAttempt, Reason: err.Error(), Elapsed: elapsed}, false
	}

	res := m.confirmer.Confirm(ctx, text)
	elapsed = m.now().Sub(attemptStart)
	switch res {
	case confirm.ResultConfirmed:
		return Diagnostic{Method: method, Stage: StageConfirm, Reason: "confirmed", Elapsed: elapsed}, true
	case confirm.ResultTimeout, confirm.ResultUnavailable:
		if m.policy(method) == PolicyLenient {
			return Diagnostic{Method: method, Stage: StageConfirm, Reason: "unverified, accepted leniently: " + res.String(), Elapsed: elapsed}, true
		}
		return Diagnostic{Method: method, Stage: StageConfirm, Reason: "unverified: " + res.String(), Elapsed: elapsed}, false
	default:
		return Diagnostic{Method: method, Stage: StageConfirm, Reason: res.String(), Elapsed: elapsed}, false
	}
}

// buildContext assembles the per-request snapshot: focus, target identity,
// clipboard backup, and the mode decision. A non-empty refusal string means
// policy excluded the target before any adapter ran.
func (m *Manager) buildContext(ctx context.Context, attemptID, text string) (*injector.Context, string) {
	ictx := &injector.Context{
		AttemptID:    attemptID,
		Focus:        focus.StatusUnknown,
		ModeOverride: m.decideMode(text),
	}

	if m.focus != nil {
		status, target := m.focus.StatusTarget(ctx)
		ictx.Focus = status
		ictx.App = target.App
		ictx.Window = target.Window
	}

	switch ictx.Focus {
	case focus.StatusNonEditable:
		if m.cfg.RequireFocus {
			return ictx, "focused element is not editable"
		}
	case focus.StatusUnknown:
		if !m.cfg.InjectOnUnknownFocus {
			return ictx, "focus unknown and policy forbids unknown-focus injection"
		}
	}

	if len(m.allow) > 0 && !matchAny(m.allow, ictx.App) {
		return ictx, "application not on allow list"
	}
	if matchAny(m.block, ictx.App) {
		return ictx, "application on block list"
	}

	if m.clip != nil {
		content, mime, err := m.clip.Read(ctx)
		if err == nil {
			ictx.Backup = &injector.ClipboardBackup{Content: content, MimeType: mime}
		}
	}
	return ictx, ""
}

// refreshFor re-warms the resource backing a method that just failed, so a
// later retry does not pay connection setup inside its stage budget.
func (m *Manager) refreshFor(ctx context.Context, method injector.Method) {
	switch method {
	case injector.MethodAtspiInsert, injector.MethodAtspiPaste:
		m.cache.Refresh(ctx, prewarm.ResourceAccessibility)
	case injector.MethodClipboardPaste:
		m.cache.Refresh(ctx, prewarm.ResourceClipboard)
	case injector.MethodVirtualKeyboard:
		m.cache.Refresh(ctx, prewarm.ResourceKeyboard)
	case injector.MethodPortalInput:
		m.cache.Refresh(ctx, prewarm.ResourcePortal)
	}
}

func (m *Manager) record(o Outcome) {
	if m.recorder != nil {
		m.recorder.RecordOutcome(o)
	}
}

// History exposes the registry for stats reporting.
func (m *Manager) History() *History { return m.history }

// matcher is one allow/block pattern: a regular expression when the pattern
// compiles, a case-insensitive substring otherwise.
type matcher struct {
	re  *regexp.Regexp
	sub string
}

func compileMatchers(patterns []string) []matcher {
	out := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, matcher{re: re})
		} else {
			out = append(out, matcher{sub: strings.ToLower(p)})
		}
	}
	return out
}

func matchAny(ms []matcher, app string) bool {
	for _, m := range ms {
		if m.re != nil {
			if m.re.MatchString(app) {
				return true
			}
			continue
		}
		if strings.Contains(strings.ToLower(app), m.sub) {
			return true
		}
	}
	return false
}
