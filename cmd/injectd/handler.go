package main

import (
	"context"
	"errors"
	"time"

	"injectd/internal/config"
	"injectd/internal/focus"
	"injectd/internal/injector"
	"injectd/internal/ipc"
	"injectd/internal/session"
	"injectd/internal/strategy"
)

// handler dispatches IPC requests onto the daemon.
type handler struct {
	d *Daemon
}

func newHandler(d *Daemon) *handler {
	return &handler{d: d}
}

// HandleMessage implements ipc.Handler.
func (h *handler) HandleMessage(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID

	switch msg.Header.Type {
	case ipc.MsgStatus:
		return ipc.NewResponse(ipc.MsgStatusResp, reqID, h.status(ctx))

	case ipc.MsgTranscription:
		var req ipc.TranscriptionRequest
		if err := ipc.Decode(msg.Payload, &req); err != nil {
			return ipc.NewErrorMessage(reqID, ipc.ErrCodeInvalidRequest, "invalid transcription request"), nil
		}
		h.d.AddTranscription(req.Text)
		return ipc.NewResponse(ipc.MsgTranscriptionResp, reqID, &ipc.TranscriptionResponse{
			Accepted:    true,
			State:       h.d.session.State().String(),
			BufferChars: h.d.session.BufferLen(),
		})

	case ipc.MsgFlush:
		outcome, err := h.d.Flush(ctx)
		if errors.Is(err, session.ErrNotReady) {
			return ipc.NewErrorMessage(reqID, ipc.ErrCodeNotReady, "nothing buffered"), nil
		}
		if err != nil {
			return nil, err
		}
		return ipc.NewResponse(ipc.MsgFlushResp, reqID, toInjectResult(outcome))

	case ipc.MsgInject:
		var req ipc.InjectRequest
		if err := ipc.Decode(msg.Payload, &req); err != nil {
			return ipc.NewErrorMessage(reqID, ipc.ErrCodeInvalidRequest, "invalid inject request"), nil
		}
		if req.Text == "" {
			return ipc.NewErrorMessage(reqID, ipc.ErrCodeInvalidRequest, "empty text"), nil
		}
		outcome := h.d.Inject(ctx, req.Text)
		return ipc.NewResponse(ipc.MsgInjectResp, reqID, toInjectResult(outcome))

	case ipc.MsgStats:
		var req ipc.StatsRequest
		if len(msg.Payload) > 0 {
			if err := ipc.Decode(msg.Payload, &req); err != nil {
				return ipc.NewErrorMessage(reqID, ipc.ErrCodeInvalidRequest, "invalid stats request"), nil
			}
		}
		return h.stats(reqID, req)

	case ipc.MsgReload:
		resp := &ipc.ReloadResponse{Success: true}
		if err := h.d.Reload(); err != nil {
			resp.Success = false
			resp.Error = err.Error()
		}
		return ipc.NewResponse(ipc.MsgReloadResp, reqID, resp)

	case ipc.MsgShutdown:
		// Respond before tearing the socket down.
		resp, err := ipc.NewResponse(ipc.MsgShutdownResp, reqID, &ipc.ShutdownResponse{Success: true})
		if err != nil {
			return nil, err
		}
		go h.d.RequestShutdown()
		return resp, nil

	default:
		return nil, nil
	}
}

func (h *handler) status(ctx context.Context) *ipc.StatusResponse {
	d := h.d
	chars, digest := d.session.BufferPreview()
	resp := &ipc.StatusResponse{
		Version:      version,
		StartedAt:    d.startedAt,
		Uptime:       time.Since(d.startedAt),
		Protocol:     d.env.Protocol.String(),
		Desktop:      d.env.Desktop.String(),
		SessionState: d.session.State().String(),
		BufferChars:  chars,
		BufferDigest: digest,
		UtteranceID:  d.session.UtteranceID(),
	}

	if st, target := d.tracker.StatusTarget(ctx); st != focus.StatusUnknown {
		resp.FocusedApp = target.App
	}

	resp.Methods = methodStatuses(d.currentConfig(), d.history.Export(), time.Now())
	return resp
}

// methodStatuses aggregates the per-application history into one row per
// method for status output.
func methodStatuses(cfg *config.Config, records []strategy.MethodRecord, now time.Time) []ipc.MethodStatus {
	type agg struct {
		successes, failures int
		cooldownUntil       time.Time
	}
	byMethod := make(map[injector.Method]*agg)
	for _, r := range records {
		a := byMethod[r.Method]
		if a == nil {
			a = &agg{}
			byMethod[r.Method] = a
		}
		a.successes += r.Successes
		a.failures += r.Failures
		if r.CooldownUntil.After(a.cooldownUntil) {
			a.cooldownUntil = r.CooldownUntil
		}
	}

	methods := []struct {
		method injector.Method
		mc     config.MethodConfig
	}{
		{injector.MethodAtspiInsert, cfg.Methods.AtspiInsert},
		{injector.MethodAtspiPaste, cfg.Methods.AtspiPaste},
		{injector.MethodClipboardPaste, cfg.Methods.ClipboardPaste},
		{injector.MethodVirtualKeyboard, cfg.Methods.VirtualKeyboard},
		{injector.MethodPortalInput, cfg.Methods.PortalInput},
	}

	out := make([]ipc.MethodStatus, 0, len(methods))
	for _, m := range methods {
		ms := ipc.MethodStatus{
			Method:      string(m.method),
			Enabled:     m.mc.Enabled,
			SuccessRate: 0.5,
		}
		if a := byMethod[m.method]; a != nil {
			ms.Successes = uint64(a.successes)
			ms.Failures = uint64(a.failures)
			if total := a.successes + a.failures; total > 0 {
				ms.SuccessRate = float64(a.successes) / float64(total)
			}
			if a.cooldownUntil.After(now) {
				ms.InCooldown = true
				ms.CooldownForMs = a.cooldownUntil.Sub(now).Milliseconds()
			}
		}
		out = append(out, ms)
	}
	return out
}

func (h *handler) stats(reqID uint32, req ipc.StatsRequest) (*ipc.Message, error) {
	if h.d.store == nil {
		return ipc.NewErrorMessage(reqID, ipc.ErrCodeUnsupported, "persistence disabled"), nil
	}

	since := time.Unix(0, 0)
	if req.SinceHours > 0 {
		since = time.Now().Add(-time.Duration(req.SinceHours) * time.Hour)
	}
	stats, err := h.d.store.Stats(since)
	if err != nil {
		return nil, err
	}

	resp := &ipc.StatsResponse{
		Since:     since,
		Total:     int64(stats.Total),
		Successes: int64(stats.Successes),
		ByMethod:  make(map[string]ipc.MethodStats, len(stats.ByMethod)),
	}
	for method, mc := range stats.ByMethod {
		resp.ByMethod[method] = ipc.MethodStats{Total: int64(mc.Total), Successes: int64(mc.Successes)}
	}
	return ipc.NewResponse(ipc.MsgStatsResp, reqID, resp)
}

func toInjectResult(o strategy.Outcome) *ipc.InjectResult {
	res := &ipc.InjectResult{
		Success: o.Success,
		Method:  string(o.Method),
		Elapsed: o.Elapsed,
	}
	if o.Err != nil {
		res.Error = o.Err.Error()
	}
	for _, diag := range o.Diagnostics {
		res.Diagnostics = append(res.Diagnostics, ipc.DiagnosticInfo{
			Method:  string(diag.Method),
			Stage:   diag.Stage,
			Reason:  diag.Reason,
			Elapsed: diag.Elapsed,
		})
	}
	return res
}
