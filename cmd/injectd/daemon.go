package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"injectd/internal/clipboard"
	"injectd/internal/config"
	"injectd/internal/confirm"
	"injectd/internal/detect"
	"injectd/internal/focus"
	"injectd/internal/injector"
	"injectd/internal/ipc"
	"injectd/internal/logging"
	"injectd/internal/prewarm"
	"injectd/internal/session"
	"injectd/internal/store"
	"injectd/internal/strategy"
	"injectd/internal/telemetry"
	"injectd/internal/uinput"
)

const (
	historySaveInterval = time.Minute
	pruneInterval       = time.Hour
	uptimeInterval      = 10 * time.Second
	warmTimeout         = 300 * time.Millisecond
)

// Daemon wires the injection pipeline together and owns its lifecycle.
type Daemon struct {
	loader  *config.Loader
	logger  *logging.Logger
	env     detect.Environment
	metrics *telemetry.Metrics

	mu      sync.Mutex
	cfg     *config.Config
	manager *strategy.Manager

	session   *session.Session
	history   *strategy.History
	store     *store.Store
	cache     *prewarm.Cache
	clip      *clipboard.Client
	tracker   *focus.Tracker
	confirmer *confirm.Confirmer
	watcher   *confirm.AtspiWatcher
	adapters  []injector.Injector

	server    *ipc.Server
	httpSrv   *http.Server
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// injectMu serializes injection so concurrent IPC requests cannot
	// interleave keystrokes or clipboard state.
	injectMu sync.Mutex
}

// clipboardSnapshotter adapts the clipboard client to the strategy layer's
// backup interface.
type clipboardSnapshotter struct {
	clip *clipboard.Client
}

func (c clipboardSnapshotter) Read(ctx context.Context) ([]byte, string, error) {
	snap, err := c.clip.Read(ctx)
	if err != nil {
		return nil, "", err
	}
	if snap.Empty {
		return nil, "", nil
	}
	return snap.Content, snap.MimeType, nil
}

func newDaemon(cfg *config.Config, loader *config.Loader, logger *logging.Logger) (*Daemon, error) {
	env := detect.Detect()
	logger.Info("environment detected",
		"protocol", env.Protocol.String(),
		"desktop", env.Desktop.String(),
		"xwayland", env.XWayland)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		loader:  loader,
		logger:  logger,
		env:     env,
		cfg:     cfg,
		metrics: telemetry.New(telemetry.NewRegistry("injectd")),
		ctx:     ctx,
		cancel:  cancel,
	}

	d.clip = clipboard.New(env)
	d.tracker = focus.NewTracker(focus.NewAtspiBackend(),
		focus.WithCacheTTL(ms(cfg.Focus.CacheTTLMs)),
		focus.WithQueryTimeout(ms(cfg.Focus.QueryTimeoutMs)))

	d.watcher = confirm.NewAtspiWatcher()
	d.confirmer = confirm.New(d.watcher,
		confirm.WithWindow(ms(cfg.Strategy.ConfirmWindowMs)),
		confirm.WithLogger(logger.Logger))

	d.history = strategy.NewHistory()
	if cfg.Storage.Enabled {
		st, err := store.Open(cfg.Storage.Path)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open store: %w", err)
		}
		d.store = st
		records, err := st.LoadHistory()
		if err != nil {
			logger.Warn("load method history failed", "error", err)
		} else {
			d.history.Import(records)
			logger.Info("method history loaded", "records", len(records))
		}
	}

	atspiInsert := injector.NewAtspiInsert()
	atspiPaste := injector.NewAtspiPaste(d.clip)
	portalInput := injector.NewPortalInput()
	d.adapters = []injector.Injector{
		atspiInsert,
		atspiPaste,
		injector.NewClipboardPaste(d.clip),
		injector.NewVirtualKeyboard(),
		portalInput,
		injector.NewNoOp(),
	}

	if cfg.Prewarm.Enabled {
		d.cache = prewarm.New(
			prewarm.WithTTL(ms(cfg.Prewarm.TTLMs)),
			prewarm.WithLogger(logger.Logger))
		d.cache.Register(prewarm.ResourceAccessibility, warmTimeout, func(ctx context.Context) (any, error) {
			return nil, atspiInsert.Seed(ctx)
		})
		d.cache.Register(prewarm.ResourceClipboard, warmTimeout, func(ctx context.Context) (any, error) {
			_, err := d.clip.Read(ctx)
			return nil, err
		})
		d.cache.Register(prewarm.ResourceKeyboard, warmTimeout, func(ctx context.Context) (any, error) {
			if !uinput.Available() {
				return nil, errors.New("uinput unavailable")
			}
			return nil, nil
		})
		if cfg.Methods.PortalInput.Enabled {
			d.cache.Register(prewarm.ResourcePortal, warmTimeout, func(ctx context.Context) (any, error) {
				return nil, portalInput.Seed(ctx)
			})
		}
	}

	d.session = session.New(sessionConfig(cfg), session.WithLogger(logger.Logger))
	d.manager = d.buildManager(cfg)

	d.server = ipc.NewServer(serverConfig(cfg), newHandler(d), logger)

	loader.OnChange(func(next *config.Config) {
		d.applyConfig(next)
	})
	return d, nil
}

// buildManager constructs a strategy manager from the current config. The
// adapters, history, and confirmer persist across rebuilds so learned state
// survives a reload.
func (d *Daemon) buildManager(cfg *config.Config) *strategy.Manager {
	opts := []strategy.Option{
		strategy.WithFocusSource(d.tracker),
		strategy.WithClipboardSnapshotter(clipboardSnapshotter{clip: d.clip}),
		strategy.WithRecorder(d.metrics),
		strategy.WithLogger(d.logger.Logger),
	}
	if d.cache != nil {
		opts = append(opts, strategy.WithPrewarm(d.cache))
	}
	return strategy.New(strategyConfig(cfg), d.env, d.adapters, d.history, d.confirmer, opts...)
}

// Start brings up the IPC server, the telemetry endpoint, and the background
// loops.
func (d *Daemon) Start() error {
	d.startedAt = time.Now()

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("ipc server: %w", err)
	}

	if d.cfg.Telemetry.Enabled {
		d.httpSrv = &http.Server{
			Addr:    d.cfg.Telemetry.ListenAddr,
			Handler: d.metrics.Registry().HTTPHandler(),
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.logger.Info("telemetry endpoint listening", "addr", d.httpSrv.Addr)
			if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("telemetry endpoint failed", "error", err)
			}
		}()
	}

	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config watch unavailable", "error", err)
	}

	d.wg.Add(3)
	go d.pollLoop()
	go d.housekeepingLoop()
	go d.errorLoop()

	d.logger.Info("injectd started", "version", version, "socket", d.server.SocketPath())
	return nil
}

// Stop tears everything down, persisting the method history last.
func (d *Daemon) Stop() error {
	d.cancel()
	d.server.Stop()
	if d.httpSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		d.httpSrv.Shutdown(sctx)
		scancel()
	}
	d.loader.Close()
	d.wg.Wait()

	// A buffered utterance still belongs to the user; deliver it before the
	// adapters go away.
	if text, ferr := d.session.Flush(); ferr == nil {
		fctx, fcancel := context.WithTimeout(context.Background(), time.Second)
		d.Inject(fctx, text)
		fcancel()
	}

	for _, a := range d.adapters {
		if closer, ok := a.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
	d.watcher.Close()

	var err error
	if d.store != nil {
		if serr := d.store.SaveHistory(d.history.Export()); serr != nil {
			err = fmt.Errorf("save history: %w", serr)
		}
		d.store.Close()
	}
	d.logger.Info("injectd stopped")
	return err
}

// Done reports daemon-initiated shutdown (an IPC shutdown request).
func (d *Daemon) Done() <-chan struct{} {
	return d.ctx.Done()
}

// RequestShutdown triggers shutdown from the IPC handler.
func (d *Daemon) RequestShutdown() {
	d.cancel()
}

// pollLoop drives the session state machine. When the buffer becomes ready,
// it drains and injects.
func (d *Daemon) pollLoop() {
	defer d.wg.Done()

	interval := ms(d.currentConfig().Session.PollIntervalMs)
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.session.ShouldInject() {
				continue
			}
			text, err := d.session.TakeBuffer()
			if err != nil {
				continue
			}
			d.Inject(d.ctx, text)
		}
	}
}

// housekeepingLoop saves history, prunes old attempt records, and refreshes
// the uptime gauge.
func (d *Daemon) housekeepingLoop() {
	defer d.wg.Done()

	saveTicker := time.NewTicker(historySaveInterval)
	defer saveTicker.Stop()
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()
	uptimeTicker := time.NewTicker(uptimeInterval)
	defer uptimeTicker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-uptimeTicker.C:
			d.metrics.UpdateUptime()
		case <-saveTicker.C:
			if d.store == nil {
				continue
			}
			if err := d.store.SaveHistory(d.history.Export()); err != nil {
				d.logger.Warn("save method history failed", "error", err)
			}
		case <-pruneTicker.C:
			if d.store == nil {
				continue
			}
			retention := d.currentConfig().Storage.AttemptRetentionHours
			if retention <= 0 {
				continue
			}
			cutoff := time.Now().Add(-time.Duration(retention) * time.Hour)
			if n, err := d.store.PruneAttempts(cutoff); err != nil {
				d.logger.Warn("prune attempts failed", "error", err)
			} else if n > 0 {
				d.logger.Debug("old attempts pruned", "count", n)
			}
		}
	}
}

// errorLoop surfaces config watch errors into the log.
func (d *Daemon) errorLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case err, ok := <-d.loader.Errors():
			if !ok {
				return
			}
			d.logger.Warn("config reload failed, previous config still active", "error", err)
		}
	}
}

// AddTranscription feeds a fragment into the session. The first fragment of
// an utterance triggers pre-warming so the injection resources are live by
// the time the silence wait ends.
func (d *Daemon) AddTranscription(text string) {
	wasIdle := d.session.State() == session.StateIdle
	d.session.AddTranscription(text)
	d.metrics.RecordFragment()

	if wasIdle && d.cache != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.cache.WarmAll(d.ctx)
		}()
	}
}

// Flush drains buffered text and injects it immediately.
func (d *Daemon) Flush(ctx context.Context) (strategy.Outcome, error) {
	text, err := d.session.Flush()
	if err != nil {
		return strategy.Outcome{}, err
	}
	return d.Inject(ctx, text), nil
}

// Inject runs one injection request and records the attempt.
func (d *Daemon) Inject(ctx context.Context, text string) strategy.Outcome {
	d.injectMu.Lock()
	defer d.injectMu.Unlock()

	outcome := d.currentManager().Inject(ctx, text)

	if d.store != nil {
		app := ""
		if st, target := d.tracker.StatusTarget(ctx); st != focus.StatusUnknown {
			app = target.App
		}
		if err := d.store.RecordAttempt(outcome, app, time.Now()); err != nil {
			d.logger.Warn("record attempt failed", "error", err)
		}
	}
	return outcome
}

// Reload re-reads the configuration from disk and applies it.
func (d *Daemon) Reload() error {
	cfg, err := d.loader.Load()
	if err != nil {
		return err
	}
	d.applyConfig(cfg)
	return nil
}

// applyConfig swaps in a validated config. The strategy manager is rebuilt;
// session timing and socket changes take effect on restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.manager = d.buildManager(cfg)
	d.mu.Unlock()
	d.logger.Info("configuration applied",
		"total_budget_ms", cfg.Strategy.TotalBudgetMs,
		"stage_budget_ms", cfg.Strategy.StageBudgetMs)
}

func (d *Daemon) currentConfig() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Daemon) currentManager() *strategy.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manager
}

// ms converts a millisecond config value to a duration.
func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		BufferPauseTimeout: ms(cfg.Session.BufferPauseTimeoutMs),
		SilenceTimeout:     ms(cfg.Session.SilenceTimeoutMs),
		MaxBufferChars:     cfg.Session.MaxBufferChars,
	}
}

func strategyConfig(cfg *config.Config) strategy.Config {
	sc := strategy.Config{
		TotalBudget:          ms(cfg.Strategy.TotalBudgetMs),
		StageBudget:          ms(cfg.Strategy.StageBudgetMs),
		RequireFocus:         cfg.Strategy.RequireFocus,
		InjectOnUnknownFocus: cfg.Strategy.InjectOnUnknownFocus,
		AllowApps:            cfg.Strategy.AllowApps,
		BlockApps:            cfg.Strategy.BlockApps,
		KeystrokeMaxChars:    cfg.Strategy.KeystrokeMaxChars,
		Enabled:              make(map[injector.Method]bool),
		ConfirmPolicies:      make(map[injector.Method]strategy.ConfirmPolicy),
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
	for _, m := range methods {
		sc.Enabled[m.method] = m.mc.Enabled
		if m.mc.ConfirmPolicy == string(strategy.PolicyLenient) {
			sc.ConfirmPolicies[m.method] = strategy.PolicyLenient
		}
	}
	return sc
}

func serverConfig(cfg *config.Config) ipc.ServerConfig {
	sc := ipc.DefaultServerConfig(cfg.IPC.SocketPath)
	if cfg.IPC.MaxConnections > 0 {
		sc.MaxConnections = cfg.IPC.MaxConnections
	}
	return sc
}
