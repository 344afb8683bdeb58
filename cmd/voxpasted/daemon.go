package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"voxpaste/internal/activeapp"
	"voxpaste/internal/clipboard"
	"voxpaste/internal/config"
	"voxpaste/internal/health"
	"voxpaste/internal/ipc"
	"voxpaste/internal/logging"
	"voxpaste/internal/metrics"
	"voxpaste/internal/notify"
	"voxpaste/internal/rewrite"
	"voxpaste/internal/secret"
	"voxpaste/internal/session"
	"voxpaste/internal/store"
)

// daemon owns everything `voxpasted run` starts.
type daemon struct {
	loader  *config.Loader
	cfg     *config.Config
	logger  *logging.Logger
	store   *store.Store
	sup     *ipc.Supervisor
	coord   *session.Coordinator
	notify  *notify.Notifier
	metrics *metrics.DictationMetrics
	health  *health.Checker
}

func newDaemon(path string) (*daemon, error) {
	loader := config.NewLoader(path, nil)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logCfg, err := cfg.Logging.LoggerConfig("voxpasted")
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	logging.SetDefault(logger)

	d := &daemon{loader: loader, cfg: cfg, logger: logger}
	if err := d.build(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) build() error {
	cfg := d.cfg
	log := d.logger.Logger

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	helperPath, err := ipc.ResolveHelperPath(cfg.Helper.Path)
	if err != nil {
		return err
	}
	d.sup = ipc.NewSupervisor(ipc.ProcessConfig{
		Path:        helperPath,
		Args:        helperArgs(cfg, d.loader.Path()),
		Restart:     cfg.Helper.Restart,
		MaxRestarts: cfg.Helper.MaxRestarts,
		Backoff:     cfg.Helper.RestartBackoff(),
	}, d.logger.WithComponent("supervisor").Logger)

	deps := session.Deps{
		Transport: d.sup,
		History:   st,
		Prompts:   st,
		Apps:      activeapp.New(log),
		Settings:  st,
		Logger:    d.logger.WithComponent("session").Logger,
	}

	if cfg.Rewrite.Enabled {
		box, err := secret.LoadOrCreate(cfg.Storage.KeyPath)
		if err != nil {
			return fmt.Errorf("load secret key: %w", err)
		}
		gen := rewrite.NewGeminiClient(cfg.Rewrite.BaseURL, cfg.Rewrite.Model,
			rewriteKey(st, box, cfg.Rewrite.APIKey), cfg.Rewrite.Timeout())
		deps.Rewriter = rewrite.NewPipeline(gen, st, d.logger.WithComponent("rewrite").Logger)
	}

	if cfg.Paste.Enabled {
		keys, err := clipboard.NewKeybdPaster()
		if err != nil {
			return fmt.Errorf("init paste keystroke: %w", err)
		}
		paster, err := clipboard.FromConfig(cfg.Paste, keys, nil, d.logger.WithComponent("paste").Logger)
		if err != nil {
			return err
		}
		deps.Paster = paster
	}

	d.coord = session.New(session.OptionsFromConfig(cfg), deps)
	d.coord.AddObserver(journal{logger: d.logger})

	d.notify = notify.New(notify.Options{
		Desktop:    cfg.Notify.Enabled,
		OnComplete: cfg.Notify.OnComplete,
	}, d.logger.WithComponent("notify").Logger)
	d.coord.AddObserver(d.notify)

	if cfg.Metrics.Enabled {
		d.metrics = metrics.NewDictationMetrics(nil)
		d.coord.AddObserver(d.metrics)
	}

	d.health = health.NewChecker()
	d.health.RegisterFunc("store", true, health.DatabaseCheck(st.DB().PingContext))
	d.health.RegisterFunc("helper", false, health.ProcessCheck("helper", d.sup.Running))

	d.sup.OnExit = func(info ipc.ExitInfo) {
		d.health.SetReady(false)
		d.coord.HelperExited(info.Err)
	}
	return nil
}

// Run blocks until ctx is done or the coordinator stops.
func (d *daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.loader.OnChange(d.reload)
	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config watch unavailable", "error", err)
	}

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-d.loader.Errors():
				if !ok {
					return
				}
				d.logger.Warn("config reload rejected", "error", err)
			}
		}
	})
	spawn(func() { d.notify.Run(ctx) })
	spawn(func() { d.rotateOnHangup(ctx) })
	if d.metrics != nil {
		spawn(func() {
			if err := d.metrics.Serve(ctx, d.cfg.Metrics.ListenAddr, d.logger.Logger, d.health.Routes()); err != nil {
				d.logger.Error("metrics endpoint failed", "error", err)
			}
		})
	}

	coordErr := make(chan error, 1)
	go func() { coordErr <- d.coord.Run(ctx) }()
	spawn(func() {
		if err := d.sup.Run(ctx, d.deliver); err != nil && ctx.Err() == nil {
			d.logger.Error("helper supervisor stopped", "error", err)
		}
	})

	d.logger.Info("voxpasted started", "version", Version, "hotkey", d.cfg.Hotkey.Trigger)

	var err error
	select {
	case <-ctx.Done():
		err = <-coordErr
	case err = <-coordErr:
	}
	cancel()
	d.sup.Stop()
	wg.Wait()

	d.logger.Info("voxpasted stopped")
	return err
}

// rotateOnHangup reopens the log file on SIGHUP.
func (d *daemon) rotateOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := d.logger.Rotate(); err != nil {
				d.logger.Warn("log rotation failed", "error", err)
			}
		}
	}
}

// deliver forwards helper messages to the coordinator.
func (d *daemon) deliver(msg ipc.Inbound) {
	if msg.Type == ipc.InReady {
		d.health.SetReady(true)
	}
	d.coord.Deliver(msg)
}

// reload applies a changed config file. Storage, helper and paste settings
// take effect on restart.
func (d *daemon) reload(old, cfg *config.Config) {
	if lvl, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		d.logger.SetLevel(lvl)
	}
	d.coord.Reconfigure(session.OptionsFromConfig(cfg))
	if old == nil || old.Hotkey.Trigger != cfg.Hotkey.Trigger {
		if err := d.coord.SetHotkey(cfg.Hotkey.Trigger); err != nil {
			d.logger.Warn("hotkey unchanged", "hotkey", cfg.Hotkey.Trigger, "error", err)
		}
	}
	d.logger.Info("configuration reloaded", "hotkey", cfg.Hotkey.Trigger)
}

// helperArgs points the helper at the daemon's config file.
func helperArgs(cfg *config.Config, path string) []string {
	return append(slices.Clone(cfg.Helper.Args), "-config", path)
}

// Close releases resources held by the daemon.
func (d *daemon) Close() {
	if d.loader != nil {
		d.loader.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.logger != nil {
		d.logger.Close()
	}
}

// journal logs each transition against its session.
type journal struct {
	session.NopObserver
	logger *logging.Logger
}

func (j journal) StatusChanged(ch session.Change) {
	l := j.logger
	if ch.SessionID != "" {
		l = l.WithSession(ch.SessionID)
	}
	l.Info("status", "from", string(ch.From), "to", string(ch.To), "reason", string(ch.Reason))
}

func (j journal) HistoryRecorded(e *store.HistoryEntry) {
	j.logger.Debug("dictation recorded", "id", e.ID, "app", e.AppName, "rewritten", e.IsRewritten)
}
