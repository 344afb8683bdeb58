package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voxpaste/internal/clock"
	"voxpaste/internal/config"
	"voxpaste/internal/fault"
	"voxpaste/internal/hotkey"
	"voxpaste/internal/ipc"
	"voxpaste/internal/rewrite"
	"voxpaste/internal/segment"
	"voxpaste/internal/store"
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("session: coordinator stopped")

// eventQueueSize bounds the number of queued events before the transport
// reader blocks.
const eventQueueSize = 256

// Sender delivers outbound messages to the helper. Send must not block and
// must swallow dead-peer failures.
type Sender interface {
	Send(msg ipc.Outbound)
}

// Rewriter is the rewrite pipeline.
type Rewriter interface {
	Rewrite(ctx context.Context, text string, promptID *int64) (rewrite.Result, error)
}

// Paster places text into the foreground application.
type Paster interface {
	Paste(ctx context.Context, text string) error
}

// HistoryRecorder persists a completed dictation.
type HistoryRecorder interface {
	RecordHistory(ctx context.Context, h store.NewHistory) (*store.HistoryEntry, error)
}

// PromptLookup selects the rewrite prompt for an application.
type PromptLookup interface {
	PromptForApp(ctx context.Context, appName string) (*store.Prompt, error)
}

// AppDetector names the foreground application, or returns "".
type AppDetector interface {
	ForegroundAppName(ctx context.Context) (string, error)
}

// SettingsStore holds user settings that outlive the config file.
type SettingsStore interface {
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// HUD is forwarded to the helper on ready.
type HUD struct {
	Size     string
	Opacity  float64
	Position string
}

// Options tune the coordinator. They can be replaced at runtime with
// Reconfigure.
type Options struct {
	Hotkey             string
	CompletedClear     time.Duration
	ErrorClear         time.Duration
	PermissionsTimeout time.Duration
	Thresholds         segment.Thresholds
	IgnoredErrorCodes  []string
	HUD                HUD
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Hotkey:             hotkey.Default.String(),
		CompletedClear:     500 * time.Millisecond,
		ErrorClear:         3 * time.Second,
		PermissionsTimeout: 3 * time.Second,
		Thresholds:         segment.DefaultThresholds,
		IgnoredErrorCodes:  []string{"203", "209", "216", "1110"},
		HUD:                HUD{Size: "medium", Opacity: 0.9, Position: "bottom"},
	}
}

// OptionsFromConfig derives options from a loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Hotkey:             cfg.Hotkey.Trigger,
		CompletedClear:     cfg.Session.CompletedClear(),
		ErrorClear:         cfg.Session.ErrorClear(),
		PermissionsTimeout: cfg.Session.PermissionsTimeout(),
		Thresholds: segment.Thresholds{
			BoundaryGap: cfg.Segment.BoundaryGap(),
			ShrinkRatio: cfg.Segment.ShrinkRatio,
		},
		IgnoredErrorCodes: slices.Clone(cfg.Session.IgnoredErrorCodes),
		HUD: HUD{
			Size:     cfg.HUD.Size,
			Opacity:  cfg.HUD.Opacity,
			Position: cfg.HUD.Position,
		},
	}
}

// Deps are the coordinator's collaborators. Transport is required; a nil
// Rewriter passes text through, and a nil Paster, History, Prompts, Apps or
// Settings skips that step.
type Deps struct {
	Transport Sender
	Rewriter  Rewriter
	Paster    Paster
	History   HistoryRecorder
	Prompts   PromptLookup
	Apps      AppDetector
	Settings  SettingsStore
	Clock     clock.Clock
	Logger    *slog.Logger
	// NewID mints session identity tokens. Defaults to random UUIDs.
	NewID func() string
}

// Coordinator owns the one live session. All state below the event queue is
// touched only by the Run goroutine; other goroutines communicate with it by
// posting closures.
type Coordinator struct {
	deps      Deps
	clk       clock.Clock
	logger    *slog.Logger
	observers []Observer

	events  chan func()
	done    chan struct{}
	running atomic.Bool
	workers sync.WaitGroup

	// snapshot is readable from any goroutine.
	snapMu   sync.Mutex
	snapshot Snapshot

	// Event loop state.
	ctx        context.Context
	opts       Options
	status     Status
	sessionID  string
	startedAt  time.Time
	acc        *segment.Accumulator
	job        *job
	nextJob    uint64
	clearTimer clock.Timer
	clearGen   uint64
	probe      *permissionProbe
	probeGen   uint64

	// afterRewrite runs on the worker between the rewrite and the paste.
	// Tests use it to land a cancel in that window.
	afterRewrite func(*job)
}

// New creates a coordinator in the idle state.
func New(opts Options, deps Deps) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	c := &Coordinator{
		deps:   deps,
		clk:    deps.Clock,
		logger: deps.Logger,
		events: make(chan func(), eventQueueSize),
		done:   make(chan struct{}),
		ctx:    context.Background(),
		opts:   opts,
		status: StatusIdle,
		acc:    segment.New(deps.Clock, opts.Thresholds),
	}
	c.snapshot.Status = StatusIdle
	return c
}

// AddObserver registers o. It must be called before Run.
func (c *Coordinator) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// Run processes events until ctx is done, then cancels any rewrite in flight
// and waits for its worker. It may be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session: coordinator already running")
	}
	c.ctx = ctx
	defer c.workers.Wait()
	defer close(c.done)
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.events:
			fn()
		}
	}
}

// shutdown abandons in-flight work when the loop exits.
func (c *Coordinator) shutdown() {
	if c.job != nil {
		c.job.token.Cancel()
		c.job = nil
	}
	c.stopClearTimer()
	c.resolveProbe(nil)
}

// post queues fn for the event loop. It reports false once Run has returned.
func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// Deliver queues an inbound helper message. Messages are processed in the
// order Deliver is called, so it must be called from a single goroutine
// (the transport reader).
func (c *Coordinator) Deliver(msg ipc.Inbound) {
	c.post(func() { c.handle(msg) })
}

// Cancel is a user-initiated cancel, equivalent to Escape.
func (c *Coordinator) Cancel() {
	c.post(func() { c.onCancelled(ipc.InCancelled) })
}

// HelperExited reports that the helper process went away.
func (c *Coordinator) HelperExited(err error) {
	c.post(func() { c.onHelperExited(err) })
}

// Reconfigure replaces the options. Thresholds apply to the next partial and
// delays to the next timer. The hotkey is kept; change it with SetHotkey.
func (c *Coordinator) Reconfigure(opts Options) {
	c.post(func() {
		opts.Hotkey = c.opts.Hotkey
		c.opts = opts
		c.acc.SetThresholds(opts.Thresholds)
	})
}

// SetHotkey validates spec, persists it and pushes it to the helper.
func (c *Coordinator) SetHotkey(spec string) error {
	b, err := hotkey.Parse(spec)
	if err != nil {
		return err
	}
	if !c.post(func() { c.applyHotkey(b.String()) }) {
		return ErrStopped
	}
	return nil
}

// Snapshot returns the current session view.
func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snapshot
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	return c.Snapshot().Status
}

func (c *Coordinator) handle(msg ipc.Inbound) {
	switch msg.Type {
	case ipc.InReady:
		c.onReady(msg.Text)
	case ipc.InStarted:
		c.onStarted()
	case ipc.InPartial:
		c.onPartial(msg.Text)
	case ipc.InFinal:
		c.onFinal(msg.Text)
	case ipc.InStopped:
		c.onStopped()
	case ipc.InCancelled, ipc.InRewriteCancelled:
		c.onCancelled(msg.Type)
	case ipc.InLevel:
		level := msg.LevelValue()
		for _, o := range c.observers {
			o.LevelChanged(level)
		}
	case ipc.InError:
		c.onEngineError(msg.Code, msg.Message)
	case ipc.InPermissions:
		c.resolveProbe(msg.Permissions)
	default:
		c.logger.Warn("unhandled helper message", "type", string(msg.Type))
	}
}

func (c *Coordinator) onReady(mode string) {
	c.logger.Info("helper ready", "mode", mode)

	spec := c.opts.Hotkey
	if c.deps.Settings != nil {
		v, ok, err := c.deps.Settings.Setting(c.ctx, store.SettingHotkey)
		switch {
		case err != nil:
			c.logger.Warn("load hotkey setting", "error", err)
		case ok && v != "":
			spec = v
		}
	}
	if spec != "" {
		c.send(ipc.Outbound{Type: ipc.OutHotkeySet, Hotkey: spec})
	}

	hud := c.opts.HUD
	opacity := hud.Opacity
	c.send(ipc.Outbound{
		Type:     ipc.OutHUDUpdate,
		Size:     hud.Size,
		Opacity:  &opacity,
		Position: hud.Position,
	})
}

func (c *Coordinator) applyHotkey(spec string) {
	if c.deps.Settings != nil {
		if err := c.deps.Settings.SetSetting(c.ctx, store.SettingHotkey, spec); err != nil {
			c.logger.Warn("persist hotkey", "error", err)
		}
	}
	c.opts.Hotkey = spec
	c.logger.Info("hotkey set", "hotkey", spec)
	c.send(ipc.Outbound{Type: ipc.OutHotkeySet, Hotkey: spec})
}

func (c *Coordinator) onStarted() {
	reason := ReasonStarted
	if c.job != nil {
		c.abandonJob()
		reason = ReasonRestarted
	} else if c.status == StatusRecognizing {
		reason = ReasonRestarted
	}
	c.stopClearTimer()
	c.acc.Reset()
	c.sessionID = c.deps.NewID()
	c.startedAt = c.clk.Now()
	c.logger.Debug("session started", "session_id", c.sessionID)
	c.transition(StatusRecognizing, reason, true)
}

func (c *Coordinator) onPartial(text string) {
	if c.status != StatusRecognizing {
		c.logger.Debug("partial outside recognizing", "status", string(c.status))
		return
	}
	outcome := c.acc.Partial(text)
	if outcome != segment.Continued {
		c.logger.Debug("segment boundary", "outcome", outcome.String())
	}
	c.publishText(false)
}

func (c *Coordinator) onFinal(text string) {
	if c.status != StatusRecognizing {
		c.logger.Debug("final outside recognizing", "status", string(c.status))
		return
	}
	c.acc.Final(text)
	c.publishText(true)
	if c.acc.Empty() {
		c.finishEmpty()
	}
}

func (c *Coordinator) onStopped() {
	if c.status != StatusRecognizing {
		return
	}
	text := strings.TrimSpace(c.acc.FullText())
	if text == "" {
		c.finishEmpty()
		return
	}
	c.beginRewrite(text)
}

// finishEmpty ends a session that produced no text. The helper still gets
// rewrite:done so it can dismiss its HUD.
func (c *Coordinator) finishEmpty() {
	c.send(ipc.Outbound{Type: ipc.OutRewriteDone, SessionID: c.sessionID})
	c.acc.Reset()
	c.transition(StatusIdle, ReasonEmpty, false)
}

func (c *Coordinator) onCancelled(kind ipc.InboundKind) {
	switch c.status {
	case StatusRecognizing:
		c.logger.Debug("recording cancelled", "via", string(kind))
		c.acc.Reset()
		c.transition(StatusIdle, ReasonCancelled, false)
	case StatusRewriting:
		c.logger.Debug("rewrite cancelled", "via", string(kind))
		c.abandonJob()
		c.acc.Reset()
		c.transition(StatusIdle, ReasonCancelled, false)
	case StatusCompleted, StatusError:
		c.stopClearTimer()
		c.transition(StatusIdle, ReasonCancelled, false)
	default:
		c.logger.Debug("cancel ignored", "status", string(c.status), "via", string(kind))
	}
}

func (c *Coordinator) onEngineError(code, message string) {
	if slices.Contains(c.opts.IgnoredErrorCodes, code) {
		c.logger.Debug("ignoring transient engine error", "code", code, "message", message)
		return
	}
	c.logger.Error("engine error", "code", code, "message", message)
	c.fail(fault.New(fault.KindFatal, code, "engine", errors.New(message)), ReasonFailed)
}

func (c *Coordinator) onHelperExited(err error) {
	c.logger.Warn("helper exited", "error", err, "status", string(c.status))
	c.resolveProbe(nil)

	fe := fault.New(fault.KindTransport, "HELPER_EXITED", "helper", err)
	if c.status == StatusRecognizing {
		// The recording died with the helper. A rewrite in flight runs in
		// this process and is left to finish.
		c.fail(fe, ReasonHelperExited)
		return
	}
	c.notifyError(fe)
}

// fail aborts the session into the error state.
func (c *Coordinator) fail(err error, reason Reason) {
	if c.job != nil {
		j := c.job
		c.job = nil
		j.token.Cancel()
		j.terminal(c, ipc.OutRewriteError, err.Error())
	}
	c.acc.Reset()
	c.notifyError(err)
	c.transition(StatusError, reason, false)
	c.scheduleClear(c.opts.ErrorClear)
}

func (c *Coordinator) notifyError(err error) {
	code := fault.CodeOf(err, "ERROR")
	msg := err.Error()
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Err != nil {
		msg = fe.Err.Error()
	}
	for _, o := range c.observers {
		o.SessionError(code, msg)
	}
}

func (c *Coordinator) publishText(final bool) {
	text := c.acc.FullText()
	c.snapMu.Lock()
	c.snapshot.Text = text
	c.snapMu.Unlock()
	for _, o := range c.observers {
		o.TranscriptChanged(c.sessionID, text, final)
	}
}

// transition moves to status. A transition to the current status is
// dropped unless force is set.
func (c *Coordinator) transition(to Status, reason Reason, force bool) {
	from := c.status
	if from == to && !force {
		return
	}
	c.status = to

	c.snapMu.Lock()
	c.snapshot = Snapshot{
		Status:    to,
		SessionID: c.sessionID,
		Text:      c.acc.FullText(),
		StartedAt: c.startedAt,
	}
	c.snapMu.Unlock()

	ch := Change{From: from, To: to, Reason: reason, SessionID: c.sessionID, At: c.clk.Now()}
	c.logger.Debug("status", "from", string(from), "to", string(to), "reason", string(reason))
	for _, o := range c.observers {
		o.StatusChanged(ch)
	}
}

// scheduleClear returns to idle after d unless another transition happens
// first.
func (c *Coordinator) scheduleClear(d time.Duration) {
	c.stopClearTimer()
	gen := c.clearGen
	c.clearTimer = c.clk.AfterFunc(d, func() {
		c.post(func() {
			if gen != c.clearGen {
				return
			}
			c.clearTimer = nil
			if c.status == StatusCompleted || c.status == StatusError {
				c.transition(StatusIdle, ReasonCleared, false)
			}
		})
	})
}

func (c *Coordinator) stopClearTimer() {
	c.clearGen++
	if c.clearTimer != nil {
		c.clearTimer.Stop()
		c.clearTimer = nil
	}
}

func (c *Coordinator) send(msg ipc.Outbound) {
	c.deps.Transport.Send(msg)
}
