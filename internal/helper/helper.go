// Package helper is the input/speech side of the daemon protocol. It turns
// hotkey presses into recordings, relays speech events to the daemon, and
// serves the daemon's hotkey and permission requests.
package helper

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"voxpaste/internal/fault"
	"voxpaste/internal/hotkey"
	"voxpaste/internal/ipc"
	"voxpaste/internal/speech"
)

// ReadyMode is reported in the ready message.
const ReadyMode = "push-to-talk"

// Link is the helper's end of the protocol.
type Link interface {
	Run(ctx context.Context, fn func(ipc.Outbound)) error
	Send(msg ipc.Inbound)
}

// Prober answers permissions:check.
type Prober interface {
	Probe(ctx context.Context) ipc.Permissions
}

// Options wire a Runtime.
type Options struct {
	// Binding is the trigger until the daemon pushes hotkey:set.
	Binding hotkey.Binding
	// NewEngine builds the speech engine around the runtime's sink.
	NewEngine func(sink speech.Sink) speech.Engine
	Prober    Prober
}

// Runtime owns one hotkey monitor and one speech engine.
type Runtime struct {
	link    Link
	engine  speech.Engine
	monitor *hotkey.Monitor
	prober  Prober
	logger  *slog.Logger

	ctx context.Context

	mu        sync.Mutex
	recording bool
	finals    []string
	rewriting string
}

// New creates a runtime.
func New(link Link, opts Options, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Runtime{
		link:   link,
		prober: opts.Prober,
		logger: logger,
		ctx:    context.Background(),
	}
	r.engine = opts.NewEngine(r.onSpeech)
	r.monitor = hotkey.NewMonitor(opts.Binding, hotkey.Handler{
		OnKeyDown: r.onKeyDown,
		OnKeyUp:   r.onKeyUp,
		OnEscape:  r.onEscape,
	}, logger)
	return r
}

// Monitor exposes the hotkey monitor.
func (r *Runtime) Monitor() *hotkey.Monitor { return r.monitor }

// Run serves the protocol and feeds src into the monitor until the daemon
// closes the link or ctx is done. A keyboard source that cannot run is
// logged and the protocol keeps being served.
func (r *Runtime) Run(ctx context.Context, src hotkey.Source) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.ctx = ctx

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.monitor.Run(ctx, src); err != nil {
			r.logger.Error("keyboard source stopped", "error", err)
		}
	}()

	r.link.Send(ipc.Inbound{Type: ipc.InReady, Text: ReadyMode})
	err := r.link.Run(ctx, r.handle)
	cancel()
	wg.Wait()

	if r.isRecording() {
		r.engine.Cancel()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runtime) handle(msg ipc.Outbound) {
	switch msg.Type {
	case ipc.OutRewriteStart:
		r.mu.Lock()
		r.rewriting = msg.SessionID
		r.mu.Unlock()
	case ipc.OutRewriteDone, ipc.OutRewriteError:
		r.mu.Lock()
		if r.rewriting == msg.SessionID || msg.SessionID == "" {
			r.rewriting = ""
		}
		r.mu.Unlock()
	case ipc.OutHotkeySet:
		b, err := hotkey.Parse(msg.Hotkey)
		if err != nil {
			r.logger.Warn("ignoring invalid hotkey", "hotkey", msg.Hotkey, "error", err)
			return
		}
		r.monitor.SetBinding(b)
	case ipc.OutPermissionsCheck:
		go r.answerPermissions()
	case ipc.OutHUDUpdate:
		r.logger.Debug("hud update", "size", msg.Size, "position", msg.Position)
	default:
		r.logger.Warn("unhandled daemon message", "type", string(msg.Type))
	}
}

func (r *Runtime) answerPermissions() {
	perms := ipc.Permissions{
		SpeechRecognition: ipc.PermNotDetermined,
		Microphone:        ipc.PermNotDetermined,
		Input:             ipc.PermNotDetermined,
	}
	if r.prober != nil {
		perms = r.prober.Probe(r.ctx)
	}
	r.link.Send(ipc.Inbound{Type: ipc.InPermissions, Permissions: &perms})
}

func (r *Runtime) isRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *Runtime) onKeyDown() {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return
	}
	r.recording = true
	r.finals = nil
	r.mu.Unlock()

	r.link.Send(ipc.Inbound{Type: ipc.InStarted})
	if err := r.engine.Start(r.ctx); err != nil {
		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()
		if errors.Is(err, speech.ErrBusy) {
			r.logger.Debug("recording already active")
			return
		}
		code := fault.CodeOf(err, speech.CodeAudio)
		r.logger.Warn("start recording", "code", code, "error", err)
		r.link.Send(ipc.Inbound{Type: ipc.InError, Code: code, Message: err.Error()})
	}
}

func (r *Runtime) onKeyUp() {
	if r.isRecording() {
		r.engine.Stop()
	}
}

func (r *Runtime) onEscape() {
	r.mu.Lock()
	recording := r.recording
	rewriting := r.rewriting
	r.mu.Unlock()

	switch {
	case recording:
		r.engine.Cancel()
	case rewriting != "":
		r.link.Send(ipc.Inbound{Type: ipc.InRewriteCancelled, SessionID: rewriting})
	}
}

// onSpeech relays engine events to the daemon.
func (r *Runtime) onSpeech(ev speech.Event) {
	switch ev.Kind {
	case speech.EventPartial:
		r.link.Send(ipc.Inbound{Type: ipc.InPartial, Text: ev.Text})
	case speech.EventFinal:
		r.mu.Lock()
		r.finals = append(r.finals, ev.Text)
		r.mu.Unlock()
		r.link.Send(ipc.Inbound{Type: ipc.InFinal, Text: ev.Text})
	case speech.EventLevel:
		r.link.Send(ipc.Level(ev.Level))
	case speech.EventStopped:
		text := r.endRecording()
		r.link.Send(ipc.Inbound{Type: ipc.InStopped, Text: text})
	case speech.EventCancelled:
		r.endRecording()
		r.link.Send(ipc.Inbound{Type: ipc.InCancelled})
	case speech.EventError:
		r.endRecording()
		r.link.Send(ipc.Inbound{Type: ipc.InError, Code: ev.Code, Message: ev.Message})
	}
}

// endRecording clears the recording and returns its finals joined.
func (r *Runtime) endRecording() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	text := strings.Join(r.finals, " ")
	r.finals = nil
	return text
}
