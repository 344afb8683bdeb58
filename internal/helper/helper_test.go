package helper

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxpaste/internal/fault"
	"voxpaste/internal/hotkey"
	"voxpaste/internal/ipc"
	"voxpaste/internal/speech"
)

const codeF5 uint16 = 63

type fakeLink struct {
	in chan ipc.Outbound

	mu   sync.Mutex
	sent []ipc.Inbound
}

func newFakeLink() *fakeLink {
	return &fakeLink{in: make(chan ipc.Outbound, 16)}
}

func (l *fakeLink) Run(ctx context.Context, fn func(ipc.Outbound)) error {
	for {
		select {
		case msg, ok := <-l.in:
			if !ok {
				return nil
			}
			fn(msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *fakeLink) Send(msg ipc.Inbound) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, msg)
}

func (l *fakeLink) kinds() []ipc.InboundKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ipc.InboundKind
	for _, m := range l.sent {
		out = append(out, m.Type)
	}
	return out
}

func (l *fakeLink) last() ipc.Inbound {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent[len(l.sent)-1]
}

type fakeEngine struct {
	sink     speech.Sink
	startErr error

	mu      sync.Mutex
	starts  int
	stops   int
	cancels int
}

func (e *fakeEngine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	return e.startErr
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	e.stops++
	e.mu.Unlock()
}

func (e *fakeEngine) Cancel() {
	e.mu.Lock()
	e.cancels++
	e.mu.Unlock()
	e.sink(speech.Event{Kind: speech.EventCancelled})
}

func (e *fakeEngine) counts() (starts, stops, cancels int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts, e.stops, e.cancels
}

type fixedProber ipc.Permissions

func (p fixedProber) Probe(context.Context) ipc.Permissions { return ipc.Permissions(p) }

func newRuntime(t *testing.T, binding string) (*Runtime, *fakeLink, *fakeEngine) {
	t.Helper()
	link := newFakeLink()
	eng := &fakeEngine{}
	rt := New(link, Options{
		Binding: hotkey.MustParse(binding),
		NewEngine: func(sink speech.Sink) speech.Engine {
			eng.sink = sink
			return eng
		},
		Prober: fixedProber{SpeechRecognition: ipc.PermGranted, Microphone: ipc.PermGranted, Input: ipc.PermDenied},
	}, nil)
	return rt, link, eng
}

func press(rt *Runtime) {
	rt.Monitor().HandleEvent(hotkey.Event{Kind: hotkey.KeyDown, Code: codeF5})
}

func release(rt *Runtime) {
	rt.Monitor().HandleEvent(hotkey.Event{Kind: hotkey.KeyUp, Code: codeF5})
}

func escape(rt *Runtime) {
	rt.Monitor().HandleEvent(hotkey.Event{Kind: hotkey.KeyDown, Code: hotkey.CodeEscape})
}

func TestPushToTalkCycle(t *testing.T) {
	rt, link, eng := newRuntime(t, "F5")

	press(rt)
	assert.Equal(t, []ipc.InboundKind{ipc.InStarted}, link.kinds())

	eng.sink(speech.Event{Kind: speech.EventLevel, Level: 0.5})
	eng.sink(speech.Event{Kind: speech.EventPartial, Text: "hel"})
	eng.sink(speech.Event{Kind: speech.EventFinal, Text: "hello"})
	eng.sink(speech.Event{Kind: speech.EventFinal, Text: "world"})

	release(rt)
	_, stops, _ := eng.counts()
	assert.Equal(t, 1, stops)

	eng.sink(speech.Event{Kind: speech.EventStopped})
	assert.Equal(t, []ipc.InboundKind{
		ipc.InStarted, ipc.InLevel, ipc.InPartial, ipc.InFinal, ipc.InFinal, ipc.InStopped,
	}, link.kinds())
	assert.Equal(t, "hello world", link.last().Text)
	assert.False(t, rt.isRecording())
}

func TestPressWhileRecordingIsIgnored(t *testing.T) {
	rt, link, eng := newRuntime(t, "F5")

	press(rt)
	release(rt)
	// Released but the engine has not reported stopped yet.
	press(rt)

	starts, _, _ := eng.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, []ipc.InboundKind{ipc.InStarted}, link.kinds())
}

func TestStartFailureReportsCode(t *testing.T) {
	rt, link, eng := newRuntime(t, "F5")
	eng.startErr = fault.New(fault.KindUnavailable, speech.CodeAPIKey, "deepgram", errors.New("missing"))

	press(rt)

	assert.Equal(t, []ipc.InboundKind{ipc.InStarted, ipc.InError}, link.kinds())
	assert.Equal(t, speech.CodeAPIKey, link.last().Code)
	assert.False(t, rt.isRecording())

	// Key-up after a failed start has nothing to stop.
	release(rt)
	_, stops, _ := eng.counts()
	assert.Zero(t, stops)
}

func TestEngineErrorEndsRecording(t *testing.T) {
	rt, link, eng := newRuntime(t, "F5")

	press(rt)
	eng.sink(speech.Event{Kind: speech.EventError, Code: speech.CodeAudio, Message: "device unplugged"})

	assert.False(t, rt.isRecording())
	msg := link.last()
	assert.Equal(t, ipc.InError, msg.Type)
	assert.Equal(t, speech.CodeAudio, msg.Code)
	assert.Equal(t, "device unplugged", msg.Message)
}

func TestEscapeCancelsRecording(t *testing.T) {
	rt, link, eng := newRuntime(t, "F5")

	press(rt)
	escape(rt)

	_, _, cancels := eng.counts()
	assert.Equal(t, 1, cancels)
	assert.Equal(t, []ipc.InboundKind{ipc.InStarted, ipc.InCancelled}, link.kinds())
	assert.False(t, rt.isRecording())
}

func TestEscapeCancelsRewrite(t *testing.T) {
	rt, link, eng := newRuntime(t, "F5")

	rt.handle(ipc.Outbound{Type: ipc.OutRewriteStart, SessionID: "s1"})
	escape(rt)

	_, _, cancels := eng.counts()
	assert.Zero(t, cancels)
	msg := link.last()
	assert.Equal(t, ipc.InRewriteCancelled, msg.Type)
	assert.Equal(t, "s1", msg.SessionID)

	rt.handle(ipc.Outbound{Type: ipc.OutRewriteDone, SessionID: "s1"})
	escape(rt)
	assert.Len(t, link.kinds(), 1)
}

func TestStaleRewriteDoneKeepsCurrentSession(t *testing.T) {
	rt, link, _ := newRuntime(t, "F5")

	rt.handle(ipc.Outbound{Type: ipc.OutRewriteStart, SessionID: "s2"})
	rt.handle(ipc.Outbound{Type: ipc.OutRewriteError, SessionID: "s1", Message: "late"})
	escape(rt)

	assert.Equal(t, "s2", link.last().SessionID)
}

func TestEscapeWhenIdleDoesNothing(t *testing.T) {
	rt, link, eng := newRuntime(t, "F5")

	escape(rt)

	_, _, cancels := eng.counts()
	assert.Zero(t, cancels)
	assert.Empty(t, link.kinds())
}

func TestHotkeySetRebinds(t *testing.T) {
	rt, _, _ := newRuntime(t, "F5")

	rt.handle(ipc.Outbound{Type: ipc.OutHotkeySet, Hotkey: "Control + Space"})
	assert.Equal(t, "Control + Space", rt.Monitor().Binding().String())

	rt.handle(ipc.Outbound{Type: ipc.OutHotkeySet, Hotkey: "Escape"})
	assert.Equal(t, "Control + Space", rt.Monitor().Binding().String())
}

func TestHotkeySetWhileHeldStopsRecording(t *testing.T) {
	rt, _, eng := newRuntime(t, "F5")

	press(rt)
	rt.handle(ipc.Outbound{Type: ipc.OutHotkeySet, Hotkey: "F6"})

	_, stops, _ := eng.counts()
	assert.Equal(t, 1, stops)
}

func TestRunAnswersPermissionsAndStopsWithLink(t *testing.T) {
	rt, link, _ := newRuntime(t, "F5")
	src := &chanSource{events: make(chan hotkey.Event)}

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background(), src) }()

	link.in <- ipc.Outbound{Type: ipc.OutHUDUpdate, Size: "small"}
	link.in <- ipc.Outbound{Type: ipc.OutPermissionsCheck}
	require.Eventually(t, func() bool { return len(link.kinds()) == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, []ipc.InboundKind{ipc.InReady, ipc.InPermissions}, link.kinds())
	perms := link.last().Permissions
	require.NotNil(t, perms)
	assert.Equal(t, ipc.PermGranted, perms.Microphone)
	assert.Equal(t, ipc.PermDenied, perms.Input)

	close(link.in)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the link closed")
	}
}

func TestRunSurvivesMissingKeyboard(t *testing.T) {
	rt, link, _ := newRuntime(t, "F5")

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background(), failingSource{}) }()

	link.in <- ipc.Outbound{Type: ipc.OutPermissionsCheck}
	require.Eventually(t, func() bool { return len(link.kinds()) == 2 }, time.Second, time.Millisecond)

	close(link.in)
	assert.NoError(t, <-done)
}

type chanSource struct {
	events chan hotkey.Event
}

func (s *chanSource) Run(ctx context.Context, out chan<- hotkey.Event) error {
	for {
		select {
		case ev := <-s.events:
			out <- ev
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type failingSource struct{}

func (failingSource) Run(context.Context, chan<- hotkey.Event) error {
	return hotkey.ErrNotAvailable
}

func TestRunOverHelperLink(t *testing.T) {
	daemonR, helperW := io.Pipe()
	helperR, daemonW := io.Pipe()
	t.Cleanup(func() {
		daemonR.Close()
		daemonW.Close()
	})

	eng := &fakeEngine{}
	rt := New(ipc.NewHelperLink(helperR, helperW, nil), Options{
		Binding: hotkey.MustParse("F5"),
		NewEngine: func(sink speech.Sink) speech.Engine {
			eng.sink = sink
			return eng
		},
	}, nil)
	src := &chanSource{events: make(chan hotkey.Event)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rt.Run(ctx, src) }()

	daemon := ipc.NewTransport(daemonR, daemonW, nil)
	got := make(chan ipc.Inbound, 16)
	go func() { _ = daemon.Run(ctx, func(m ipc.Inbound) { got <- m }) }()

	next := func() ipc.Inbound {
		t.Helper()
		select {
		case m := <-got:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("no message from helper")
			return ipc.Inbound{}
		}
	}

	assert.Equal(t, ipc.InReady, next().Type)

	src.events <- hotkey.Event{Kind: hotkey.KeyDown, Code: codeF5}
	assert.Equal(t, ipc.InStarted, next().Type)

	eng.sink(speech.Event{Kind: speech.EventFinal})
	eng.sink(speech.Event{Kind: speech.EventStopped})
	final := next()
	assert.Equal(t, ipc.InFinal, final.Type)
	assert.Empty(t, final.Text)
	assert.Equal(t, ipc.InStopped, next().Type)

	daemon.Send(ipc.Outbound{Type: ipc.OutPermissionsCheck})
	perms := next()
	assert.Equal(t, ipc.InPermissions, perms.Type)
	require.NotNil(t, perms.Permissions)
	assert.Equal(t, ipc.PermNotDetermined, perms.Permissions.Microphone)
}

func TestSystemProber(t *testing.T) {
	found := func(string) (string, error) { return "/usr/bin/ffmpeg", nil }
	missing := func(string) (string, error) { return "", errors.New("not found") }

	tests := []struct {
		name   string
		prober SystemProber
		want   ipc.Permissions
	}{
		{
			name:   "all available",
			prober: SystemProber{Recorder: "ffmpeg", HasAPIKey: true, Keyboard: keyboard(true), lookPath: found},
			want:   ipc.Permissions{SpeechRecognition: ipc.PermGranted, Microphone: ipc.PermGranted, Input: ipc.PermGranted},
		},
		{
			name:   "nothing available",
			prober: SystemProber{Recorder: "ffmpeg", Keyboard: keyboard(false), lookPath: missing},
			want:   ipc.Permissions{SpeechRecognition: ipc.PermDenied, Microphone: ipc.PermDenied, Input: ipc.PermDenied},
		},
		{
			name:   "unknown keyboard",
			prober: SystemProber{Recorder: "ffmpeg", HasAPIKey: true, lookPath: found},
			want:   ipc.Permissions{SpeechRecognition: ipc.PermGranted, Microphone: ipc.PermGranted, Input: ipc.PermNotDetermined},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.prober.Probe(context.Background()))
		})
	}
}

type keyboard bool

func (k keyboard) Available() (bool, string) { return bool(k), "" }
