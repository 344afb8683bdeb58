package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"voxpaste/internal/clock"
	"voxpaste/internal/fault"
	"voxpaste/internal/ipc"
	"voxpaste/internal/rewrite"
	"voxpaste/internal/store"
)

type fakeSender struct {
	mu      sync.Mutex
	msgs    []ipc.Outbound
	stopped bool
}

func (f *fakeSender) Send(msg ipc.Outbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *fakeSender) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.stopped
}

func (f *fakeSender) setRunning(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = !v
}

func (f *fakeSender) sent() []ipc.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ipc.Outbound(nil), f.msgs...)
}

func (f *fakeSender) count(kind ipc.OutboundKind) int {
	n := 0
	for _, m := range f.sent() {
		if m.Type == kind {
			n++
		}
	}
	return n
}

func (f *fakeSender) kinds() []ipc.OutboundKind {
	var out []ipc.OutboundKind
	for _, m := range f.sent() {
		out = append(out, m.Type)
	}
	return out
}

type fakeRewriter struct {
	mu      sync.Mutex
	calls   []string
	prompts []*int64
	result  *rewrite.Result
	err     error
	// block, when set, holds the call until closed or the context ends.
	block chan struct{}
	// ignoreCtx keeps blocking past cancellation.
	ignoreCtx bool
	entered   chan struct{}
}

func (f *fakeRewriter) Rewrite(ctx context.Context, text string, promptID *int64) (rewrite.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.prompts = append(f.prompts, promptID)
	block, entered, ignore := f.block, f.entered, f.ignoreCtx
	f.entered = nil
	result, err := f.result, f.err
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if block != nil {
		if ignore {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return rewrite.Result{}, fault.ErrCancelled
			}
		}
	}
	if err != nil {
		return rewrite.Result{}, err
	}
	if result != nil {
		return *result, nil
	}
	return rewrite.Result{Text: strings.ToUpper(text), Rewritten: true}, nil
}

func (f *fakeRewriter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRewriter) lastCall() (string, *int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return "", nil
	}
	return f.calls[len(f.calls)-1], f.prompts[len(f.prompts)-1]
}

type fakePaster struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakePaster) Paste(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.err
}

func (f *fakePaster) pasted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []store.NewHistory
	err     error
}

func (f *fakeHistory) RecordHistory(_ context.Context, h store.NewHistory) (*store.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.records = append(f.records, h)
	return &store.HistoryEntry{
		ID:               int64(len(f.records)),
		RawText:          h.RawText,
		RewrittenText:    h.RewrittenText,
		IsRewritten:      h.IsRewritten,
		AppName:          h.AppName,
		PromptID:         h.PromptID,
		ProcessingTimeMs: h.ProcessingTimeMs,
	}, nil
}

func (f *fakeHistory) recorded() []store.NewHistory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.NewHistory(nil), f.records...)
}

type fakeApps struct {
	name    string
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeApps) ForegroundAppName(ctx context.Context) (string, error) {
	if f.entered != nil {
		close(f.entered)
		f.entered = nil
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return f.name, nil
}

type fakePrompts struct {
	byApp map[string]int64
}

func (f *fakePrompts) PromptForApp(_ context.Context, appName string) (*store.Prompt, error) {
	id, ok := f.byApp[appName]
	if !ok {
		return nil, nil
	}
	return &store.Prompt{ID: id, Name: appName}, nil
}

type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (f *fakeSettings) Setting(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeSettings) SetSetting(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = map[string]string{}
	}
	f.values[key] = value
	return nil
}

type recorder struct {
	NopObserver
	mu       sync.Mutex
	changes  chan Change
	history  []*store.HistoryEntry
	errors   []string
	texts    []string
	levels   []float64
	statuses []Status
}

func newRecorder() *recorder {
	return &recorder{changes: make(chan Change, 128)}
}

func (r *recorder) StatusChanged(ch Change) {
	r.mu.Lock()
	r.statuses = append(r.statuses, ch.To)
	r.mu.Unlock()
	r.changes <- ch
}

func (r *recorder) TranscriptChanged(_, text string, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *recorder) LevelChanged(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, v)
}

func (r *recorder) SessionError(code, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, code)
}

func (r *recorder) HistoryRecorded(e *store.HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, e)
}

func (r *recorder) errorCodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

func (r *recorder) statusTrail() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

type harness struct {
	t     *testing.T
	c     *Coordinator
	clk   *clock.Manual
	tr    *fakeSender
	rw    *fakeRewriter
	paste *fakePaster
	hist  *fakeHistory
	obs   *recorder
}

func newHarness(t *testing.T, configure ...func(*Deps, *Options)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clk:   clock.NewManual(time.Unix(1700000000, 0)),
		tr:    &fakeSender{},
		rw:    &fakeRewriter{},
		paste: &fakePaster{},
		hist:  &fakeHistory{},
		obs:   newRecorder(),
	}

	n := 0
	deps := Deps{
		Transport: h.tr,
		Rewriter:  h.rw,
		Paster:    h.paste,
		History:   h.hist,
		Clock:     h.clk,
		NewID: func() string {
			n++
			return fmt.Sprintf("s%d", n)
		},
	}
	opts := DefaultOptions()
	for _, fn := range configure {
		fn(&deps, &opts)
	}

	h.c = New(opts, deps)
	h.c.AddObserver(h.obs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// sync returns once every event queued so far has been processed.
func (h *harness) sync() {
	h.t.Helper()
	done := make(chan struct{})
	if !h.c.post(func() { close(done) }) {
		h.t.Fatal("coordinator stopped")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("event loop did not drain")
	}
}

func (h *harness) deliver(msgs ...ipc.Inbound) {
	h.t.Helper()
	for _, m := range msgs {
		h.c.Deliver(m)
	}
	h.sync()
}

// waitStatus blocks until a change to want is observed.
func (h *harness) waitStatus(want Status) Change {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ch := <-h.obs.changes:
			if ch.To == want {
				h.sync()
				return ch
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for status %s (now %s)", want, h.c.Status())
			return Change{}
		}
	}
}

// cancelFromWorker delivers a rewrite cancel and waits for the loop to
// apply it. It is safe to call from a worker goroutine.
func (h *harness) cancelFromWorker() {
	done := make(chan struct{})
	h.c.Deliver(rewriteCancelled())
	if h.c.post(func() { close(done) }) {
		<-done
	}
}

// waitWorkers waits for every rewrite worker to return.
func (h *harness) waitWorkers() {
	h.t.Helper()
	done := make(chan struct{})
	go func() {
		h.c.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("rewrite worker did not finish")
	}
	h.sync()
}

func started() ipc.Inbound            { return ipc.Inbound{Type: ipc.InStarted} }
func partial(text string) ipc.Inbound { return ipc.Inbound{Type: ipc.InPartial, Text: text} }
func final(text string) ipc.Inbound   { return ipc.Inbound{Type: ipc.InFinal, Text: text} }
func stopped() ipc.Inbound            { return ipc.Inbound{Type: ipc.InStopped} }
func cancelled() ipc.Inbound          { return ipc.Inbound{Type: ipc.InCancelled} }
func rewriteCancelled() ipc.Inbound   { return ipc.Inbound{Type: ipc.InRewriteCancelled} }
