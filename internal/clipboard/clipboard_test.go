package clipboard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxpaste/internal/clock"
	"voxpaste/internal/fault"
)

// memClipboard behaves like a system clipboard: a write replaces every
// representation.
type memClipboard struct {
	mu        sync.Mutex
	data      map[Format][]byte
	writes    int
	failWrite map[Format]error
	failRead  error
}

func newMemClipboard(data map[Format][]byte) *memClipboard {
	return &memClipboard{data: data}
}

func (m *memClipboard) Formats() []Format {
	return []Format{FormatText, FormatHTML, FormatImage}
}

func (m *memClipboard) Read(_ context.Context, f Format) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRead != nil {
		return nil, m.failRead
	}
	if b, ok := m.data[f]; ok {
		return append([]byte(nil), b...), nil
	}
	return nil, nil
}

func (m *memClipboard) Write(_ context.Context, f Format, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failWrite[f]; err != nil {
		return err
	}
	m.writes++
	m.data = map[Format][]byte{f: append([]byte(nil), data...)}
	return nil
}

func (m *memClipboard) get(f Format) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[f]
}

// ctxClipboard fails every call once its ctx is done, as the command-line
// accessors do when their process is killed. The hooks run once, before the
// first read and the first write.
type ctxClipboard struct {
	*memClipboard
	onRead    func()
	onWrite   func()
	readOnce  sync.Once
	writeOnce sync.Once
}

func (c *ctxClipboard) Read(ctx context.Context, f Format) ([]byte, error) {
	if c.onRead != nil {
		c.readOnce.Do(c.onRead)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.memClipboard.Read(ctx, f)
}

func (c *ctxClipboard) Write(ctx context.Context, f Format, data []byte) error {
	if c.onWrite != nil {
		c.writeOnce.Do(c.onWrite)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.memClipboard.Write(ctx, f, data)
}

type fakeKeys struct {
	mu    sync.Mutex
	clip  *memClipboard
	seen  []string
	err   error
	calls int
}

func (k *fakeKeys) PasteKeystroke(context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls++
	k.seen = append(k.seen, string(k.clip.get(FormatText)))
	return k.err
}

func (k *fakeKeys) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls
}

var png = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0xff}

func noDelay() Options { return Options{} }

func TestPasteRestoresRichestSnapshot(t *testing.T) {
	clip := newMemClipboard(map[Format][]byte{
		FormatText:  []byte("original"),
		FormatHTML:  []byte("<b>original</b>"),
		FormatImage: png,
	})
	keys := &fakeKeys{clip: clip}
	a := New(clip, keys, nil, noDelay(), nil)

	require.NoError(t, a.Paste(context.Background(), "hello world"))

	assert.Equal(t, []string{"hello world"}, keys.seen)
	assert.Equal(t, png, clip.get(FormatImage))
	assert.Nil(t, clip.get(FormatText))
}

func TestPasteRestoresText(t *testing.T) {
	tests := []struct {
		name string
		data map[Format][]byte
		want Format
	}{
		{"text only", map[Format][]byte{FormatText: []byte("a\x00b\r\n")}, FormatText},
		{"html beats text", map[Format][]byte{FormatText: []byte("x"), FormatHTML: []byte("<i>x</i>")}, FormatHTML},
		{"unicode", map[Format][]byte{FormatText: []byte("日本語 ✓")}, FormatText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := append([]byte(nil), tt.data[tt.want]...)
			clip := newMemClipboard(tt.data)
			a := New(clip, &fakeKeys{clip: clip}, nil, noDelay(), nil)

			require.NoError(t, a.Paste(context.Background(), "pasted"))
			assert.Equal(t, want, clip.get(tt.want))
		})
	}
}

func TestPasteEmptyClipboardRestoresEmpty(t *testing.T) {
	clip := newMemClipboard(map[Format][]byte{})
	a := New(clip, &fakeKeys{clip: clip}, nil, noDelay(), nil)

	require.NoError(t, a.Paste(context.Background(), "pasted"))
	assert.Empty(t, clip.get(FormatText))
}

func TestPasteAlreadyCancelledTouchesNothing(t *testing.T) {
	clip := newMemClipboard(map[Format][]byte{FormatText: []byte("original")})
	keys := &fakeKeys{clip: clip}
	a := New(clip, keys, nil, noDelay(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.Paste(ctx, "pasted")
	assert.True(t, fault.IsCancelled(err))
	assert.Zero(t, clip.writes)
	assert.Zero(t, keys.count())
}

func TestPasteCancelledDuringSettleRestores(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	original := []byte("original \xe2\x9c\x93")
	clip := newMemClipboard(map[Format][]byte{FormatText: append([]byte(nil), original...)})
	keys := &fakeKeys{clip: clip}
	a := New(clip, keys, clk, DefaultOptions, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Paste(ctx, "pasted") }()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte("pasted"), clip.get(FormatText))
	cancel()

	err := <-errc
	assert.True(t, fault.IsCancelled(err))
	assert.Zero(t, keys.count())
	assert.Equal(t, original, clip.get(FormatText))
}

func TestPasteCancelledDuringSnapshotKeepsClipboard(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := newMemClipboard(map[Format][]byte{
		FormatText: []byte("user secret"),
		FormatHTML: []byte("<p>user secret</p>"),
	})
	clip := &ctxClipboard{memClipboard: mem, onRead: cancel}
	keys := &fakeKeys{clip: mem}
	a := New(clip, keys, nil, noDelay(), nil)

	err := a.Paste(ctx, "pasted")
	assert.True(t, fault.IsCancelled(err), "got %v", err)
	assert.Zero(t, mem.writes)
	assert.Zero(t, keys.count())
	assert.Equal(t, []byte("user secret"), mem.get(FormatText))
	assert.Equal(t, []byte("<p>user secret</p>"), mem.get(FormatHTML))
}

func TestPasteCancelledAtWriteIsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := newMemClipboard(map[Format][]byte{FormatText: []byte("original")})
	clip := &ctxClipboard{memClipboard: mem, onWrite: cancel}
	keys := &fakeKeys{clip: mem}
	a := New(clip, keys, nil, noDelay(), nil)

	err := a.Paste(ctx, "pasted")
	assert.ErrorIs(t, err, fault.ErrCancelled)
	assert.NotEqual(t, "CLIPBOARD_WRITE", fault.CodeOf(err, ""))
	assert.Zero(t, keys.count())
	assert.Equal(t, []byte("original"), mem.get(FormatText))
}

func TestPasteUnreadableSnapshotSkipsRestore(t *testing.T) {
	clip := newMemClipboard(map[Format][]byte{FormatText: []byte("original")})
	clip.failRead = errors.New("clipboard owner not responding")
	keys := &fakeKeys{clip: clip}
	a := New(clip, keys, nil, noDelay(), nil)

	require.NoError(t, a.Paste(context.Background(), "pasted"))
	assert.Equal(t, []string{"pasted"}, keys.seen)
	assert.Equal(t, 1, clip.writes)
	assert.Equal(t, []byte("pasted"), clip.get(FormatText))
}

func TestSnapshotUnreadable(t *testing.T) {
	clip := newMemClipboard(map[Format][]byte{})
	a := New(clip, &fakeKeys{clip: clip}, nil, noDelay(), nil)
	assert.False(t, a.Snapshot(context.Background()).Unreadable())

	clip.failRead = errors.New("timeout")
	assert.True(t, a.Snapshot(context.Background()).Unreadable())
}

func TestPasteHonorsSettleDelays(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	clip := newMemClipboard(map[Format][]byte{FormatText: []byte("original")})
	keys := &fakeKeys{clip: clip}
	a := New(clip, keys, clk, DefaultOptions, nil)

	errc := make(chan error, 1)
	go func() { errc <- a.Paste(context.Background(), "pasted") }()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	clk.Advance(99 * time.Millisecond)
	assert.Zero(t, keys.count())
	clk.Advance(time.Millisecond)

	require.Eventually(t, func() bool { return clk.Pending() == 1 && keys.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte("pasted"), clip.get(FormatText))
	clk.Advance(200 * time.Millisecond)

	require.NoError(t, <-errc)
	assert.Equal(t, []byte("original"), clip.get(FormatText))
}

func TestPasteKeystrokeFailureRestores(t *testing.T) {
	clip := newMemClipboard(map[Format][]byte{FormatText: []byte("original")})
	keys := &fakeKeys{clip: clip, err: errors.New("uinput: permission denied")}
	a := New(clip, keys, nil, noDelay(), nil)

	err := a.Paste(context.Background(), "pasted")
	require.Error(t, err)
	assert.Equal(t, "PASTE_KEYSTROKE", fault.CodeOf(err, ""))
	assert.Equal(t, []byte("original"), clip.get(FormatText))
}

func TestRestoreFallsBackToText(t *testing.T) {
	clip := newMemClipboard(map[Format][]byte{
		FormatText:  []byte("original"),
		FormatImage: png,
	})
	clip.failWrite = map[Format]error{FormatImage: errors.New("no image support")}
	a := New(clip, &fakeKeys{clip: clip}, nil, noDelay(), nil)

	require.NoError(t, a.Paste(context.Background(), "pasted"))
	assert.Equal(t, []byte("original"), clip.get(FormatText))
}

func TestPasteWriteFailure(t *testing.T) {
	clip := newMemClipboard(map[Format][]byte{})
	clip.failWrite = map[Format]error{FormatText: errors.New("display gone")}
	keys := &fakeKeys{clip: clip}
	a := New(clip, keys, nil, noDelay(), nil)

	err := a.Paste(context.Background(), "pasted")
	assert.Equal(t, "CLIPBOARD_WRITE", fault.CodeOf(err, ""))
	assert.Zero(t, keys.count())
}

func TestSnapshotRichest(t *testing.T) {
	var empty Snapshot
	assert.True(t, empty.Empty())
	_, _, ok := empty.Richest()
	assert.False(t, ok)

	s := Snapshot{data: map[Format][]byte{FormatText: []byte("t"), FormatHTML: []byte("h")}}
	f, b, ok := s.Richest()
	require.True(t, ok)
	assert.Equal(t, FormatHTML, f)
	assert.Equal(t, []byte("h"), b)
}

type commandCall struct {
	argv  string
	stdin []byte
}

func fakeRunner(outputs map[string]string, calls *[]commandCall) func(context.Context, []byte, ...string) ([]byte, error) {
	return func(_ context.Context, stdin []byte, argv ...string) ([]byte, error) {
		key := strings.Join(argv, " ")
		*calls = append(*calls, commandCall{argv: key, stdin: stdin})
		if stdin != nil {
			return nil, nil
		}
		out, ok := outputs[key]
		if !ok {
			return nil, errors.New("exit status 1")
		}
		return []byte(out), nil
	}
}

func TestCommandAccessorXclip(t *testing.T) {
	var calls []commandCall
	c := &CommandAccessor{cmds: xclip, run: fakeRunner(map[string]string{
		"xclip -selection clipboard -t TARGETS -o":     "TARGETS\nUTF8_STRING\nimage/png\n",
		"xclip -selection clipboard -t UTF8_STRING -o": "copied",
		"xclip -selection clipboard -t image/png -o":   string(png),
	}, &calls)}

	text, err := c.Read(context.Background(), FormatText)
	require.NoError(t, err)
	assert.Equal(t, []byte("copied"), text)

	html, err := c.Read(context.Background(), FormatHTML)
	require.NoError(t, err)
	assert.Nil(t, html)

	img, err := c.Read(context.Background(), FormatImage)
	require.NoError(t, err)
	assert.Equal(t, png, img)

	require.NoError(t, c.Write(context.Background(), FormatText, []byte("new")))
	last := calls[len(calls)-1]
	assert.Equal(t, "xclip -selection clipboard -t UTF8_STRING -i", last.argv)
	assert.Equal(t, []byte("new"), last.stdin)
}

func TestCommandAccessorEmptyClipboard(t *testing.T) {
	var calls []commandCall
	c := &CommandAccessor{cmds: wlClipboard, run: fakeRunner(nil, &calls)}

	b, err := c.Read(context.Background(), FormatText)
	require.NoError(t, err)
	assert.Nil(t, b)

	require.NoError(t, c.Write(context.Background(), FormatText, nil))
	assert.Equal(t, "wl-copy --clear", calls[len(calls)-1].argv)
}

func TestCommandAccessorPasteboardTextOnly(t *testing.T) {
	var calls []commandCall
	c := &CommandAccessor{cmds: pasteboard, run: fakeRunner(map[string]string{"pbpaste": "mac"}, &calls)}

	b, err := c.Read(context.Background(), FormatText)
	require.NoError(t, err)
	assert.Equal(t, []byte("mac"), b)

	_, err = c.Read(context.Background(), FormatImage)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestNewAccessorUnknownBackend(t *testing.T) {
	_, err := NewAccessor("carrier-pigeon")
	assert.Error(t, err)
}
