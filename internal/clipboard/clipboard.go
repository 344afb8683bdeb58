// Package clipboard pastes text into the foreground application through the
// system clipboard and puts the user's clipboard back afterwards.
//
// One paste cycle is:
//
//	snapshot -> write text -> settle -> keystroke -> settle -> restore
//
// The snapshot is taken before anything is written and is never cut short
// by cancellation. The restore runs on every path out of Paste after the
// write, including cancellation and keystroke failure.
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voxpaste/internal/clock"
	"voxpaste/internal/fault"
)

// Format is a clipboard representation.
type Format int

const (
	FormatText Format = iota
	FormatHTML
	FormatImage
)

func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatHTML:
		return "html"
	case FormatImage:
		return "image"
	default:
		return "unknown"
	}
}

// MIME returns the MIME type used on the wire for f.
func (f Format) MIME() string {
	switch f {
	case FormatHTML:
		return "text/html"
	case FormatImage:
		return "image/png"
	default:
		return "text/plain;charset=utf-8"
	}
}

// restoreOrder lists formats from richest to plainest.
var restoreOrder = []Format{FormatImage, FormatHTML, FormatText}

// ErrUnsupported is returned by accessors for formats they cannot handle.
var ErrUnsupported = errors.New("clipboard: format not supported")

// Accessor reads and writes one clipboard representation at a time.
type Accessor interface {
	// Read returns the bytes for f. An empty clipboard or a format that is
	// not present yields nil, nil.
	Read(ctx context.Context, f Format) ([]byte, error)

	// Write replaces the clipboard with data in format f.
	Write(ctx context.Context, f Format, data []byte) error

	// Formats lists the representations this accessor can handle.
	Formats() []Format
}

// Keystroker synthesizes the platform paste shortcut.
type Keystroker interface {
	PasteKeystroke(ctx context.Context) error
}

// Snapshot is the saved clipboard content for one paste cycle.
type Snapshot struct {
	data map[Format][]byte

	// unreadable is set when every supported format failed to read. The
	// clipboard state is unknown and a restore would overwrite it.
	unreadable bool
}

// Unreadable reports whether no format could be read.
func (s Snapshot) Unreadable() bool {
	return s.unreadable
}

// Get returns the captured bytes for f.
func (s Snapshot) Get(f Format) []byte {
	return s.data[f]
}

// Empty reports whether nothing was captured.
func (s Snapshot) Empty() bool {
	for _, b := range s.data {
		if len(b) > 0 {
			return false
		}
	}
	return true
}

// Richest returns the richest non-empty representation.
func (s Snapshot) Richest() (Format, []byte, bool) {
	for _, f := range restoreOrder {
		if b := s.data[f]; len(b) > 0 {
			return f, b, true
		}
	}
	return FormatText, nil, false
}

// Options tune the adapter.
type Options struct {
	// SettleBefore lets the target application regain focus before the
	// keystroke.
	SettleBefore time.Duration

	// SettleAfter lets the target application read the clipboard before it
	// is restored.
	SettleAfter time.Duration
}

// DefaultOptions are 100ms and 200ms.
var DefaultOptions = Options{
	SettleBefore: 100 * time.Millisecond,
	SettleAfter:  200 * time.Millisecond,
}

// Adapter owns the clipboard for the duration of a paste cycle.
type Adapter struct {
	acc    Accessor
	keys   Keystroker
	clk    clock.Clock
	opts   Options
	logger *slog.Logger

	// mu serializes paste cycles.
	mu sync.Mutex
}

// New creates a paste adapter. A nil clock uses the wall clock.
func New(acc Accessor, keys Keystroker, clk clock.Clock, opts Options, logger *slog.Logger) *Adapter {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{acc: acc, keys: keys, clk: clk, opts: opts, logger: logger}
}

// Snapshot captures every representation the accessor supports. Formats
// that fail to read are logged and skipped.
func (a *Adapter) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{data: make(map[Format][]byte)}
	read, failed := 0, 0
	for _, f := range a.acc.Formats() {
		b, err := a.acc.Read(ctx, f)
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		read++
		if err != nil {
			failed++
			a.logger.Debug("clipboard snapshot read failed", "format", f.String(), "error", err)
			continue
		}
		if len(b) > 0 {
			snap.data[f] = b
		}
	}
	snap.unreadable = read > 0 && failed == read
	return snap
}

// Restore writes back the richest captured representation. An empty
// snapshot restores an empty text clipboard.
func (a *Adapter) Restore(ctx context.Context, snap Snapshot) error {
	f, b, ok := snap.Richest()
	if !ok {
		return a.acc.Write(ctx, FormatText, nil)
	}
	if err := a.acc.Write(ctx, f, b); err != nil {
		// Fall back to plain text when a richer format cannot be written.
		if text := snap.Get(FormatText); f != FormatText && len(text) > 0 {
			a.logger.Warn("clipboard restore failed, falling back to text", "format", f.String(), "error", err)
			return a.acc.Write(ctx, FormatText, text)
		}
		return err
	}
	return nil
}

// Paste runs one paste cycle. A ctx cancelled before the keystroke skips it
// and returns fault.ErrCancelled. Once the clipboard has been written it is
// restored regardless, unless the snapshot could not be read at all.
func (a *Adapter) Paste(ctx context.Context, text string) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ctx.Err() != nil {
		return fault.ErrCancelled
	}

	// The snapshot is always taken whole; a cancel lands after it.
	snap := a.Snapshot(context.WithoutCancel(ctx))
	if ctx.Err() != nil {
		return fault.ErrCancelled
	}

	defer func() {
		if snap.Unreadable() {
			a.logger.Warn("clipboard snapshot unreadable, leaving pasted text in place")
			return
		}
		// The restore must run even when ctx is done.
		rctx := context.WithoutCancel(ctx)
		if rerr := a.Restore(rctx, snap); rerr != nil {
			a.logger.Error("clipboard restore failed", "error", rerr)
			if err == nil {
				err = fault.New(fault.KindFatal, "CLIPBOARD_RESTORE", "paste", rerr)
			}
		}
	}()

	if err := a.acc.Write(ctx, FormatText, []byte(text)); err != nil {
		if ctx.Err() != nil {
			return fault.ErrCancelled
		}
		return fault.New(fault.KindFatal, "CLIPBOARD_WRITE", "paste", err)
	}
	if !clock.Sleep(a.clk, a.opts.SettleBefore, ctx.Done()) {
		return fault.ErrCancelled
	}
	if err := a.keys.PasteKeystroke(ctx); err != nil {
		return fault.New(fault.KindFatal, "PASTE_KEYSTROKE", "paste", fmt.Errorf("synthesize paste: %w", err))
	}
	// The keystroke already went out, so the target gets its full settle
	// time even if ctx is cancelled now.
	clock.Sleep(a.clk, a.opts.SettleAfter, nil)
	return nil
}
