package ipc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// MaxLineSize bounds one message line.
const MaxLineSize = 1 << 20

var errLineTooLong = errors.New("line exceeds maximum size")

// endpoint is one side of the duplex line stream.
type endpoint struct {
	r      io.Reader
	w      io.Writer
	wmu    sync.Mutex
	logger *slog.Logger

	dropped    atomic.Uint64
	writeFails atomic.Uint64
	peerDead   atomic.Bool
}

func newEndpoint(r io.Reader, w io.Writer, logger *slog.Logger) *endpoint {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &endpoint{r: r, w: w, logger: logger}
}

// readLines calls fn for every complete line until EOF or ctx is done.
// Incomplete trailing data stays buffered until its newline arrives; an
// unterminated line at EOF is still delivered. Lines longer than
// MaxLineSize are discarded whole.
func (e *endpoint) readLines(ctx context.Context, fn func([]byte)) error {
	br := bufio.NewReaderSize(e.r, 64*1024)
	var (
		line     []byte
		overflow bool
	)

	for {
		chunk, err := br.ReadSlice('\n')
		if !overflow {
			if len(line)+len(chunk) > MaxLineSize {
				overflow = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if overflow {
			if err == nil {
				e.malformed([]byte("<oversized line>"), errLineTooLong)
			}
			overflow = false
		} else if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			fn(trimmed)
		}
		line = line[:0]

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return ctx.Err()
			}
			return err
		}
	}
}

// writeLine writes one encoded message. Failures are logged and counted,
// never returned: a dead peer must not take the caller down with it.
func (e *endpoint) writeLine(v any, kind string) {
	data, err := Encode(v)
	if err != nil {
		e.logger.Error("encode message", "type", kind, "error", err)
		return
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()

	if _, err := e.w.Write(data); err != nil {
		e.writeFails.Add(1)
		if e.peerDead.CompareAndSwap(false, true) {
			e.logger.Warn("write to peer failed, peer may have exited", "type", kind, "error", err)
		} else {
			e.logger.Debug("write to dead peer dropped", "type", kind)
		}
		return
	}
	e.peerDead.Store(false)
}

func (e *endpoint) malformed(line []byte, err error) {
	e.dropped.Add(1)
	const max = 200
	if len(line) > max {
		line = line[:max]
	}
	e.logger.Warn("dropping malformed message", "line", string(line), "error", err)
}

// Transport is the daemon side: it reads Inbound and writes Outbound.
type Transport struct {
	ep *endpoint
}

// NewTransport wraps the helper's stdout (r) and stdin (w).
func NewTransport(r io.Reader, w io.Writer, logger *slog.Logger) *Transport {
	return &Transport{ep: newEndpoint(r, w, logger)}
}

// Run decodes inbound messages in arrival order and hands each to fn on the
// calling goroutine. Malformed lines are logged and skipped. Run returns nil
// at EOF; closing the reader unblocks it.
func (t *Transport) Run(ctx context.Context, fn func(Inbound)) error {
	if err := loadSchemas(); err != nil {
		return err
	}
	return t.ep.readLines(ctx, func(line []byte) {
		msg, err := DecodeInbound(line)
		if err != nil {
			t.ep.malformed(line, err)
			return
		}
		fn(msg)
	})
}

// Send writes one outbound message. Write failures are swallowed.
func (t *Transport) Send(msg Outbound) {
	t.ep.writeLine(msg, string(msg.Type))
}

// Dropped returns the number of malformed inbound lines skipped.
func (t *Transport) Dropped() uint64 { return t.ep.dropped.Load() }

// WriteFailures returns the number of outbound writes that failed.
func (t *Transport) WriteFailures() uint64 { return t.ep.writeFails.Load() }

// HelperLink is the helper side: it reads Outbound and writes Inbound.
type HelperLink struct {
	ep *endpoint
}

// NewHelperLink wraps the helper's stdin (r) and stdout (w).
func NewHelperLink(r io.Reader, w io.Writer, logger *slog.Logger) *HelperLink {
	return &HelperLink{ep: newEndpoint(r, w, logger)}
}

// Run decodes outbound messages and hands each to fn.
func (h *HelperLink) Run(ctx context.Context, fn func(Outbound)) error {
	if err := loadSchemas(); err != nil {
		return err
	}
	return h.ep.readLines(ctx, func(line []byte) {
		msg, err := DecodeOutbound(line)
		if err != nil {
			h.ep.malformed(line, err)
			return
		}
		fn(msg)
	})
}

// Send writes one inbound message. Write failures are swallowed.
func (h *HelperLink) Send(msg Inbound) {
	h.ep.writeLine(msg, string(msg.Type))
}

// Dropped returns the number of malformed outbound lines skipped.
func (h *HelperLink) Dropped() uint64 { return h.ep.dropped.Load() }
