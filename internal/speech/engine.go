package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"voxpaste/internal/clock"
	"voxpaste/internal/fault"
)

// Options tune a StreamEngine.
type Options struct {
	// StopGrace is how long Stop waits for trailing results before closing
	// the stream.
	StopGrace time.Duration

	// LevelInterval rate-limits EventLevel.
	LevelInterval time.Duration

	// ChunkSize is the capture read size in bytes.
	ChunkSize int
}

// DefaultOptions are a 1s stop grace, 50ms level interval and 3200-byte
// (100ms at 16kHz mono) chunks.
var DefaultOptions = Options{
	StopGrace:     time.Second,
	LevelInterval: 50 * time.Millisecond,
	ChunkSize:     3200,
}

// StreamEngine joins a Capture and a Recognizer into an Engine.
type StreamEngine struct {
	capture Capture
	rec     Recognizer
	clk     clock.Clock
	opts    Options
	sink    Sink
	logger  *slog.Logger

	mu  sync.Mutex
	cur *recording
}

// NewStreamEngine creates an engine. A nil clock uses the wall clock.
func NewStreamEngine(capture Capture, rec Recognizer, sink Sink, clk clock.Clock, opts Options, logger *slog.Logger) *StreamEngine {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.ChunkSize < 256 {
		opts.ChunkSize = DefaultOptions.ChunkSize
	}
	return &StreamEngine{
		capture: capture,
		rec:     rec,
		clk:     clk,
		opts:    opts,
		sink:    sink,
		logger:  logger,
	}
}

// recording is one Start..Stop/Cancel cycle.
type recording struct {
	e      *StreamEngine
	cancel context.CancelFunc
	audio  AudioStream
	stream Stream

	stopping  atomic.Bool
	cancelled atomic.Bool
	stopOnce  sync.Once
	done      chan struct{}
}

// Start implements Engine.
func (e *StreamEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		return ErrBusy
	}

	rctx, cancel := context.WithCancel(ctx)
	stream, err := e.rec.Open(rctx)
	if err != nil {
		cancel()
		return err
	}
	audio, err := e.capture.Start(rctx)
	if err != nil {
		stream.Close()
		cancel()
		return fault.New(fault.KindFatal, CodeAudio, "capture", err)
	}

	r := &recording{
		e:      e,
		cancel: cancel,
		audio:  audio,
		stream: stream,
		done:   make(chan struct{}),
	}
	e.cur = r
	go r.pump()
	go r.forward()
	e.logger.Debug("recording started")
	return nil
}

// Stop implements Engine.
func (e *StreamEngine) Stop() {
	e.mu.Lock()
	r := e.cur
	e.mu.Unlock()
	if r == nil {
		return
	}
	r.stop()
}

// Cancel implements Engine.
func (e *StreamEngine) Cancel() {
	e.mu.Lock()
	r := e.cur
	e.cur = nil
	e.mu.Unlock()
	if r == nil {
		return
	}
	r.cancelled.Store(true)
	r.cancel()
	r.audio.Stop()
	r.stream.Close()
	e.logger.Debug("recording cancelled")
	e.sink(Event{Kind: EventCancelled})
}

// Active reports whether a recording is in progress.
func (e *StreamEngine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil
}

func (e *StreamEngine) release(r *recording) {
	e.mu.Lock()
	if e.cur == r {
		e.cur = nil
	}
	e.mu.Unlock()
}

func (r *recording) emit(ev Event) {
	if r.cancelled.Load() {
		return
	}
	r.e.sink(ev)
}

func (r *recording) stop() {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		if err := r.audio.Stop(); err != nil {
			r.e.logger.Debug("capture stop", "error", err)
		}
		go func() {
			if clock.Sleep(r.e.clk, r.e.opts.StopGrace, r.done) {
				r.e.logger.Debug("stop grace elapsed, closing stream")
				r.stream.Close()
			}
		}()
	})
}

// pump copies captured audio into the stream and samples levels.
func (r *recording) pump() {
	defer r.stream.CloseSend()

	limiter := levelLimiter{interval: r.e.opts.LevelInterval}
	buf := make([]byte, r.e.opts.ChunkSize)
	for {
		n, err := r.audio.Read(buf)
		if n > 0 {
			if level, ok := limiter.offer(r.e.clk.Now(), RMSLevel(buf[:n])); ok {
				r.emit(Event{Kind: EventLevel, Level: level})
			}
			if sendErr := r.stream.SendAudio(buf[:n]); sendErr != nil {
				if !r.stopping.Load() && !r.cancelled.Load() {
					r.fail(CodeStream, fmt.Errorf("send audio: %w", sendErr))
				}
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !r.stopping.Load() && !r.cancelled.Load() {
				r.fail(CodeAudio, fmt.Errorf("capture: %w", err))
			}
			return
		}
	}
}

// fail reports an error and ends the recording.
func (r *recording) fail(code string, err error) {
	r.e.logger.Warn("recording failed", "code", code, "error", err)
	r.emit(Event{Kind: EventError, Code: code, Message: err.Error()})
	r.cancelled.Store(true)
	r.audio.Stop()
	r.stream.Close()
}

// forward relays recognizer results until the stream ends.
func (r *recording) forward() {
	defer close(r.done)
	defer r.e.release(r)
	defer r.cancel()

	for res := range r.stream.Results() {
		if res.Text == "" {
			continue
		}
		kind := EventPartial
		if res.Final {
			kind = EventFinal
		}
		r.emit(Event{Kind: kind, Text: res.Text})
	}

	err := r.stream.Wait()
	// The engine is free before the terminal event goes out.
	r.e.release(r)
	switch {
	case r.stopping.Load():
		if err != nil {
			r.e.logger.Debug("stream ended after stop", "error", err)
		}
		r.emit(Event{Kind: EventStopped})
	case err != nil:
		code := fault.CodeOf(err, CodeStream)
		r.e.logger.Warn("stream failed", "code", code, "error", err)
		r.emit(Event{Kind: EventError, Code: code, Message: err.Error()})
		r.audio.Stop()
	default:
		r.emit(Event{Kind: EventError, Code: CodeStreamClosed, Message: "recognizer closed the stream"})
		r.audio.Stop()
	}
}
