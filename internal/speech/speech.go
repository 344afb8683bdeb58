// Package speech is the helper's streaming recognizer: it captures the
// microphone, streams audio to a recognition service, and reports
// partial/final hypotheses, audio levels, and the end of each recording.
package speech

import (
	"context"
	"errors"
	"io"
)

// EventKind identifies an engine event.
type EventKind string

const (
	EventPartial   EventKind = "partial"
	EventFinal     EventKind = "final"
	EventStopped   EventKind = "stopped"
	EventCancelled EventKind = "cancelled"
	EventLevel     EventKind = "level"
	EventError     EventKind = "error"
)

// Engine error codes.
const (
	CodeAudio        = "AUDIO_ERROR"
	CodeStream       = "STREAM_ERROR"
	CodeStreamClosed = "STREAM_CLOSED"
	CodeAPIKey       = "API_KEY_ERROR"
)

// Event is one engine notification.
type Event struct {
	Kind    EventKind
	Text    string
	Level   float64
	Code    string
	Message string
}

// Sink receives engine events. It is called from engine goroutines and must
// not block for long.
type Sink func(Event)

// Engine records one utterance at a time.
type Engine interface {
	// Start begins a recording. It returns once audio is flowing.
	Start(ctx context.Context) error
	// Stop ends capture and reports EventStopped once the trailing results
	// have arrived or the stop grace has passed.
	Stop()
	// Cancel abandons the recording. EventCancelled is reported at once and
	// nothing else from that recording follows.
	Cancel()
}

// ErrBusy is returned by Start while a recording is active.
var ErrBusy = errors.New("speech: recording already active")

// Result is one recognizer hypothesis.
type Result struct {
	Text  string
	Final bool
}

// Recognizer opens streaming recognition sessions.
type Recognizer interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is one streaming recognition session.
type Stream interface {
	// SendAudio queues a PCM chunk.
	SendAudio(chunk []byte) error
	// CloseSend signals the end of audio; the service flushes its last
	// results and closes.
	CloseSend() error
	// Results is closed when the session ends.
	Results() <-chan Result
	// Wait blocks until the session ends and returns its error.
	Wait() error
	// Close tears the session down immediately.
	Close() error
}

// Capture starts microphone capture.
type Capture interface {
	Start(ctx context.Context) (AudioStream, error)
}

// AudioStream yields signed 16-bit little-endian PCM until stopped.
type AudioStream interface {
	io.Reader
	Stop() error
}
