// Package notify logs session transitions and raises desktop notifications
// for failures and, optionally, completed pastes.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gen2brain/beeep"

	"voxpaste/internal/session"
	"voxpaste/internal/store"
)

const (
	title     = "voxpaste"
	queueSize = 8
)

type message struct {
	title string
	body  string
}

// Options control which events produce a desktop notification.
type Options struct {
	// Desktop enables desktop notifications. Transitions are logged either
	// way.
	Desktop bool

	// OnComplete also notifies on successful pastes.
	OnComplete bool
}

// Notifier implements session.Observer. Notifications are delivered by Run
// so the coordinator never waits on the desktop bus.
type Notifier struct {
	session.NopObserver

	opts   Options
	logger *slog.Logger
	queue  chan message
	send   func(title, body string) error
}

// New creates a notifier.
func New(opts Options, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Notifier{
		opts:   opts,
		logger: logger,
		queue:  make(chan message, queueSize),
		send: func(t, b string) error {
			return beeep.Notify(t, b, "")
		},
	}
}

// Run delivers queued notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-n.queue:
			if err := n.send(m.title, m.body); err != nil {
				n.logger.Debug("desktop notification failed", "error", err)
			}
		}
	}
}

func (n *Notifier) enqueue(body string) {
	if !n.opts.Desktop {
		return
	}
	select {
	case n.queue <- message{title: title, body: body}:
	default:
		n.logger.Debug("notification queue full, dropping", "body", body)
	}
}

// StatusChanged implements session.Observer.
func (n *Notifier) StatusChanged(ch session.Change) {
	n.logger.Info("session status",
		"from", string(ch.From),
		"to", string(ch.To),
		"reason", string(ch.Reason),
		"session_id", ch.SessionID,
	)
}

// SessionError implements session.Observer.
func (n *Notifier) SessionError(code, msg string) {
	n.logger.Warn("session error", "code", code, "message", msg)
	n.enqueue(errorText(code, msg))
}

// HistoryRecorded implements session.Observer.
func (n *Notifier) HistoryRecorded(e *store.HistoryEntry) {
	if !n.opts.OnComplete {
		return
	}
	if e.IsRewritten {
		n.enqueue("Pasted rewritten text")
	} else {
		n.enqueue("Pasted transcript")
	}
}

func errorText(code, msg string) string {
	switch code {
	case "HELPER_EXITED":
		return "The input helper stopped. Dictation is unavailable until it restarts."
	case "API_KEY_ERROR":
		return "The rewrite API key was rejected."
	case "PASTE_ERROR", "PASTE_KEYSTROKE":
		return "Could not paste into the focused application."
	}
	if msg == "" {
		return fmt.Sprintf("Dictation failed (%s)", code)
	}
	return fmt.Sprintf("Dictation failed (%s): %s", code, msg)
}

var _ session.Observer = (*Notifier)(nil)
