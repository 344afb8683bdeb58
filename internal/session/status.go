// Package session coordinates one push-to-talk dictation at a time: it
// turns the helper's event stream into a status lifecycle, drives the
// rewrite pipeline, and gates the paste and history side effects on a
// per-session cancellation token.
package session

import (
	"time"

	"voxpaste/internal/store"
)

// Status is the coordinator lifecycle state.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRecognizing Status = "recognizing"
	StatusRewriting   Status = "rewriting"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Reason explains a status change.
type Reason string

const (
	ReasonStarted      Reason = "started"
	ReasonRestarted    Reason = "restarted"
	ReasonStopped      Reason = "stopped"
	ReasonEmpty        Reason = "empty"
	ReasonCancelled    Reason = "cancelled"
	ReasonCompleted    Reason = "completed"
	ReasonFailed       Reason = "failed"
	ReasonCleared      Reason = "cleared"
	ReasonHelperExited Reason = "helper_exited"
)

// Change is one status transition.
type Change struct {
	From      Status
	To        Status
	Reason    Reason
	SessionID string
	At        time.Time
}

// Snapshot is a point-in-time view of the coordinator.
type Snapshot struct {
	Status    Status
	SessionID string
	Text      string
	StartedAt time.Time
}

// Observer receives coordinator notifications on the event loop goroutine.
// Implementations must not block.
type Observer interface {
	StatusChanged(Change)
	TranscriptChanged(sessionID, text string, final bool)
	LevelChanged(level float64)
	SessionError(code, message string)
	HistoryRecorded(entry *store.HistoryEntry)
}

// NopObserver implements Observer with no-ops; embed it to implement a
// subset.
type NopObserver struct{}

func (NopObserver) StatusChanged(Change)                   {}
func (NopObserver) TranscriptChanged(string, string, bool) {}
func (NopObserver) LevelChanged(float64)                   {}
func (NopObserver) SessionError(string, string)            {}
func (NopObserver) HistoryRecorded(*store.HistoryEntry)    {}
