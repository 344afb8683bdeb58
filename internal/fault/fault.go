// Package fault normalizes the failures that can end a dictation session
// into a small, closed set of kinds.
//
// The session state machine only ever branches on Kind; it never inspects a
// raw transport, clipboard or HTTP error.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindUnavailable means an optional capability is not configured. It is
	// a passthrough, not an error.
	KindUnavailable Kind = "unavailable"
	// KindTransient is recognizer noise that is swallowed without a state
	// change.
	KindTransient Kind = "transient"
	// KindFatal aborts the session into the error state.
	KindFatal Kind = "fatal"
	// KindCancelled suppresses downstream side effects silently.
	KindCancelled Kind = "cancelled"
	// KindTransport covers helper process and pipe faults.
	KindTransport Kind = "transport"
)

var (
	// ErrCancelled is the distinguished cancellation outcome.
	ErrCancelled = &Error{Kind: KindCancelled, Code: "CANCELLED"}
	// ErrUnavailable reports a capability that is not configured.
	ErrUnavailable = &Error{Kind: KindUnavailable, Code: "UNAVAILABLE"}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Code string
	Op   string
	Err  error
}

// New wraps err with a kind, a machine-readable code and the failing
// operation.
func New(kind Kind, code, op string, err error) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrCancelled)
// holds for every cancellation regardless of op or code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code || t == ErrCancelled || t == ErrUnavailable)
}

// KindOf returns the kind of err. Context cancellation is reported as
// KindCancelled; unclassified errors are fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindFatal
}

// IsCancelled reports whether err is a cancellation outcome.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// CodeOf returns the code of a classified error, or fallback.
func CodeOf(err error, fallback string) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}
	return fallback
}
