package rewrite

import (
	"context"
	"sync"

	"voxpaste/internal/fault"
)

// Token is the cancellation object of one rewrite job. It is created
// synchronously when a session enters rewriting, before any other work, so a
// cancel can never arrive before it exists.
//
// Side-effecting steps go through Enter, which checks and records the step
// under the same lock Cancel takes. A cancel therefore either happens before
// a step is entered (and the step is skipped) or after it (and the step runs
// to completion), never in between.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	entered   []string
}

// NewToken returns a live token derived from parent.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Context is cancelled when the token is.
func (t *Token) Context() context.Context { return t.ctx }

// Cancel marks the token cancelled. It reports whether this call did it.
func (t *Token) Cancel() bool {
	t.mu.Lock()
	first := !t.cancelled
	t.cancelled = true
	t.mu.Unlock()
	t.cancel()
	return first
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Enter commits to step, or returns fault.ErrCancelled if the token was
// already cancelled.
func (t *Token) Enter(step string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return fault.New(fault.KindCancelled, "CANCELLED", step, nil)
	}
	t.entered = append(t.entered, step)
	return nil
}

// Entered returns the steps committed so far.
func (t *Token) Entered() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.entered...)
}

// Release frees the token's context resources. It does not mark the token
// cancelled.
func (t *Token) Release() {
	t.cancel()
}
