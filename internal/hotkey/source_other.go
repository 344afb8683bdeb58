//go:build !linux

package hotkey

import (
	"context"
	"log/slog"
)

// StubSource is used on platforms without a keyboard source.
type StubSource struct{}

// NewSource returns the keyboard source for this platform.
func NewSource(logger *slog.Logger) Source {
	return StubSource{}
}

// Available returns false on unsupported platforms.
func (StubSource) Available() (bool, string) {
	return false, "global keyboard monitoring not implemented for this platform"
}

// Run returns ErrNotAvailable.
func (StubSource) Run(ctx context.Context, out chan<- Event) error {
	return ErrNotAvailable
}
