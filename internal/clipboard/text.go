package clipboard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atotto/clipboard"

	"voxpaste/internal/clock"
	"voxpaste/internal/config"
)

// TextAccessor is a plain-text-only accessor backed by atotto/clipboard.
// Rich content on the clipboard is lost across a paste cycle with this
// backend.
type TextAccessor struct{}

// Formats implements Accessor.
func (TextAccessor) Formats() []Format { return []Format{FormatText} }

// Read implements Accessor.
func (TextAccessor) Read(_ context.Context, f Format) ([]byte, error) {
	if f != FormatText {
		return nil, ErrUnsupported
	}
	s, err := clipboard.ReadAll()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return []byte(s), nil
}

// Write implements Accessor.
func (TextAccessor) Write(_ context.Context, f Format, data []byte) error {
	if f != FormatText {
		return ErrUnsupported
	}
	return clipboard.WriteAll(string(data))
}

// NewAccessor returns the accessor for a paste backend name: "command",
// "text" or "auto" (command tools when installed, else text).
func NewAccessor(backend string) (Accessor, error) {
	switch backend {
	case "command":
		return NewCommandAccessor()
	case "text":
		if clipboard.Unsupported {
			return nil, fmt.Errorf("clipboard: text backend unsupported on this system")
		}
		return TextAccessor{}, nil
	case "", "auto":
		if acc, err := NewCommandAccessor(); err == nil {
			return acc, nil
		}
		return NewAccessor("text")
	default:
		return nil, fmt.Errorf("clipboard: unknown backend %q", backend)
	}
}

// FromConfig builds an adapter from the paste configuration.
func FromConfig(cfg config.PasteConfig, keys Keystroker, clk clock.Clock, logger *slog.Logger) (*Adapter, error) {
	acc, err := NewAccessor(cfg.Backend)
	if err != nil {
		return nil, err
	}
	opts := Options{
		SettleBefore: cfg.SettleBefore(),
		SettleAfter:  cfg.SettleAfter(),
	}
	return New(acc, keys, clk, opts, logger), nil
}
