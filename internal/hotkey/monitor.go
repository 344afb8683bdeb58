package hotkey

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// EventKind classifies a raw keyboard event.
type EventKind int

const (
	KeyDown EventKind = iota
	KeyUp
	// FlagsChanged reports a modifier key press or release. Flags holds the
	// modifier state after the change.
	FlagsChanged
)

func (k EventKind) String() string {
	switch k {
	case KeyDown:
		return "key_down"
	case KeyUp:
		return "key_up"
	case FlagsChanged:
		return "flags_changed"
	default:
		return "unknown"
	}
}

// Event is a raw keyboard event from a Source.
type Event struct {
	Kind  EventKind
	Code  uint16
	Flags Modifier
}

// Source produces raw keyboard events until ctx is done.
type Source interface {
	Run(ctx context.Context, out chan<- Event) error
}

// ErrNotAvailable is returned by sources that cannot run on this platform or
// with the current permissions.
var ErrNotAvailable = errors.New("hotkey: keyboard source not available")

// Handler receives monitor signals. Nil funcs are skipped.
type Handler struct {
	OnKeyDown func()
	OnKeyUp   func()
	OnEscape  func()
}

// Monitor keeps one held latch for the configured trigger. OnKeyDown fires
// once per physical press and OnKeyUp once per release; OnEscape fires on
// every Escape key-down regardless of the binding.
type Monitor struct {
	mu      sync.Mutex
	binding Binding
	held    bool
	handler Handler
	logger  *slog.Logger
}

// NewMonitor creates a monitor for b.
func NewMonitor(b Binding, h Handler, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{binding: b, handler: h, logger: logger}
}

// Binding returns the active binding.
func (m *Monitor) Binding() Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binding
}

// Held reports whether the trigger is currently latched down.
func (m *Monitor) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// SetBinding hot-swaps the binding. A trigger held at the time of the swap is
// released and OnKeyUp fires once, so a recording never outlives its key.
func (m *Monitor) SetBinding(b Binding) {
	m.mu.Lock()
	wasHeld := m.held
	m.held = false
	m.binding = b
	m.mu.Unlock()

	m.logger.Info("hotkey set", "hotkey", b.String(), "modifier_trigger", b.Trigger.IsModifier())
	if wasHeld {
		m.fire(m.handler.OnKeyUp)
	}
}

// HandleEvent applies one raw event to the latch.
func (m *Monitor) HandleEvent(ev Event) {
	var cb func()

	m.mu.Lock()
	b := m.binding
	switch ev.Kind {
	case FlagsChanged:
		if !b.Trigger.IsModifier() {
			break
		}
		if ev.Code != 0 && !b.Trigger.Matches(ev.Code) && !m.held {
			// Another modifier changed; it cannot press the trigger.
			break
		}
		pressed := ev.Flags.Has(b.Trigger.Modifier) && ev.Flags.Has(b.Required())
		switch {
		case pressed && !m.held:
			m.held = true
			cb = m.handler.OnKeyDown
		case !ev.Flags.Has(b.Trigger.Modifier) && m.held:
			m.held = false
			cb = m.handler.OnKeyUp
		}

	case KeyDown:
		if ev.Code == CodeEscape {
			cb = m.handler.OnEscape
			break
		}
		if b.Trigger.IsModifier() || !b.Trigger.Matches(ev.Code) {
			break
		}
		if ev.Flags.Has(b.Required()) && !m.held {
			m.held = true
			cb = m.handler.OnKeyDown
		}

	case KeyUp:
		if !b.Trigger.IsModifier() && b.Trigger.Matches(ev.Code) && m.held {
			m.held = false
			cb = m.handler.OnKeyUp
		}
	}
	m.mu.Unlock()

	m.fire(cb)
}

func (m *Monitor) fire(cb func()) {
	if cb != nil {
		cb()
	}
}

// Run feeds events from src into the monitor until ctx is done or the
// source fails.
func (m *Monitor) Run(ctx context.Context, src Source) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan Event, 64)
	errc := make(chan error, 1)
	go func() {
		errc <- src.Run(ctx, events)
	}()

	for {
		select {
		case ev := <-events:
			m.HandleEvent(ev)
		case err := <-errc:
			for len(events) > 0 {
				m.HandleEvent(<-events)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}
