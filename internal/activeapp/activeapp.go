// Package activeapp names the application that currently has keyboard
// focus.
//
// Detection depends on the platform:
//
//	macOS:   osascript asking System Events for the frontmost process
//	X11:     xdotool, falling back to xprop, plus /proc for the executable
//	Wayland: GNOME Shell's Introspect interface over the session bus
//
// Anything else yields an empty name.
package activeapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// lookupTimeout bounds one detection so a hung tool cannot stall a rewrite.
const lookupTimeout = 750 * time.Millisecond

// Display server kinds.
const (
	DisplayX11     = "x11"
	DisplayWayland = "wayland"
	DisplayMacOS   = "macos"
	DisplayUnknown = "unknown"
)

// ErrUnsupported is returned when no detection method exists for the
// current session.
var ErrUnsupported = errors.New("activeapp: foreground detection unsupported")

type runner func(ctx context.Context, name string, args ...string) (string, error)

func runTool(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Detector implements foreground application lookup.
type Detector struct {
	display  string
	run      runner
	readlink func(string) (string, error)
	gnome    func(ctx context.Context) (string, error)
	logger   *slog.Logger
}

// New returns a detector for the current session.
func New(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Detector{
		display:  DetectDisplayServer(),
		run:      runTool,
		readlink: os.Readlink,
		gnome:    gnomeFocusedApp,
		logger:   logger,
	}
}

// Display returns the detected display server kind.
func (d *Detector) Display() string {
	return d.display
}

// DetectDisplayServer reports the session's display server. XWayland counts
// as X11 because the X tools work there.
func DetectDisplayServer() string {
	if runtime.GOOS == "darwin" {
		return DisplayMacOS
	}
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		if os.Getenv("DISPLAY") != "" && os.Getenv("XDG_CURRENT_DESKTOP") != "GNOME" {
			return DisplayX11
		}
		return DisplayWayland
	}
	if os.Getenv("DISPLAY") != "" {
		return DisplayX11
	}
	return DisplayUnknown
}

// ForegroundAppName returns the focused application's name, or "" when it
// cannot be determined.
func (d *Detector) ForegroundAppName(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	switch d.display {
	case DisplayMacOS:
		return d.run(ctx, "osascript", "-e",
			`tell application "System Events" to get name of first application process whose frontmost is true`)
	case DisplayX11:
		return d.x11(ctx)
	case DisplayWayland:
		return d.gnome(ctx)
	default:
		return "", ErrUnsupported
	}
}

func (d *Detector) x11(ctx context.Context) (string, error) {
	// xdotool is the more reliable of the two.
	name, err := d.xdotool(ctx)
	if err == nil {
		return name, nil
	}
	d.logger.Debug("xdotool lookup failed", "error", err)
	return d.xprop(ctx)
}

func (d *Detector) xdotool(ctx context.Context) (string, error) {
	out, err := d.run(ctx, "xdotool", "getactivewindow", "getwindowpid")
	if err != nil {
		return "", err
	}
	pid, err := strconv.Atoi(out)
	if err != nil {
		return "", fmt.Errorf("xdotool: bad pid %q", out)
	}
	return d.procName(pid)
}

func (d *Detector) xprop(ctx context.Context) (string, error) {
	out, err := d.run(ctx, "xprop", "-root", "_NET_ACTIVE_WINDOW")
	if err != nil {
		return "", err
	}
	windowID, err := parseActiveWindow(out)
	if err != nil {
		return "", err
	}
	props, err := d.run(ctx, "xprop", "-id", windowID, "WM_CLASS", "_NET_WM_PID")
	if err != nil {
		return "", err
	}
	class, pid := parseWindowProps(props)
	if pid > 0 {
		if name, err := d.procName(pid); err == nil && name != "" {
			return name, nil
		}
	}
	return class, nil
}

// procName resolves a pid to its executable's base name.
func (d *Detector) procName(pid int) (string, error) {
	target, err := d.readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", err
	}
	return filepath.Base(target), nil
}

// parseActiveWindow extracts the id from "_NET_ACTIVE_WINDOW(WINDOW): window id # 0x3a00007".
func parseActiveWindow(out string) (string, error) {
	parts := strings.Fields(out)
	if len(parts) < 5 {
		return "", errors.New("xprop: unexpected _NET_ACTIVE_WINDOW output")
	}
	id := parts[len(parts)-1]
	if id == "0x0" {
		return "", errors.New("xprop: no active window")
	}
	return id, nil
}

// parseWindowProps reads the class name and pid from xprop output:
//
//	WM_CLASS(STRING) = "instance", "Class"
//	_NET_WM_PID(CARDINAL) = 12345
func parseWindowProps(out string) (class string, pid int) {
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "WM_CLASS"):
			if idx := strings.Index(line, ", \""); idx != -1 {
				end := strings.LastIndex(line, "\"")
				if end > idx+3 {
					class = line[idx+3 : end]
				}
			}
		case strings.HasPrefix(line, "_NET_WM_PID"):
			if idx := strings.Index(line, "= "); idx != -1 {
				pid, _ = strconv.Atoi(strings.TrimSpace(line[idx+2:]))
			}
		}
	}
	return class, pid
}
