package clipboard

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// commandSet describes one family of clipboard command-line tools.
type commandSet struct {
	name    string
	formats []Format
	read    func(f Format) []string
	write   func(f Format) []string
	clear   []string
	targets []string
}

var (
	wlClipboard = commandSet{
		name:    "wl-clipboard",
		formats: []Format{FormatText, FormatHTML, FormatImage},
		read: func(f Format) []string {
			return []string{"wl-paste", "--no-newline", "--type", f.MIME()}
		},
		write: func(f Format) []string {
			return []string{"wl-copy", "--type", f.MIME()}
		},
		clear:   []string{"wl-copy", "--clear"},
		targets: []string{"wl-paste", "--list-types"},
	}

	xclip = commandSet{
		name:    "xclip",
		formats: []Format{FormatText, FormatHTML, FormatImage},
		read: func(f Format) []string {
			return []string{"xclip", "-selection", "clipboard", "-t", xclipTarget(f), "-o"}
		},
		write: func(f Format) []string {
			return []string{"xclip", "-selection", "clipboard", "-t", xclipTarget(f), "-i"}
		},
		targets: []string{"xclip", "-selection", "clipboard", "-t", "TARGETS", "-o"},
	}

	pasteboard = commandSet{
		name:    "pbcopy",
		formats: []Format{FormatText},
		read:    func(Format) []string { return []string{"pbpaste"} },
		write:   func(Format) []string { return []string{"pbcopy"} },
	}
)

func xclipTarget(f Format) string {
	if f == FormatText {
		return "UTF8_STRING"
	}
	return f.MIME()
}

// CommandAccessor reaches the clipboard through xclip, wl-clipboard or
// pbcopy/pbpaste.
type CommandAccessor struct {
	cmds commandSet
	run  func(ctx context.Context, stdin []byte, argv ...string) ([]byte, error)
}

// NewCommandAccessor picks the tool family for the current session: pbcopy
// on macOS, wl-clipboard under Wayland, xclip otherwise. It fails when the
// tools are not installed.
func NewCommandAccessor() (*CommandAccessor, error) {
	var cmds commandSet
	switch {
	case runtime.GOOS == "darwin":
		cmds = pasteboard
	case os.Getenv("WAYLAND_DISPLAY") != "":
		cmds = wlClipboard
	case runtime.GOOS == "linux":
		cmds = xclip
	default:
		return nil, fmt.Errorf("clipboard: no command backend for %s", runtime.GOOS)
	}
	if _, err := exec.LookPath(cmds.read(FormatText)[0]); err != nil {
		return nil, fmt.Errorf("clipboard: %s not found: %w", cmds.name, err)
	}
	return &CommandAccessor{cmds: cmds, run: runCommand}, nil
}

func runCommand(ctx context.Context, stdin []byte, argv ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		// xclip and wl-copy fork to keep serving the selection; the child
		// holds any output pipe open, so writers get no pipes at all.
		cmd.Stdin = bytes.NewReader(stdin)
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("%s: %w", argv[0], err)
		}
		return nil, nil
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", argv[0], err)
	}
	return out, nil
}

// Formats implements Accessor.
func (c *CommandAccessor) Formats() []Format {
	return c.cmds.formats
}

func (c *CommandAccessor) supports(f Format) bool {
	for _, have := range c.cmds.formats {
		if have == f {
			return true
		}
	}
	return false
}

// Read implements Accessor.
func (c *CommandAccessor) Read(ctx context.Context, f Format) ([]byte, error) {
	if !c.supports(f) {
		return nil, ErrUnsupported
	}
	if c.cmds.targets != nil {
		present, err := c.present(ctx, f)
		if err != nil || !present {
			// An empty clipboard makes the target query fail too.
			return nil, nil
		}
	}
	return c.run(ctx, nil, c.cmds.read(f)...)
}

// present asks the clipboard owner which targets it offers.
func (c *CommandAccessor) present(ctx context.Context, f Format) (bool, error) {
	out, err := c.run(ctx, nil, c.cmds.targets...)
	if err != nil {
		return false, err
	}
	targets := string(out)
	switch f {
	case FormatText:
		return strings.Contains(targets, "UTF8_STRING") || strings.Contains(targets, "text/plain"), nil
	case FormatHTML:
		return strings.Contains(targets, "text/html"), nil
	case FormatImage:
		return strings.Contains(targets, "image/png"), nil
	}
	return false, nil
}

// Write implements Accessor.
func (c *CommandAccessor) Write(ctx context.Context, f Format, data []byte) error {
	if !c.supports(f) {
		return ErrUnsupported
	}
	if len(data) == 0 && c.cmds.clear != nil {
		_, err := c.run(ctx, []byte{}, c.cmds.clear...)
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err := c.run(ctx, data, c.cmds.write(f)...)
	return err
}
