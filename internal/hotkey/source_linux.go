//go:build linux

package hotkey

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	evKey = 1

	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2

	pollTimeoutMs = 250
)

// EvdevSource reads keyboard events from /dev/input. The user must be in the
// input group (or root).
type EvdevSource struct {
	// Devices overrides device discovery when non-empty.
	Devices []string
	Logger  *slog.Logger
}

// NewSource returns the keyboard source for this platform.
func NewSource(logger *slog.Logger) Source {
	return &EvdevSource{Logger: logger}
}

// Available reports whether at least one keyboard device can be opened.
func (s *EvdevSource) Available() (bool, string) {
	devices, err := s.devices()
	if err != nil {
		return false, fmt.Sprintf("cannot find keyboard devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no keyboard devices found"
	}
	for _, dev := range devices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err == nil {
			f.Close()
			return true, fmt.Sprintf("found keyboard device: %s", dev)
		}
	}
	return false, "cannot read keyboard devices (need to be in 'input' group or run as root)"
}

func (s *EvdevSource) devices() ([]string, error) {
	if len(s.Devices) > 0 {
		return s.Devices, nil
	}
	return findKeyboardDevices()
}

// findKeyboardDevices finds /dev/input event nodes with a kbd handler.
func findKeyboardDevices() ([]string, error) {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseDeviceList(bufio.NewScanner(f)), nil
}

func parseDeviceList(scanner *bufio.Scanner) []string {
	var devices []string
	seen := map[string]bool{}
	var handler string
	isKeyboard := false

	flush := func() {
		if isKeyboard && handler != "" && !seen[handler] {
			seen[handler] = true
			devices = append(devices, handler)
		}
		handler = ""
		isKeyboard = false
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "H: Handlers=") {
			for _, part := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if part == "kbd" {
					isKeyboard = true
				}
				if strings.HasPrefix(part, "event") {
					handler = filepath.Join("/dev/input", part)
				}
			}
		}
		if line == "" {
			flush()
		}
	}
	flush()
	return devices
}

// Run polls every readable keyboard device and emits events on out. Modifier
// keys are reported as FlagsChanged with the merged modifier state across
// all devices; autorepeat is dropped.
func (s *EvdevSource) Run(ctx context.Context, out chan<- Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	devices, err := s.devices()
	if err != nil || len(devices) == 0 {
		return ErrNotAvailable
	}

	var fds []unix.PollFd
	for _, dev := range devices {
		fd, err := unix.Open(dev, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			logger.Debug("skip keyboard device", "device", dev, "error", err)
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	if len(fds) == 0 {
		return fmt.Errorf("%w: no readable keyboard device", ErrNotAvailable)
	}
	defer func() {
		for _, p := range fds {
			unix.Close(int(p.Fd))
		}
	}()
	logger.Info("keyboard source started", "devices", len(fds))

	dec := newDecoder()
	buf := make([]byte, dec.size*64)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll keyboard devices: %w", err)
		}
		if n == 0 {
			continue
		}

		live := fds[:0]
		for _, p := range fds {
			if p.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				logger.Warn("keyboard device gone", "fd", p.Fd)
				unix.Close(int(p.Fd))
				continue
			}
			if p.Revents&unix.POLLIN != 0 {
				if err := s.drain(ctx, int(p.Fd), buf, dec, out); err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return err
					}
					logger.Warn("keyboard device read failed", "fd", p.Fd, "error", err)
					unix.Close(int(p.Fd))
					continue
				}
			}
			p.Revents = 0
			live = append(live, p)
		}
		fds = live
		if len(fds) == 0 {
			return fmt.Errorf("%w: all keyboard devices closed", ErrNotAvailable)
		}
	}
}

func (s *EvdevSource) drain(ctx context.Context, fd int, buf []byte, dec *decoder, out chan<- Event) error {
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return nil
			}
			return err
		}
		if n <= 0 {
			return nil
		}
		for off := 0; off+dec.size <= n; off += dec.size {
			ev, ok := dec.decode(buf[off : off+dec.size])
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// decoder turns struct input_event records into Events and tracks the
// pressed modifier keys.
type decoder struct {
	size    int
	tvSize  int
	pressed map[uint16]Modifier
}

func newDecoder() *decoder {
	tv := binary.Size(unix.Timeval{})
	return &decoder{
		size:    tv + 8,
		tvSize:  tv,
		pressed: make(map[uint16]Modifier),
	}
}

func (d *decoder) flags() Modifier {
	var m Modifier
	for _, mod := range d.pressed {
		m |= mod
	}
	return m
}

func (d *decoder) decode(rec []byte) (Event, bool) {
	typ := binary.LittleEndian.Uint16(rec[d.tvSize : d.tvSize+2])
	code := binary.LittleEndian.Uint16(rec[d.tvSize+2 : d.tvSize+4])
	value := int32(binary.LittleEndian.Uint32(rec[d.tvSize+4 : d.tvSize+8]))

	if typ != evKey || value == keyRepeat {
		return Event{}, false
	}

	if mod := ModifierForCode(code); mod != 0 {
		if value == keyPress {
			d.pressed[code] = mod
		} else {
			delete(d.pressed, code)
		}
		return Event{Kind: FlagsChanged, Code: code, Flags: d.flags()}, true
	}

	switch value {
	case keyPress:
		return Event{Kind: KeyDown, Code: code, Flags: d.flags()}, true
	case keyRelease:
		return Event{Kind: KeyUp, Code: code, Flags: d.flags()}, true
	}
	return Event{}, false
}
