package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"voxpaste/internal/fault"
)

// Restart policies.
const (
	RestartNever     = "never"
	RestartOnFailure = "on-failure"
)

// HelperBinary is the default helper executable name.
const HelperBinary = "voxpaste-helper"

// ProcessConfig configures the helper process.
type ProcessConfig struct {
	Path        string
	Args        []string
	Env         []string
	Restart     string
	MaxRestarts int
	Backoff     time.Duration
}

// ExitInfo describes one helper exit.
type ExitInfo struct {
	Err       error
	Restarted bool
}

// Supervisor spawns the helper, owns its stdio and forwards inbound
// messages. It implements the daemon's outbound sender; messages sent while
// no helper is running are dropped.
type Supervisor struct {
	cfg    ProcessConfig
	logger *slog.Logger

	// OnExit, if set, is called after every helper exit, on the Run
	// goroutine.
	OnExit func(ExitInfo)

	mu        sync.Mutex
	transport *Transport
	cmd       *exec.Cmd
}

// NewSupervisor creates a supervisor. The helper is not started until Run.
func NewSupervisor(cfg ProcessConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Restart == "" {
		cfg.Restart = RestartNever
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// ResolveHelperPath returns path if set, else the helper binary next to the
// running executable, else the first match on $PATH.
func ResolveHelperPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), HelperBinary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	found, err := exec.LookPath(HelperBinary)
	if err != nil {
		return "", fault.New(fault.KindTransport, "SPAWN_ERROR", "resolve helper", err)
	}
	return found, nil
}

// Send forwards msg to the running helper.
func (s *Supervisor) Send(msg Outbound) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		s.logger.Warn("helper not running, dropping message", "type", msg.Type)
		return
	}
	t.Send(msg)
}

// Running reports whether a helper process is attached.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// Run spawns the helper and delivers its messages to fn until ctx is done.
// Spawn failures and exits are logged and reported through OnExit; whether
// the helper is started again is decided by the restart policy.
func (s *Supervisor) Run(ctx context.Context, fn func(Inbound)) error {
	restarts := 0
	for {
		err := s.runOnce(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}

		restart := s.shouldRestart(err, restarts)
		if s.OnExit != nil {
			s.OnExit(ExitInfo{Err: err, Restarted: restart})
		}
		if !restart {
			return err
		}
		restarts++
		s.logger.Info("restarting helper", "attempt", restarts, "backoff", s.cfg.Backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.Backoff):
		}
	}
}

func (s *Supervisor) shouldRestart(exitErr error, restarts int) bool {
	if s.cfg.Restart != RestartOnFailure || exitErr == nil {
		return false
	}
	return s.cfg.MaxRestarts == 0 || restarts < s.cfg.MaxRestarts
}

func (s *Supervisor) runOnce(ctx context.Context, fn func(Inbound)) error {
	path, err := ResolveHelperPath(s.cfg.Path)
	if err != nil {
		s.logger.Error("failed to start helper", "error", err)
		return err
	}

	cmd := exec.Command(path, s.cfg.Args...)
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fault.New(fault.KindTransport, "SPAWN_ERROR", "helper stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fault.New(fault.KindTransport, "SPAWN_ERROR", "helper stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fault.New(fault.KindTransport, "SPAWN_ERROR", "helper stderr", err)
	}

	if err := cmd.Start(); err != nil {
		s.logger.Error("failed to start helper", "path", path, "error", err)
		return fault.New(fault.KindTransport, "SPAWN_ERROR", "start helper", err)
	}
	s.logger.Info("helper started", "path", path, "pid", cmd.Process.Pid)

	t := NewTransport(stdout, stdin, s.logger)
	s.mu.Lock()
	s.transport = t
	s.cmd = cmd
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logStderr(stderr)
	}()

	// Kill the helper when ctx ends so the blocked read returns.
	stop := context.AfterFunc(ctx, func() {
		_ = stdin.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
	defer stop()

	readErr := t.Run(ctx, fn)

	s.mu.Lock()
	s.transport = nil
	s.cmd = nil
	s.mu.Unlock()

	_ = stdin.Close()
	wg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		s.logger.Info("helper stopped")
		return nil
	}

	s.logger.Warn("helper exited", "error", waitErr, "exit_code", cmd.ProcessState.ExitCode(), "read_error", readErr)

	switch {
	case waitErr != nil:
		return fault.New(fault.KindTransport, "HELPER_EXITED", "helper", waitErr)
	case readErr != nil && !errors.Is(readErr, context.Canceled):
		return fault.New(fault.KindTransport, "HELPER_EXITED", "helper read", readErr)
	default:
		return nil
	}
}

func (s *Supervisor) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Info("helper stderr", "line", scanner.Text())
	}
}

// Stop kills the running helper, if any.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill helper: %w", err)
	}
	return nil
}
