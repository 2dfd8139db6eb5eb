package worker

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Role identifies which analysis worker a request targets.
type Role string

const (
	RolePolymarket Role = "polymarket"
	RoleNews       Role = "news"
)

// ProcessConfig describes how to spawn one worker process.
type ProcessConfig struct {
	Command string
	Args    []string
}

// Handle wraps one worker child process and its stdio pipes. It owns the
// raw byte streams; request/reply framing lives in Transport.
type Handle struct {
	role   Role
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *zap.Logger

	exited atomic.Bool
	exitCh chan struct{}
}

// Spawn starts a worker process with piped stdio.
func Spawn(role Role, cfg ProcessConfig, logger *zap.Logger) (*Handle, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("empty command for %s worker", role)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s worker %q: %w", role, cfg.Command, err)
	}

	h := &Handle{
		role:   role,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
		exitCh: make(chan struct{}),
	}

	go h.drainStderr()
	go h.waitExit()

	logger.Info("worker process started",
		zap.String("role", string(role)),
		zap.String("command", cfg.Command),
		zap.Int("pid", cmd.Process.Pid))

	return h, nil
}

// drainStderr forwards worker diagnostics to the log so the pipe never
// fills up and blocks the child.
func (h *Handle) drainStderr() {
	scanner := bufio.NewScanner(h.stderr)
	for scanner.Scan() {
		h.logger.Debug("worker stderr",
			zap.String("role", string(h.role)),
			zap.String("line", scanner.Text()))
	}
}

func (h *Handle) waitExit() {
	err := h.cmd.Wait()
	h.exited.Store(true)
	h.logger.Info("worker process exited",
		zap.String("role", string(h.role)),
		zap.Error(err))
	close(h.exitCh)
}

// Role returns the worker's role name.
func (h *Handle) Role() Role { return h.role }

// Alive reports whether the process has not yet exited.
func (h *Handle) Alive() bool { return !h.exited.Load() }

// Pid returns the OS process id.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Terminate requests a graceful exit (SIGTERM).
func (h *Handle) Terminate() {
	if h.Alive() {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Kill forcibly ends the process.
func (h *Handle) Kill() {
	if h.Alive() {
		_ = h.cmd.Process.Kill()
	}
}

// WaitExit blocks until the process exits or the grace period elapses.
// Returns true if the process exited in time.
func (h *Handle) WaitExit(grace time.Duration) bool {
	select {
	case <-h.exitCh:
		return true
	case <-time.After(grace):
		return false
	}
}

// CloseStdin closes the worker's input stream, unblocking any writer.
func (h *Handle) CloseStdin() {
	_ = h.stdin.Close()
}
