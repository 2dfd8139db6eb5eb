// Package worker owns the lifecycle of the two long-running analysis
// worker processes and the line-delimited JSON-RPC protocol spoken to
// them over stdio.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State tracks the supervisor lifecycle.
type State string

const (
	StateNotStarted   State = "not_started"
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateShuttingDown State = "shutting_down"
)

// Options configures the supervisor's roster and timing.
type Options struct {
	Polymarket ProcessConfig
	News       ProcessConfig

	// SettleDelay is how long spawned processes get to boot before the
	// initialize handshake.
	SettleDelay time.Duration

	// InitTimeout bounds the handshake reply wait.
	InitTimeout time.Duration

	// ShutdownGrace is how long graceful termination gets before SIGKILL.
	ShutdownGrace time.Duration

	ClientName    string
	ClientVersion string
}

func (o *Options) withDefaults() {
	if o.SettleDelay == 0 {
		o.SettleDelay = 3 * time.Second
	}
	if o.InitTimeout == 0 {
		o.InitTimeout = 5 * time.Second
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = 3 * time.Second
	}
	if o.ClientName == "" {
		o.ClientName = "polysage-api"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "1.0.0"
	}
}

// WorkerHealth reports one worker's liveness.
type WorkerHealth struct {
	Alive       bool `json:"alive"`
	Initialized bool `json:"initialized"`
}

// Health is the supervisor's introspection snapshot.
type Health struct {
	Initialized bool                  `json:"initialized"`
	Workers     map[Role]WorkerHealth `json:"workers"`
}

// spawnFunc is injectable so tests can count spawns or substitute fakes.
type spawnFunc func(role Role, cfg ProcessConfig, logger *zap.Logger) (*Handle, error)

// Supervisor owns a fixed roster of two named workers: lazy one-time
// startup guarded against concurrent double-start, and orderly shutdown.
// It is explicitly constructed and injected; there is no package-level
// instance. Crashed workers are not restarted automatically — calls
// against them fail fast until an explicit Shutdown/EnsureStarted cycle.
type Supervisor struct {
	opts   Options
	logger *zap.Logger
	spawn  spawnFunc

	// ids is shared by both transports so request ids increase strictly
	// across the supervisor's lifetime.
	ids atomic.Int64

	mu          sync.Mutex // held across the whole startup/shutdown sequence
	state       State
	transports  map[Role]*Transport
	initialized bool
}

// NewSupervisor creates a supervisor for the fixed two-worker roster.
func NewSupervisor(opts Options, logger *zap.Logger) *Supervisor {
	opts.withDefaults()
	s := &Supervisor{
		opts:       opts,
		logger:     logger,
		spawn:      Spawn,
		state:      StateNotStarted,
		transports: make(map[Role]*Transport),
	}
	return s
}

// EnsureStarted spawns and initializes both workers exactly once. The
// first caller performs the work while concurrent callers block on the
// startup lock and return once it completes. A spawn failure is fatal
// and propagates; a failed handshake is logged and the worker is left
// degraded but addressable.
func (s *Supervisor) EnsureStarted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateReady {
		return nil
	}
	s.state = StateStarting

	roster := []struct {
		role Role
		cfg  ProcessConfig
	}{
		{RolePolymarket, s.opts.Polymarket},
		{RoleNews, s.opts.News},
	}

	s.logger.Info("starting analysis workers")

	started := make(map[Role]*Transport, len(roster))
	for _, w := range roster {
		h, err := s.spawn(w.role, w.cfg, s.logger)
		if err != nil {
			for _, t := range started {
				t.Handle().Kill()
			}
			s.state = StateNotStarted
			return fmt.Errorf("failed to start %s worker: %w", w.role, err)
		}
		started[w.role] = NewTransport(h, &s.ids, s.logger)
	}

	// Give the interpreters time to boot before the handshake.
	select {
	case <-time.After(s.opts.SettleDelay):
	case <-ctx.Done():
		for _, t := range started {
			t.Handle().Kill()
		}
		s.state = StateNotStarted
		return ctx.Err()
	}

	for role, t := range started {
		if err := t.Initialize(s.opts.ClientName, s.opts.ClientVersion, s.opts.InitTimeout); err != nil {
			// Non-fatal: keep the other worker usable.
			s.logger.Warn("worker handshake failed, continuing degraded",
				zap.String("role", string(role)),
				zap.Error(err))
			continue
		}
		s.logger.Info("worker initialized", zap.String("role", string(role)))
	}

	s.transports = started
	s.initialized = true
	s.state = StateReady
	s.logger.Info("analysis workers ready")
	return nil
}

// CallTool invokes one named tool on one worker, lazily starting the
// roster on first use. The returned string may be an error or timeout
// sentinel; a Go error means the target process is not running.
func (s *Supervisor) CallTool(ctx context.Context, role Role, tool string, args map[string]interface{}, timeout time.Duration) (string, error) {
	s.mu.Lock()
	ready := s.state == StateReady
	s.mu.Unlock()

	if !ready {
		if err := s.EnsureStarted(ctx); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	t := s.transports[role]
	s.mu.Unlock()

	if t == nil {
		return "", fmt.Errorf("unknown worker role %q", role)
	}
	return t.Call(ctx, tool, args, timeout)
}

// Shutdown terminates both workers: graceful SIGTERM, a grace period,
// then SIGKILL for stragglers. State resets to not-started so a later
// EnsureStarted spawns fresh processes.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateNotStarted {
		return
	}
	s.state = StateShuttingDown
	s.logger.Info("shutting down analysis workers")

	for role, t := range s.transports {
		h := t.Handle()
		h.CloseStdin()
		h.Terminate()
		if !h.WaitExit(s.opts.ShutdownGrace) {
			s.logger.Warn("worker did not exit in grace period, killing",
				zap.String("role", string(role)))
			h.Kill()
			h.WaitExit(s.opts.ShutdownGrace)
		}
	}

	s.transports = make(map[Role]*Transport)
	s.initialized = false
	s.state = StateNotStarted
	s.logger.Info("analysis workers shutdown complete")
}

// Initialized reports whether startup has completed.
func (s *Supervisor) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Health reports per-worker liveness and the initialized flag.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{
		Initialized: s.initialized,
		Workers:     make(map[Role]WorkerHealth, len(s.transports)),
	}
	for role, t := range s.transports {
		h.Workers[role] = WorkerHealth{
			Alive:       t.Handle().Alive(),
			Initialized: s.initialized,
		}
	}
	return h
}
