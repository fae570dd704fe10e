// Package supervisor owns the lifecycle of the single game server process.
//
// Start, Stop and Restart are serialized by one operation lock. Kill takes
// the same lock except while a graceful stop is waiting, which it preempts.
// State changes are published on the Events channel.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/runner"
)

// State is the lifecycle state of the server process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

var (
	ErrAlreadyRunning          = errors.New("server is already running")
	ErrNotRunning              = errors.New("server is not running")
	ErrStartFailed             = errors.New("server failed to start")
	ErrStopTimedOutForceKilled = errors.New("server did not stop in time and was killed")
)

var edges = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateStopped},
	StateRunning:  {StateStopping, StateCrashed},
	StateStopping: {StateStopped},
	StateCrashed:  {StateStarting, StateStopped},
}

// CanTransition reports whether from -> to is a declared edge.
func CanTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Process is a running server process.
type Process interface {
	Pid() int
	Stdin() io.Writer
	Output() io.Reader
	Wait() error
	Kill() error
}

// Launcher spawns processes.
type Launcher interface {
	Launch(ctx context.Context, opts runner.Options) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, opts runner.Options) (Process, error)

func (f LauncherFunc) Launch(ctx context.Context, opts runner.Options) (Process, error) {
	return f(ctx, opts)
}

// RunnerLauncher launches through a ProcessRunner.
func RunnerLauncher(r *runner.ProcessRunner) Launcher {
	return LauncherFunc(func(ctx context.Context, opts runner.Options) (Process, error) {
		h, err := r.Start(ctx, opts)
		if err != nil {
			return nil, err
		}
		return h, nil
	})
}

// OutputSink receives the console stream of every spawned process. Attach is
// called before the process is reported as running and must consume r until EOF.
type OutputSink interface {
	Attach(pid int, r io.Reader)
}

// Event describes one state transition.
type Event struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	PID      int       `json:"pid,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}

// Snapshot is a copy of the process handle.
type Snapshot struct {
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	StoppedAt    time.Time `json:"stoppedAt,omitempty"`
	LastExitCode *int      `json:"lastExitCode,omitempty"`
}

// Uptime is zero unless the process is running.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if s.State != StateRunning || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Options configures a Supervisor.
type Options struct {
	Launcher Launcher
	// Spec is resolved on every start so edits to the launch script apply
	// on the next start.
	Spec        func() (runner.Options, error)
	Output      OutputSink
	StopCommand string
	StopTimeout time.Duration
	// KillWait bounds how long a stop escalation waits for the OS to reap
	// the process after SIGKILL.
	KillWait    time.Duration
	EventBuffer int
	Now         func() time.Time
}

type instance struct {
	proc          Process
	pid           int
	startedAt     time.Time
	exited        chan struct{}
	stopRequested bool // guarded by Supervisor.mu

	killOnce sync.Once
	killErr  error
}

func (in *instance) kill() error {
	in.killOnce.Do(func() { in.killErr = in.proc.Kill() })
	return in.killErr
}

// Supervisor runs one server process at a time.
type Supervisor struct {
	opts Options

	opMu sync.Mutex

	mu        sync.RWMutex
	state     State
	cur       *instance
	lastExit  *int
	stoppedAt time.Time

	stdinMu sync.Mutex
	events  chan Event
}

// New returns a stopped Supervisor.
func New(opts Options) *Supervisor {
	if opts.StopCommand == "" {
		opts.StopCommand = "stop"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.KillWait <= 0 {
		opts.KillWait = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{opts: opts, state: StateStopped, events: make(chan Event, opts.EventBuffer)}
}

// Events delivers state transitions. Events are dropped when the buffer is full.
func (s *Supervisor) Events() <-chan Event { return s.events }

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns a copy of the current process handle.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{State: s.state, StoppedAt: s.stoppedAt}
	if s.lastExit != nil {
		code := *s.lastExit
		snap.LastExitCode = &code
	}
	if s.cur != nil {
		snap.PID = s.cur.pid
		snap.StartedAt = s.cur.startedAt
	}
	return snap
}

// setState must be called with mu held.
func (s *Supervisor) setState(to State) Event {
	from := s.state
	if !CanTransition(from, to) {
		log.Error().Str("from", string(from)).Str("to", string(to)).Msg("invalid state transition")
	}
	s.state = to
	log.Info().Str("from", string(from)).Str("state", string(to)).Msg("state change")
	return Event{From: from, To: to, At: s.opts.Now()}
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("state", string(ev.To)).Msg("event buffer full, dropping event")
	}
}

// Start spawns the server process.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(ctx)
}

func (s *Supervisor) start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped && s.state != StateCrashed {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ev := s.setState(StateStarting)
	s.mu.Unlock()
	s.emit(ev)

	proc, err := s.launch(ctx)
	if err != nil {
		s.mu.Lock()
		ev := s.setState(StateStopped)
		s.mu.Unlock()
		ev.Err = err
		s.emit(ev)
		log.Error().Err(err).Msg("server start failed")
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	in := &instance{proc: proc, pid: proc.Pid(), startedAt: s.opts.Now(), exited: make(chan struct{})}
	if s.opts.Output != nil {
		s.opts.Output.Attach(in.pid, proc.Output())
	} else {
		go func() { _, _ = io.Copy(io.Discard, proc.Output()) }()
	}

	s.mu.Lock()
	s.cur = in
	ev = s.setState(StateRunning)
	s.mu.Unlock()
	ev.PID = in.pid
	go s.watch(in)
	s.emit(ev)
	return nil
}

func (s *Supervisor) launch(ctx context.Context) (Process, error) {
	if s.opts.Launcher == nil || s.opts.Spec == nil {
		return nil, errors.New("supervisor has no launcher configured")
	}
	spec, err := s.opts.Spec()
	if err != nil {
		return nil, fmt.Errorf("resolve launch command: %w", err)
	}
	return s.opts.Launcher.Launch(ctx, spec)
}

// watch is the exit watcher for one process.
func (s *Supervisor) watch(in *instance) {
	code := exitCode(in.proc.Wait())

	s.mu.Lock()
	s.lastExit = &code
	s.stoppedAt = s.opts.Now()
	s.cur = nil
	var ev Event
	if s.state == StateRunning && !in.stopRequested {
		ev = s.setState(StateCrashed)
		log.Warn().Int("pid", in.pid).Int("exit_code", code).Msg("server exited unexpectedly")
	} else {
		ev = s.setState(StateStopped)
	}
	s.mu.Unlock()

	close(in.exited)
	ev.PID = in.pid
	ev.ExitCode = &code
	s.emit(ev)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}

// Stop asks the server to shut down and waits up to timeout (the configured
// default when zero). Only the timeout escalates: a cancelled ctx does not
// cut the grace period short. On timeout the process is killed once and
// ErrStopTimedOutForceKilled is returned.
func (s *Supervisor) Stop(_ context.Context, timeout time.Duration) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop(timeout)
}

func (s *Supervisor) stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.opts.StopTimeout
	}
	s.mu.Lock()
	if s.state != StateRunning || s.cur == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	in := s.cur
	in.stopRequested = true
	ev := s.setState(StateStopping)
	s.mu.Unlock()
	ev.PID = in.pid
	s.emit(ev)

	if err := s.writeLine(in, s.opts.StopCommand); err != nil {
		log.Warn().Err(err).Msg("write stop command")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-in.exited:
		return nil
	case <-timer.C:
	}
	log.Warn().Int("pid", in.pid).Dur("timeout", timeout).Msg("graceful stop timed out, killing")

	killCtx, cancel := context.WithTimeout(context.Background(), s.opts.KillWait)
	defer cancel()
	if err := s.forceKill(killCtx, in); err != nil {
		return fmt.Errorf("%w: %w", ErrStopTimedOutForceKilled, err)
	}
	return ErrStopTimedOutForceKilled
}

// forceKill signals in once and waits for the exit watcher.
func (s *Supervisor) forceKill(ctx context.Context, in *instance) error {
	if err := in.kill(); err != nil {
		return fmt.Errorf("kill pid %d: %w", in.pid, err)
	}
	select {
	case <-in.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the process unconditionally and returns once it is reaped.
// It is a no-op when nothing is running.
func (s *Supervisor) Kill(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopping && s.cur != nil {
		in := s.cur
		s.mu.Unlock()
		return s.forceKill(ctx, in)
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch {
	case s.state == StateStopped:
		s.mu.Unlock()
		return nil
	case s.cur == nil:
		ev := s.setState(StateStopped)
		s.mu.Unlock()
		s.emit(ev)
		return nil
	}
	in := s.cur
	in.stopRequested = true
	var ev *Event
	if s.state == StateRunning {
		e := s.setState(StateStopping)
		e.PID = in.pid
		ev = &e
	}
	s.mu.Unlock()
	if ev != nil {
		s.emit(*ev)
	}
	return s.forceKill(ctx, in)
}

// Restart stops a running server and starts it again as one operation.
// A forced kill during the stop does not prevent the start; the returned
// error still wraps ErrStopTimedOutForceKilled. Once the stop has begun the
// start happens even if ctx is cancelled, so the server is not left down.
func (s *Supervisor) Restart(ctx context.Context, timeout time.Duration) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	ctx = context.WithoutCancel(ctx)

	var stopErr error
	if s.State() == StateRunning {
		stopErr = s.stop(timeout)
		if stopErr != nil && !errors.Is(stopErr, ErrStopTimedOutForceKilled) {
			return fmt.Errorf("restart: %w", stopErr)
		}
	}
	if err := s.start(ctx); err != nil {
		return fmt.Errorf("restart: %w", errors.Join(stopErr, err))
	}
	if stopErr != nil {
		return fmt.Errorf("restart: %w", stopErr)
	}
	return nil
}

// WriteStdin sends one console line to the running process.
func (s *Supervisor) WriteStdin(line string) error {
	s.mu.RLock()
	if s.state != StateRunning || s.cur == nil {
		s.mu.RUnlock()
		return ErrNotRunning
	}
	in := s.cur
	s.mu.RUnlock()
	return s.writeLine(in, line)
}

func (s *Supervisor) writeLine(in *instance, line string) error {
	line = strings.TrimRight(line, "\r\n")
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	_, err := io.WriteString(in.proc.Stdin(), line+"\n")
	return err
}
