package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	sysrt "github.com/sxwxbxr/nxrthstack-sub004/internal/runtime"
	"golang.org/x/sys/unix"
)

// ProcessHandle is a spawned server process with its console pipes.
type ProcessHandle struct {
	cmd       *exec.Cmd
	name      string
	startedAt time.Time
	stdin     io.WriteCloser
	stdout    *io.PipeReader
	outW      *io.PipeWriter

	done    chan struct{}
	waitErr error
}

// Options specifies how to start the process.
type Options struct {
	Name       string
	Command    string
	Args       []string
	Env        []string
	WorkingDir string
	NoFile     uint64 // RLIMIT_NOFILE
}

// ProcessRunner starts native processes in their own process group.
type ProcessRunner struct{}

func New() *ProcessRunner { return &ProcessRunner{} }

// Start launches the process. The context only bounds the launch itself;
// the child outlives it and is ended through Kill or its own exit.
func (r *ProcessRunner) Start(ctx context.Context, opts Options) (*ProcessHandle, error) {
	if opts.Command == "" {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := sysrt.ApplyRlimits(opts.NoFile); err != nil {
		return nil, err
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	// Own process group so a kill reaches wrapper scripts and their children
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// stdout and stderr share one writer so exec copies them from a single goroutine
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = opts.Command
	}
	h := &ProcessHandle{
		cmd:       cmd,
		name:      name,
		startedAt: time.Now(),
		stdin:     stdin,
		stdout:    pr,
		outW:      pw,
		done:      make(chan struct{}),
	}
	go h.wait()
	log.Info().Str("process", name).Int("pid", h.Pid()).Msg("process started")
	return h, nil
}

func (h *ProcessHandle) wait() {
	h.waitErr = h.cmd.Wait()
	_ = h.outW.Close()
	close(h.done)
}

// Pid returns the OS process id.
func (h *ProcessHandle) Pid() int { return h.cmd.Process.Pid }

// Name returns the display name given in Options.
func (h *ProcessHandle) Name() string { return h.name }

// StartedAt returns the spawn time.
func (h *ProcessHandle) StartedAt() time.Time { return h.startedAt }

// Stdin is the write end of the process console.
func (h *ProcessHandle) Stdin() io.Writer { return h.stdin }

// Output yields merged stdout and stderr until the process exits.
func (h *ProcessHandle) Output() io.Reader { return h.stdout }

// Wait blocks until the process has exited and all output has been consumed
// by the Output reader. It may be called from several goroutines.
func (h *ProcessHandle) Wait() error {
	<-h.done
	return h.waitErr
}

// Done is closed once the process has exited.
func (h *ProcessHandle) Done() <-chan struct{} { return h.done }

// Kill sends SIGKILL to the whole process group.
func (h *ProcessHandle) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	err := sysrt.KillGroup(h.Pid(), unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		// group may be gone while the leader lingers
		return h.cmd.Process.Kill()
	}
	return nil
}

// Terminate sends SIGTERM to the process group and waits up to timeout,
// then SIGKILL.
func (h *ProcessHandle) Terminate(ctx context.Context, timeout time.Duration) error {
	_ = sysrt.KillGroup(h.Pid(), unix.SIGTERM)
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		log.Warn().Str("process", h.name).Dur("timeout", timeout).Msg("terminate timed out, killing")
		_ = h.Kill()
		<-h.done
		return nil
	}
}
