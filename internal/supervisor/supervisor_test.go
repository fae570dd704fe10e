package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/runner"
)

type exitErr int

func (e exitErr) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitErr) ExitCode() int { return int(e) }

// fakeProc exits on "stop" when obeyStop is set, and on Kill.
type fakeProc struct {
	pid      int
	obeyStop bool

	mu    sync.Mutex
	lines []string
	kills int

	outR *io.PipeReader
	outW *io.PipeWriter
	done chan struct{}
	once sync.Once
	code int
}

func newFakeProc(pid int, obeyStop bool) *fakeProc {
	r, w := io.Pipe()
	return &fakeProc{pid: pid, obeyStop: obeyStop, outR: r, outW: w, done: make(chan struct{})}
}

func (p *fakeProc) Pid() int          { return p.pid }
func (p *fakeProc) Stdin() io.Writer  { return p }
func (p *fakeProc) Output() io.Reader { return p.outR }

func (p *fakeProc) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}
	line := strings.TrimSpace(string(b))
	p.mu.Lock()
	p.lines = append(p.lines, line)
	p.mu.Unlock()
	if p.obeyStop && line == "stop" {
		go p.exit(0)
	}
	return len(b), nil
}

func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.code = code
		_ = p.outW.Close()
		close(p.done)
	})
}

func (p *fakeProc) Wait() error {
	<-p.done
	if p.code != 0 {
		return exitErr(p.code)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exit(137)
	return nil
}

func (p *fakeProc) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

func (p *fakeProc) Kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

type fakeLauncher struct {
	mu       sync.Mutex
	obeyStop bool
	err      error
	procs    []*fakeProc
}

func (l *fakeLauncher) Launch(_ context.Context, _ runner.Options) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProc(1000+len(l.procs), l.obeyStop)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) last() *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func newTestSupervisor(l *fakeLauncher) *Supervisor {
	return New(Options{
		Launcher:    l,
		Spec:        func() (runner.Options, error) { return runner.Options{Command: "java"}, nil },
		StopTimeout: time.Second,
		KillWait:    time.Second,
		EventBuffer: 1024,
	})
}

func drain(s *Supervisor) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestStartAndAlreadyRunning(t *testing.T) {
	l := &fakeLauncher{obeyStop: true}
	s := newTestSupervisor(l)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())
	snap := s.Snapshot()
	assert.Equal(t, 1000, snap.PID)
	assert.False(t, snap.StartedAt.IsZero())

	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
}

func TestGracefulStop(t *testing.T) {
	l := &fakeLauncher{obeyStop: true}
	s := newTestSupervisor(l)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop(context.Background(), time.Second))
	assert.Equal(t, StateStopped, s.State())
	p := l.last()
	assert.Equal(t, []string{"stop"}, p.Lines())
	assert.Equal(t, 0, p.Kills())
	snap := s.Snapshot()
	require.NotNil(t, snap.LastExitCode)
	assert.Equal(t, 0, *snap.LastExitCode)
	assert.Zero(t, snap.PID)
}

func TestStopTimeoutKillsOnce(t *testing.T) {
	l := &fakeLauncher{obeyStop: false}
	s := newTestSupervisor(l)
	require.NoError(t, s.Start(context.Background()))

	err := s.Stop(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrStopTimedOutForceKilled)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 1, l.last().Kills())
}

func TestStopIgnoresCallerCancellation(t *testing.T) {
	l := &fakeLauncher{obeyStop: false}
	s := newTestSupervisor(l)
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	begin := time.Now()
	done := make(chan error, 1)
	go func() { done <- s.Stop(ctx, 300*time.Millisecond) }()

	<-ctx.Done()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateStopping, s.State(), "grace period continues after the caller goes away")
	assert.Equal(t, 0, l.last().Kills())

	err := <-done
	assert.ErrorIs(t, err, ErrStopTimedOutForceKilled)
	assert.GreaterOrEqual(t, time.Since(begin), 300*time.Millisecond)
	assert.Equal(t, 1, l.last().Kills())
}

func TestRestartStartsAfterCallerCancels(t *testing.T) {
	l := &fakeLauncher{obeyStop: true}
	s := newTestSupervisor(l)
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Restart(ctx, time.Second))
	assert.Equal(t, StateRunning, s.State())
}

func TestStopNotRunning(t *testing.T) {
	s := newTestSupervisor(&fakeLauncher{})
	assert.ErrorIs(t, s.Stop(context.Background(), time.Second), ErrNotRunning)
}

func TestCrashDetection(t *testing.T) {
	l := &fakeLauncher{obeyStop: true}
	s := newTestSupervisor(l)
	require.NoError(t, s.Start(context.Background()))

	l.last().exit(1)

	var crash *Event
	require.Eventually(t, func() bool {
		for _, ev := range drain(s) {
			if ev.To == StateCrashed {
				ev := ev
				crash = &ev
			}
		}
		return crash != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateCrashed, s.State())
	require.NotNil(t, crash.ExitCode)
	assert.Equal(t, 1, *crash.ExitCode)
	assert.Equal(t, StateRunning, crash.From)

	// a crashed server can be started again
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())
}

func TestKillFromCrashedResets(t *testing.T) {
	l := &fakeLauncher{obeyStop: true}
	s := newTestSupervisor(l)
	require.NoError(t, s.Start(context.Background()))
	l.last().exit(3)
	require.Eventually(t, func() bool { return s.State() == StateCrashed }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Kill(context.Background()))
	assert.Equal(t, StateStopped, s.State())
}

func TestKillIsIdempotent(t *testing.T) {
	l := &fakeLauncher{obeyStop: false}
	s := newTestSupervisor(l)
	require.NoError(t, s.Kill(context.Background()))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Kill(context.Background()))
	require.NoError(t, s.Kill(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 1, l.last().Kills())
}

func TestKillPreemptsGracefulStop(t *testing.T) {
	l := &fakeLauncher{obeyStop: false}
	s := newTestSupervisor(l)
	require.NoError(t, s.Start(context.Background()))

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background(), time.Minute) }()
	require.Eventually(t, func() bool { return s.State() == StateStopping }, time.Second, time.Millisecond)

	require.NoError(t, s.Kill(context.Background()))
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after kill")
	}
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 1, l.last().Kills())
}

func TestStartFailed(t *testing.T) {
	cause := errors.New("exec: java: not found")
	s := newTestSupervisor(&fakeLauncher{err: cause})

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrStartFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StateStopped, s.State())
}

func TestStartFailedOnSpecError(t *testing.T) {
	s := New(Options{
		Launcher: &fakeLauncher{},
		Spec:     func() (runner.Options, error) { return runner.Options{}, errors.New("no start script") },
	})
	assert.ErrorIs(t, s.Start(context.Background()), ErrStartFailed)
	assert.Equal(t, StateStopped, s.State())
}

func TestWriteStdin(t *testing.T) {
	l := &fakeLauncher{obeyStop: true}
	s := newTestSupervisor(l)
	assert.ErrorIs(t, s.WriteStdin("say hi"), ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.WriteStdin("say hi\n"))
	assert.Equal(t, []string{"say hi"}, l.last().Lines())
}

func TestRestart(t *testing.T) {
	l := &fakeLauncher{obeyStop: true}
	s := newTestSupervisor(l)

	// restart from stopped simply starts
	require.NoError(t, s.Restart(context.Background(), time.Second))
	first := s.Snapshot().PID

	require.NoError(t, s.Restart(context.Background(), time.Second))
	assert.Equal(t, StateRunning, s.State())
	assert.NotEqual(t, first, s.Snapshot().PID)
}

func TestRestartAfterForcedStop(t *testing.T) {
	l := &fakeLauncher{obeyStop: false}
	s := newTestSupervisor(l)
	require.NoError(t, s.Start(context.Background()))

	err := s.Restart(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrStopTimedOutForceKilled)
	assert.Equal(t, StateRunning, s.State())
}

func TestConcurrentOperationsKeepValidTransitions(t *testing.T) {
	l := &fakeLauncher{obeyStop: true}
	s := newTestSupervisor(l)

	var events []Event
	collected := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(collected)
		for {
			select {
			case ev := <-s.Events():
				events = append(events, ev)
			case <-ctx.Done():
				events = append(events, drain(s)...)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 4 {
			case 0:
				_ = s.Start(context.Background())
			case 1:
				_ = s.Stop(context.Background(), time.Second)
			case 2:
				_ = s.Kill(context.Background())
			case 3:
				_ = s.Restart(context.Background(), time.Second)
			}
		}(i)
	}
	wg.Wait()
	_ = s.Kill(context.Background())
	cancel()
	<-collected

	assert.Equal(t, StateStopped, s.State())
	for _, ev := range events {
		assert.True(t, CanTransition(ev.From, ev.To), "%s -> %s", ev.From, ev.To)
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateStopped, StateStarting))
	assert.True(t, CanTransition(StateRunning, StateCrashed))
	assert.False(t, CanTransition(StateStopped, StateStopping))
	assert.False(t, CanTransition(StateCrashed, StateRunning))
}

func TestSnapshotUptime(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{State: StateRunning, StartedAt: start}
	assert.Equal(t, time.Minute, snap.Uptime(start.Add(time.Minute)))
	snap.State = StateStopped
	assert.Zero(t, snap.Uptime(start.Add(time.Minute)))
}
