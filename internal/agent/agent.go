// Package agent wires the server supervisor, console, status, files, backups
// and event log together and exposes them over HTTP.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/audit"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/backup"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/config"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/console"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/metrics"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/properties"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/ratelimit"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/runner"
	sysrt "github.com/sxwxbxr/nxrthstack-sub004/internal/runtime"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/sandbox"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/scheduler"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/startscript"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/state"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/stats"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/supervisor"
)

// Options defines runtime configuration for the agent.
type Options struct {
	Config config.Config
	// Launcher spawns the server; the native process runner when nil.
	Launcher supervisor.Launcher
	// Store replaces the SQLite event log.
	Store audit.Store
	// ExtraSinks receive every audit record in addition to the store.
	ExtraSinks []audit.Sink
	// Probes replace the gopsutil probes.
	ProcessProbe stats.ProcessProbe
	DiskProbe    stats.DiskProbe
}

// Agent is the top-level runtime handle.
type Agent struct {
	cfg    config.Config
	start  time.Time
	closed atomic.Bool

	sup       *supervisor.Supervisor
	hub       *console.Hub
	stats     *stats.Aggregator
	files     *sandbox.Sandbox
	backups   *backup.Manager
	sched     *scheduler.Scheduler
	limiter   *ratelimit.Limiter
	audit     *audit.Log
	store     audit.Store
	lifecycle *state.Store

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Agent. Nothing runs until Run is called.
func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	a := &Agent{cfg: cfg, start: time.Now()}

	files, err := sandbox.New(cfg.Server.Dir)
	if err != nil {
		return nil, fmt.Errorf("server dir: %w", err)
	}
	a.files = files

	if a.lifecycle, err = state.Open(filepath.Join(cfg.DataDir, "state")); err != nil {
		return nil, fmt.Errorf("lifecycle state: %w", err)
	}

	a.store = opts.Store
	if a.store == nil {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.SQLite), 0o755); err != nil {
			return nil, err
		}
		if a.store, err = audit.OpenSQLite(cfg.Audit.SQLite); err != nil {
			return nil, fmt.Errorf("event log: %w", err)
		}
	}
	sinks := append([]audit.Sink{a.store}, opts.ExtraSinks...)
	sinks = append(sinks, publishSinks(cfg.Audit)...)
	a.audit = audit.New(sinks)

	a.hub = console.New(console.Options{BufferSize: cfg.Server.ConsoleBuffer, Audit: a.audit})

	launcher := opts.Launcher
	if launcher == nil {
		launcher = supervisor.RunnerLauncher(runner.New())
	}
	a.sup = supervisor.New(supervisor.Options{
		Launcher:    launcher,
		Spec:        a.launchSpec,
		Output:      a.hub,
		StopCommand: cfg.Server.StopCommand,
		StopTimeout: cfg.Server.StopTimeout.D(),
		KillWait:    cfg.Server.KillWait.D(),
	})
	a.hub.SetWriter(a.sup)

	procProbe := opts.ProcessProbe
	if procProbe == nil {
		procProbe = stats.NewGopsutilProbe()
	}
	diskProbe := opts.DiskProbe
	if diskProbe == nil {
		diskProbe = stats.NewDirDiskProbe(time.Minute)
	}
	a.stats = stats.New(stats.Options{
		Process:      a.sup,
		Console:      a.hub,
		ProcessProbe: procProbe,
		DiskProbe:    diskProbe,
		DataDir:      files.Root,
		Properties:   a.propertiesMap,
		QueryTimeout: cfg.Stats.QueryTimeout.D(),
		QueryTTL:     cfg.Stats.QueryTTL.D(),
	})

	backups, err := backup.New(backup.Options{
		Source:  files.Root,
		Dir:     cfg.Backup.Dir,
		Keep:    cfg.Backup.Keep,
		Exclude: cfg.Backup.Exclude,
		Running: func() bool { return a.sup.State() != supervisor.StateStopped && a.sup.State() != supervisor.StateCrashed },
	})
	if err != nil {
		return nil, fmt.Errorf("backups: %w", err)
	}
	a.backups = backups

	if a.sched, err = scheduler.New(cfg.Schedules, schedTarget{a}, nil); err != nil {
		return nil, err
	}
	a.limiter = ratelimit.New(cfg.RateLimit.Commands, cfg.RateLimit.Window.D())
	metrics.ObserveServerState(string(supervisor.StateStopped))
	return a, nil
}

func publishSinks(c config.Audit) []audit.Sink {
	var out []audit.Sink
	if c.NATSURL != "" {
		if s, err := audit.NewNATSSink(c.NATSURL, c.NATSSubject); err != nil {
			log.Warn().Err(err).Str("url", c.NATSURL).Msg("nats audit sink disabled")
		} else {
			out = append(out, s)
		}
	}
	if c.MQTTBroker != "" {
		if s, err := audit.NewMQTTSink(c.MQTTBroker, "mcagent-"+uuid.NewString()[:8], c.MQTTTopic); err != nil {
			log.Warn().Err(err).Str("broker", c.MQTTBroker).Msg("mqtt audit sink disabled")
		} else {
			out = append(out, s)
		}
	}
	if c.WebhookURL != "" {
		out = append(out, audit.NewWebhookSink(c.WebhookURL, c.WebhookToken))
	}
	return out
}

// Run starts the background loops and, when configured or when the server
// was running before the agent went down, the server itself.
func (a *Agent) Run(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	loops := []func(){
		func() { a.watchEvents(ctx) },
		func() { a.stats.Run(ctx, a.cfg.Stats.Interval.D()) },
		func() { a.sched.Run(ctx, 30*time.Second) },
		func() { a.limiter.Run(ctx) },
	}
	for _, fn := range loops {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			fn()
		}()
	}

	snap := a.lifecycle.Get()
	if snap.LastState == string(supervisor.StateRunning) && snap.LastPID > 0 && sysrt.Alive(snap.LastPID) {
		// a server left over from a previous agent run owns the world files
		log.Error().Int("pid", snap.LastPID).Msg("previous server process still alive, not starting on boot")
		return
	}
	if a.cfg.Server.AutoStart || snap.DesiredRunning {
		go func() {
			log.Info().Bool("auto_start", a.cfg.Server.AutoStart).Msg("starting server on boot")
			if err := a.StartServer(ctx, audit.SystemUser); err != nil {
				log.Error().Err(err).Msg("boot start failed")
			}
		}()
	}
}

// Close stops the server gracefully, keeping the desired-running flag so
// the next agent start brings it back, then releases resources.
func (a *Agent) Close(ctx context.Context) error {
	if a.closed.Swap(true) {
		return nil
	}
	var errs []error
	if st := a.sup.State(); st == supervisor.StateRunning || st == supervisor.StateStarting {
		log.Info().Msg("stopping server for agent shutdown")
		if err := a.sup.Stop(ctx, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.limiter.Close()
	a.hub.Wait()
	if err := a.audit.Close(); err != nil {
		errs = append(errs, err)
	}
	log.Info().Msg("agent closed")
	return errors.Join(errs...)
}

// watchEvents turns supervisor transitions into metrics, crash records and
// the persisted lifecycle snapshot.
func (a *Agent) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.sup.Events():
			a.onEvent(ctx, ev)
		}
	}
}

func (a *Agent) onEvent(ctx context.Context, ev supervisor.Event) {
	metrics.ObserveServerState(string(ev.To))
	at := ev.At.UTC()
	err := a.lifecycle.Update(func(s *state.Snapshot) {
		s.LastState = string(ev.To)
		if ev.PID > 0 {
			s.LastPID = ev.PID
		}
		if ev.ExitCode != nil {
			code := *ev.ExitCode
			s.LastExitCode = &code
		}
		switch ev.To {
		case supervisor.StateRunning:
			s.LastStart = &at
		case supervisor.StateStopped:
			s.LastStop = &at
		case supervisor.StateCrashed:
			s.LastStop = &at
			s.LastCrash = &at
			s.CrashCount++
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("persist lifecycle")
	}
	switch ev.To {
	case supervisor.StateRunning:
		metrics.IncStarts()
	case supervisor.StateCrashed:
		metrics.IncCrashes()
		stats.Publish(stats.Status{})
		details := map[string]any{"pid": ev.PID}
		if ev.ExitCode != nil {
			details["exitCode"] = *ev.ExitCode
		}
		a.audit.Record(ctx, audit.Record{
			Action:   audit.ActionServerCrash,
			Category: audit.CategoryServer,
			UserID:   audit.SystemUser,
			Details:  details,
		})
	case supervisor.StateStopped:
		stats.Publish(stats.Status{})
	}
}

// launchSpec reads the start script on every start. Without a script the
// configured java, jar and memory settings are used.
func (a *Agent) launchSpec() (runner.Options, error) {
	args, err := a.jvmArgs()
	if err != nil {
		return runner.Options{}, err
	}
	program, argv := args.Command()
	return runner.Options{
		Name:       "minecraft",
		Command:    program,
		Args:       argv,
		WorkingDir: a.files.Root,
		NoFile:     a.cfg.Server.NoFile,
	}, nil
}

func (a *Agent) defaultJvmArgs() startscript.JvmArgs {
	s := a.cfg.Server
	return startscript.JvmArgs{Java: s.Java, MinMemory: s.MinMemory, MaxMemory: s.MaxMemory, Jar: s.Jar, ServerArgs: []string{"nogui"}}
}

func (a *Agent) jvmArgs() (startscript.JvmArgs, error) {
	b, err := a.files.Read(a.cfg.Server.StartScript)
	if errors.Is(err, os.ErrNotExist) {
		return a.defaultJvmArgs(), nil
	}
	if err != nil {
		return startscript.JvmArgs{}, err
	}
	return startscript.Decode(string(b))
}

func (a *Agent) propertiesMap() (map[string]string, error) {
	b, err := a.files.Read("server.properties")
	if err != nil {
		return nil, err
	}
	return properties.Map(properties.Decode(string(b))), nil
}

// ensureEULA writes eula=true when accepting is configured and the server has
// not recorded a decision yet.
func (a *Agent) ensureEULA() error {
	if !a.cfg.Server.AcceptEULA {
		return nil
	}
	b, err := a.files.Read("eula.txt")
	if err == nil && strings.Contains(string(b), "eula=") {
		return nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	log.Info().Msg("writing eula.txt")
	return a.files.Write("eula.txt", []byte("# accepted through mcagent configuration\neula=true\n"))
}

func (a *Agent) setDesired(running bool) {
	if err := a.lifecycle.Update(func(s *state.Snapshot) { s.DesiredRunning = running }); err != nil {
		log.Warn().Err(err).Msg("persist lifecycle")
	}
}

func (a *Agent) record(ctx context.Context, user, action, category string, details map[string]any) {
	a.audit.Record(ctx, audit.Record{Action: action, Category: category, UserID: user, Details: details})
}

// StartServer starts the server on behalf of user.
func (a *Agent) StartServer(ctx context.Context, user string) error {
	if err := a.ensureEULA(); err != nil {
		return fmt.Errorf("eula: %w", err)
	}
	if err := a.sup.Start(ctx); err != nil {
		return err
	}
	a.setDesired(true)
	a.record(ctx, user, audit.ActionServerStart, audit.CategoryServer, map[string]any{"pid": a.sup.Snapshot().PID})
	return nil
}

// StopServer stops the server gracefully. A forced kill after the timeout is
// still recorded as a stop.
func (a *Agent) StopServer(ctx context.Context, user string, timeout time.Duration) error {
	err := a.sup.Stop(ctx, timeout)
	if err != nil && !errors.Is(err, supervisor.ErrStopTimedOutForceKilled) {
		return err
	}
	a.setDesired(false)
	a.record(ctx, user, audit.ActionServerStop, audit.CategoryServer, map[string]any{"forced": err != nil})
	return err
}

// RestartServer stops then starts the server as one operation.
func (a *Agent) RestartServer(ctx context.Context, user string, timeout time.Duration) error {
	if err := a.ensureEULA(); err != nil {
		return fmt.Errorf("eula: %w", err)
	}
	err := a.sup.Restart(ctx, timeout)
	if a.sup.State() == supervisor.StateRunning {
		a.setDesired(true)
		a.record(ctx, user, audit.ActionServerRestart, audit.CategoryServer, map[string]any{
			"pid":    a.sup.Snapshot().PID,
			"forced": errors.Is(err, supervisor.ErrStopTimedOutForceKilled),
		})
	}
	return err
}

// KillServer terminates the server immediately. Killing a stopped server is
// a no-op and is not recorded.
func (a *Agent) KillServer(ctx context.Context, user string) error {
	prior := a.sup.Snapshot()
	pid := prior.PID
	if err := a.sup.Kill(ctx); err != nil {
		return err
	}
	a.setDesired(false)
	if prior.State == supervisor.StateStopped {
		return nil
	}
	a.record(ctx, user, audit.ActionServerKill, audit.CategoryServer, map[string]any{"pid": pid})
	return nil
}

// SendCommand writes one console command.
func (a *Agent) SendCommand(ctx context.Context, user, line string) error {
	return a.hub.SendCommand(ctx, user, line)
}

// Status returns the current server status.
func (a *Agent) Status(ctx context.Context) stats.Status { return a.stats.Status(ctx) }

// schedTarget runs scheduled actions through the same paths as API calls.
type schedTarget struct{ a *Agent }

func (t schedTarget) Start(ctx context.Context, user string) error { return t.a.StartServer(ctx, user) }
func (t schedTarget) Stop(ctx context.Context, user string) error {
	return t.a.StopServer(ctx, user, 0)
}
func (t schedTarget) Restart(ctx context.Context, user string) error {
	return t.a.RestartServer(ctx, user, 0)
}
func (t schedTarget) Backup(ctx context.Context, user string) error {
	_, err := t.a.CreateBackup(ctx, user, "scheduled")
	return err
}
func (t schedTarget) Command(ctx context.Context, user, line string) error {
	return t.a.SendCommand(ctx, user, line)
}
