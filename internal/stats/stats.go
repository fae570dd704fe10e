// Package stats assembles the server status snapshot. Status never fails:
// each probe that errors leaves its fields empty.
package stats

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/console"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/logparse"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/metrics"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/players"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/supervisor"
)

// Status is the aggregate server snapshot.
type Status struct {
	Running       bool       `json:"running"`
	State         string     `json:"state"`
	PID           int        `json:"pid"`
	UptimeSeconds int64      `json:"uptimeSeconds"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	LastExitCode  *int       `json:"lastExitCode,omitempty"`
	Version       string     `json:"version,omitempty"`
	MOTD          string     `json:"motd,omitempty"`
	Players       Players    `json:"players"`
	TPS           *float64   `json:"tps"`
	CPUPercent    *float64   `json:"cpu"`
	Memory        Memory     `json:"memory"`
	Disk          Disk       `json:"disk"`
	SampledAt     time.Time  `json:"sampledAt"`
}

// Players summarises who is online. Source is "query" when the list came
// from the server, "log" when it was rebuilt from console history.
type Players struct {
	Online int                  `json:"online"`
	Max    int                  `json:"max"`
	List   []players.PlayerInfo `json:"list"`
	Source string               `json:"source,omitempty"`
}

type Memory struct {
	RSSBytes uint64  `json:"rssBytes"`
	VMSBytes uint64  `json:"vmsBytes"`
	Percent  float32 `json:"percent"`
}

type Disk struct {
	DataBytes  uint64 `json:"dataBytes"`
	FreeBytes  uint64 `json:"freeBytes"`
	TotalBytes uint64 `json:"totalBytes"`
}

// ProcessState exposes the supervised process handle.
type ProcessState interface {
	Snapshot() supervisor.Snapshot
}

// Console is the part of the console hub the aggregator reads.
type Console interface {
	Recent(limit int, f console.Filter) []logparse.Entry
	Query(ctx context.Context, command string, match func(logparse.Entry) bool) (logparse.Entry, error)
}

// Options configures an Aggregator.
type Options struct {
	Process      ProcessState
	Console      Console
	ProcessProbe ProcessProbe
	DiskProbe    DiskProbe
	DataDir      string
	// Properties returns the server.properties values; optional.
	Properties   func() (map[string]string, error)
	QueryTimeout time.Duration
	QueryTTL     time.Duration
	Now          func() time.Time
}

// listUUIDsSince is the first release whose list command accepts "uuids".
var listUUIDsSince = semver.MustParse("1.13.0")

// Aggregator answers status queries.
type Aggregator struct {
	opts Options

	mu        sync.Mutex
	pid       int
	version   string
	list      *players.ListReply
	listAt    time.Time
	tps       *float64
	tpsAt     time.Time
	tpsAbsent bool
}

// New returns an Aggregator with defaults for unset options.
func New(opts Options) *Aggregator {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 2 * time.Second
	}
	if opts.QueryTTL <= 0 {
		opts.QueryTTL = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{opts: opts}
}

// Status builds a snapshot. When the server is not running every metric is
// zero and no probe runs.
func (a *Aggregator) Status(ctx context.Context) Status {
	now := a.opts.Now()
	snap := a.opts.Process.Snapshot()
	st := Status{
		State:        string(snap.State),
		LastExitCode: snap.LastExitCode,
		SampledAt:    now,
		Players:      Players{List: []players.PlayerInfo{}},
	}
	if snap.State != supervisor.StateRunning {
		a.forget()
		return st
	}
	st.Running = true
	st.PID = snap.PID
	started := snap.StartedAt
	st.StartedAt = &started
	st.UptimeSeconds = int64(snap.Uptime(now).Seconds())
	a.rememberPID(snap.PID)

	if a.opts.Properties != nil {
		if p, err := a.opts.Properties(); err == nil {
			st.MOTD = p["motd"]
			st.Players.Max, _ = strconv.Atoi(p["max-players"])
		} else {
			log.Debug().Err(err).Msg("status: read properties")
		}
	}
	st.Version = a.serverVersion()

	if a.opts.ProcessProbe != nil {
		if s, err := a.opts.ProcessProbe.Sample(ctx, snap.PID); err == nil {
			cpu := s.CPUPercent
			st.CPUPercent = &cpu
			st.Memory = Memory{RSSBytes: s.RSSBytes, VMSBytes: s.VMSBytes, Percent: s.MemoryPercent}
		} else {
			log.Debug().Err(err).Int("pid", snap.PID).Msg("status: process probe")
		}
	}
	if a.opts.DiskProbe != nil && a.opts.DataDir != "" {
		if d, err := a.opts.DiskProbe.Usage(ctx, a.opts.DataDir); err == nil {
			st.Disk = Disk{DataBytes: d.DataBytes, FreeBytes: d.FreeBytes, TotalBytes: d.TotalBytes}
		} else {
			log.Debug().Err(err).Msg("status: disk probe")
		}
	}

	var wg sync.WaitGroup
	var list *players.ListReply
	var tps *float64
	wg.Add(2)
	go func() { defer wg.Done(); list = a.queryPlayers(ctx, st.Version) }()
	go func() { defer wg.Done(); tps = a.queryTPS(ctx) }()
	wg.Wait()

	st.TPS = tps
	recent := a.recent()
	tracked := players.Reconstruct(recent)
	if list != nil {
		st.Players.Source = "query"
		st.Players.Online = list.Online
		if list.Max > 0 {
			st.Players.Max = list.Max
		}
		for _, p := range list.Players {
			if known, ok := tracked.Get(p.Name); ok {
				if p.UUID == "" {
					p.UUID = known.UUID
				}
				p.JoinedAt = known.JoinedAt
			}
			st.Players.List = append(st.Players.List, p)
		}
	} else {
		st.Players.Source = "log"
		st.Players.List = append(st.Players.List, tracked.List()...)
		st.Players.Online = len(st.Players.List)
	}
	return st
}

func (a *Aggregator) recent() []logparse.Entry {
	if a.opts.Console == nil {
		return nil
	}
	return a.opts.Console.Recent(0, console.Filter{})
}

func (a *Aggregator) forget() {
	a.mu.Lock()
	a.pid = 0
	a.version = ""
	a.list, a.tps = nil, nil
	a.listAt, a.tpsAt = time.Time{}, time.Time{}
	a.tpsAbsent = false
	a.mu.Unlock()
}

func (a *Aggregator) rememberPID(pid int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pid == pid {
		return
	}
	a.pid = pid
	a.version = ""
	a.list, a.tps = nil, nil
	a.listAt, a.tpsAt = time.Time{}, time.Time{}
	a.tpsAbsent = false
}

// serverVersion returns the version from the startup banner, remembered per
// process since the banner eventually leaves the buffer.
func (a *Aggregator) serverVersion() string {
	a.mu.Lock()
	v := a.version
	a.mu.Unlock()
	if v != "" {
		return v
	}
	for _, e := range a.recent() {
		if found, ok := logparse.ParseVersion(e.Message); ok {
			v = found
		}
	}
	if v != "" {
		a.mu.Lock()
		a.version = v
		a.mu.Unlock()
	}
	return v
}

func (a *Aggregator) queryPlayers(ctx context.Context, version string) *players.ListReply {
	if a.opts.Console == nil {
		return nil
	}
	a.mu.Lock()
	if a.list != nil && a.opts.Now().Sub(a.listAt) < a.opts.QueryTTL {
		cached := *a.list
		a.mu.Unlock()
		return &cached
	}
	a.mu.Unlock()

	cmd := "list"
	if sv, err := logparse.NormalizeVersion(version); err == nil && !sv.LessThan(listUUIDsSince) {
		cmd = "list uuids"
	}
	qctx, cancel := context.WithTimeout(ctx, a.opts.QueryTimeout)
	defer cancel()
	e, err := a.opts.Console.Query(qctx, cmd, func(e logparse.Entry) bool { return players.IsListReply(e.Message) })
	if err != nil {
		log.Debug().Err(err).Msg("status: list query")
		return nil
	}
	reply, ok := players.ParseList(e.Message)
	if !ok {
		return nil
	}
	a.mu.Lock()
	a.list, a.listAt = &reply, a.opts.Now()
	a.mu.Unlock()
	return &reply
}

func isUnknownCommand(msg string) bool {
	msg = strings.ToLower(logparse.StripFormatting(msg))
	return strings.HasPrefix(msg, "unknown or incomplete command") || strings.HasPrefix(msg, "unknown command")
}

// queryTPS asks servers that implement a tps command. A server that answers
// "unknown command" is not asked again for the life of the process.
func (a *Aggregator) queryTPS(ctx context.Context) *float64 {
	if a.opts.Console == nil {
		return nil
	}
	a.mu.Lock()
	if a.tpsAbsent {
		a.mu.Unlock()
		return nil
	}
	if a.tps != nil && a.opts.Now().Sub(a.tpsAt) < a.opts.QueryTTL {
		v := *a.tps
		a.mu.Unlock()
		return &v
	}
	a.mu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, a.opts.QueryTimeout)
	defer cancel()
	e, err := a.opts.Console.Query(qctx, "tps", func(e logparse.Entry) bool {
		_, ok := logparse.ParseTPS(e.Message)
		return ok || isUnknownCommand(e.Message)
	})
	if err != nil {
		return nil
	}
	v, ok := logparse.ParseTPS(e.Message)
	a.mu.Lock()
	defer a.mu.Unlock()
	if !ok {
		a.tpsAbsent = true
		return nil
	}
	a.tps, a.tpsAt = &v, a.opts.Now()
	out := v
	return &out
}

// Run refreshes the Prometheus gauges every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Publish(a.Status(ctx))
		}
	}
}

// Publish copies a status snapshot into the metrics gauges.
func Publish(st Status) {
	if !st.Running {
		metrics.ResetProcess()
		return
	}
	metrics.SetPlayersOnline(st.Players.Online)
	if st.TPS != nil {
		metrics.SetTPS(*st.TPS)
	}
	var cpu float64
	if st.CPUPercent != nil {
		cpu = *st.CPUPercent
	}
	metrics.SetProcessSample(cpu, st.Memory.RSSBytes)
	metrics.SetDataBytes(st.Disk.DataBytes)
}
