package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/console"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/logparse"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/supervisor"
)

type fakeProc struct{ snap supervisor.Snapshot }

func (f fakeProc) Snapshot() supervisor.Snapshot { return f.snap }

type fakeConsole struct {
	mu      sync.Mutex
	entries []logparse.Entry
	replies map[string]string
	asked   []string
}

func (c *fakeConsole) Recent(limit int, _ console.Filter) []logparse.Entry {
	return append([]logparse.Entry(nil), c.entries...)
}

func (c *fakeConsole) Query(ctx context.Context, command string, match func(logparse.Entry) bool) (logparse.Entry, error) {
	c.mu.Lock()
	c.asked = append(c.asked, command)
	reply, ok := c.replies[command]
	c.mu.Unlock()
	if ok {
		if e := logparse.Parse(reply); match(e) {
			return e, nil
		}
	}
	<-ctx.Done()
	return logparse.Entry{}, ctx.Err()
}

func (c *fakeConsole) count(command string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.asked {
		if a == command {
			n++
		}
	}
	return n
}

type fakeProbe struct {
	sample ProcessSample
	err    error
}

func (p fakeProbe) Sample(context.Context, int) (ProcessSample, error) { return p.sample, p.err }

type fakeDisk struct{ sample DiskSample }

func (d fakeDisk) Usage(context.Context, string) (DiskSample, error) { return d.sample, nil }

func parseAll(lines ...string) []logparse.Entry {
	out := make([]logparse.Entry, 0, len(lines))
	for _, l := range lines {
		out = append(out, logparse.Parse(l))
	}
	return out
}

func running(pid int, started time.Time) fakeProc {
	return fakeProc{snap: supervisor.Snapshot{State: supervisor.StateRunning, PID: pid, StartedAt: started}}
}

func TestStatusStoppedIsZero(t *testing.T) {
	code := 0
	agg := New(Options{
		Process:      fakeProc{snap: supervisor.Snapshot{State: supervisor.StateStopped, LastExitCode: &code}},
		ProcessProbe: fakeProbe{sample: ProcessSample{CPUPercent: 50, RSSBytes: 100}},
		DiskProbe:    fakeDisk{sample: DiskSample{DataBytes: 10}},
		DataDir:      "/srv",
	})

	st := agg.Status(context.Background())
	assert.False(t, st.Running)
	assert.Equal(t, "stopped", st.State)
	assert.Nil(t, st.CPUPercent)
	assert.Nil(t, st.TPS)
	assert.Zero(t, st.Memory)
	assert.Zero(t, st.Disk)
	assert.Empty(t, st.Players.List)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 0, *st.LastExitCode)
}

func TestStatusRunningWithQueries(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cons := &fakeConsole{
		entries: parseAll(
			"[11:59:00] [Server thread/INFO]: Starting minecraft server version 1.20.4",
			"[11:59:30] [Server thread/INFO]: Steve joined the game",
		),
		replies: map[string]string{
			"list uuids": "[12:00:00] [Server thread/INFO]: There are 1 of a max of 20 players online: Steve (069a79f4-44e9-4726-a5be-fca90e38aaf5)",
			"tps":        "[12:00:00] [Server thread/INFO]: TPS from last 1m, 5m, 15m: 19.98, 20.0, 20.0",
		},
	}
	agg := New(Options{
		Process:      running(42, now.Add(-90*time.Second)),
		Console:      cons,
		ProcessProbe: fakeProbe{sample: ProcessSample{CPUPercent: 12.5, RSSBytes: 2048, MemoryPercent: 1.5}},
		DiskProbe:    fakeDisk{sample: DiskSample{DataBytes: 4096, FreeBytes: 1, TotalBytes: 2}},
		DataDir:      "/srv",
		Properties: func() (map[string]string, error) {
			return map[string]string{"motd": "hello", "max-players": "30"}, nil
		},
		Now: func() time.Time { return now },
	})

	st := agg.Status(context.Background())
	assert.True(t, st.Running)
	assert.Equal(t, 42, st.PID)
	assert.EqualValues(t, 90, st.UptimeSeconds)
	assert.Equal(t, "1.20.4", st.Version)
	assert.Equal(t, "hello", st.MOTD)
	require.NotNil(t, st.CPUPercent)
	assert.InDelta(t, 12.5, *st.CPUPercent, 0.001)
	assert.EqualValues(t, 2048, st.Memory.RSSBytes)
	assert.EqualValues(t, 4096, st.Disk.DataBytes)
	require.NotNil(t, st.TPS)
	assert.InDelta(t, 19.98, *st.TPS, 0.001)

	assert.Equal(t, "query", st.Players.Source)
	assert.Equal(t, 1, st.Players.Online)
	assert.Equal(t, 20, st.Players.Max)
	require.Len(t, st.Players.List, 1)
	assert.Equal(t, "Steve", st.Players.List[0].Name)
	assert.Equal(t, "069a79f4-44e9-4726-a5be-fca90e38aaf5", st.Players.List[0].UUID)
	assert.NotNil(t, st.Players.List[0].JoinedAt)

	// cached within the TTL
	agg.Status(context.Background())
	assert.Equal(t, 1, cons.count("list uuids"))
	assert.Equal(t, 1, cons.count("tps"))
}

func TestStatusProbeFailureDegrades(t *testing.T) {
	agg := New(Options{
		Process:      running(7, time.Now()),
		ProcessProbe: fakeProbe{err: errors.New("no such process")},
	})
	st := agg.Status(context.Background())
	assert.True(t, st.Running)
	assert.Nil(t, st.CPUPercent)
	assert.Zero(t, st.Memory)
}

func TestStatusFallsBackToLog(t *testing.T) {
	cons := &fakeConsole{
		entries: parseAll(
			"[10:00:00] [Server thread/INFO]: Alex joined the game",
			"[10:00:01] [Server thread/INFO]: Steve joined the game",
			"[10:00:02] [Server thread/INFO]: Alex left the game",
		),
	}
	agg := New(Options{
		Process:      running(9, time.Now()),
		Console:      cons,
		QueryTimeout: 20 * time.Millisecond,
	})

	st := agg.Status(context.Background())
	assert.Equal(t, "log", st.Players.Source)
	assert.Equal(t, 1, st.Players.Online)
	require.Len(t, st.Players.List, 1)
	assert.Equal(t, "Steve", st.Players.List[0].Name)
	assert.Nil(t, st.TPS)
	// no version banner seen, so the plain form is used
	assert.Equal(t, 1, cons.count("list"))
}

func TestTPSUnsupportedIsRemembered(t *testing.T) {
	now := time.Now()
	clock := now
	cons := &fakeConsole{replies: map[string]string{
		"tps": "[12:00:00] [Server thread/INFO]: Unknown or incomplete command, see below for error",
	}}
	agg := New(Options{
		Process:      running(11, now),
		Console:      cons,
		QueryTimeout: 20 * time.Millisecond,
		Now:          func() time.Time { return clock },
	})

	assert.Nil(t, agg.Status(context.Background()).TPS)
	clock = clock.Add(time.Minute)
	assert.Nil(t, agg.Status(context.Background()).TPS)
	assert.Equal(t, 1, cons.count("tps"))
}

func TestNewProcessResetsCache(t *testing.T) {
	cons := &fakeConsole{replies: map[string]string{
		"list": "[12:00:00] [Server thread/INFO]: There are 0 of a max of 20 players online:",
	}}
	proc := &struct{ fakeProc }{running(1, time.Now())}
	agg := New(Options{Process: proc, Console: cons, QueryTimeout: 20 * time.Millisecond})

	agg.Status(context.Background())
	proc.fakeProc = running(2, time.Now())
	agg.Status(context.Background())
	assert.Equal(t, 2, cons.count("list"))
}
