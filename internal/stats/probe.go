package stats

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample is one CPU and memory reading.
type ProcessSample struct {
	CPUPercent    float64
	RSSBytes      uint64
	VMSBytes      uint64
	MemoryPercent float32
}

// ProcessProbe samples an OS process.
type ProcessProbe interface {
	Sample(ctx context.Context, pid int) (ProcessSample, error)
}

// DiskSample describes the server data directory and its filesystem.
type DiskSample struct {
	DataBytes  uint64
	FreeBytes  uint64
	TotalBytes uint64
}

// DiskProbe measures a directory.
type DiskProbe interface {
	Usage(ctx context.Context, dir string) (DiskSample, error)
}

// GopsutilProbe samples processes through gopsutil. It keeps the handle of
// the last sampled pid so CPU percent is computed over the interval between
// calls; the first call for a pid returns 0.
type GopsutilProbe struct {
	mu   sync.Mutex
	pid  int32
	proc *process.Process
}

func NewGopsutilProbe() *GopsutilProbe { return &GopsutilProbe{} }

func (g *GopsutilProbe) Sample(ctx context.Context, pid int) (ProcessSample, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.proc == nil || g.pid != int32(pid) {
		p, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			g.proc = nil
			return ProcessSample{}, err
		}
		g.proc, g.pid = p, int32(pid)
	}
	var s ProcessSample
	cpu, err := g.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return ProcessSample{}, err
	}
	s.CPUPercent = cpu
	mi, err := g.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessSample{}, err
	}
	s.RSSBytes, s.VMSBytes = mi.RSS, mi.VMS
	if mp, err := g.proc.MemoryPercentWithContext(ctx); err == nil {
		s.MemoryPercent = mp
	}
	return s, nil
}

// DirDiskProbe sums regular file sizes under the directory and reads free and
// total space of its filesystem. The directory size is cached for TTL.
type DirDiskProbe struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.Mutex
	dir     string
	size    uint64
	sizedAt time.Time
}

func NewDirDiskProbe(ttl time.Duration) *DirDiskProbe { return &DirDiskProbe{TTL: ttl, Now: time.Now} }

func (d *DirDiskProbe) Usage(ctx context.Context, dir string) (DiskSample, error) {
	size, err := d.dirSize(ctx, dir)
	if err != nil {
		return DiskSample{}, err
	}
	u, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return DiskSample{DataBytes: size}, err
	}
	return DiskSample{DataBytes: size, FreeBytes: u.Free, TotalBytes: u.Total}, nil
}

func (d *DirDiskProbe) dirSize(ctx context.Context, dir string) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	if d.dir == dir && !d.sizedAt.IsZero() && now().Sub(d.sizedAt) < d.TTL {
		return d.size, nil
	}
	var total uint64
	err := filepath.WalkDir(dir, func(_ string, e fs.DirEntry, err error) error {
		if err != nil {
			// files can vanish while the server saves
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.Type().IsRegular() {
			if info, err := e.Info(); err == nil {
				total += uint64(info.Size())
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	d.dir, d.size, d.sizedAt = dir, total, now()
	return total, nil
}
