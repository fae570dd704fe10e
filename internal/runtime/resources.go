//go:build linux

package runtime

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ApplyRlimits raises the soft NOFILE limit inherited by spawned processes.
// Zero leaves the limit alone; values above the hard limit are clamped.
func ApplyRlimits(noFile uint64) error {
	if noFile == 0 {
		return nil
	}
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &cur); err != nil {
		return fmt.Errorf("getrlimit NOFILE: %w", err)
	}
	want := noFile
	if cur.Max != unix.RLIM_INFINITY && want > cur.Max {
		want = cur.Max
	}
	if cur.Cur >= want {
		return nil
	}
	lim := &unix.Rlimit{Cur: want, Max: cur.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, lim); err != nil {
		return fmt.Errorf("setrlimit NOFILE: %w", err)
	}
	return nil
}

// KillGroup sends sig to every process in the group led by pid.
func KillGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return unix.Kill(-pid, sig)
}

// Alive reports whether pid still exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
